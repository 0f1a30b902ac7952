package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"engineroom/internal/api"
	"engineroom/internal/pvc"
	"engineroom/pkg/logging"
)

// ModelStore is the slice of the PVC manager the HTTP layer needs.
type ModelStore interface {
	ListModels() ([]pvc.Model, error)
	EnsureModel(ctx context.Context, repoID, name string) error
	Download(ctx context.Context, repoID, name string) error
	Remove(name string) error
}

// Options configures the HTTP surface.
type Options struct {
	// DefaultImage is used when a start request omits the image. Empty means
	// the image is mandatory.
	DefaultImage string

	// PullSecret is applied to workloads when the request does not carry one.
	PullSecret string

	// Version is reported by the version endpoint.
	Version string
}

// Server is the HTTP API over the orchestrator and the model volume.
type Server struct {
	orch   api.Orchestrator
	models ModelStore
	opts   Options
}

// New creates the HTTP server. models may be nil when no model volume is
// configured; the model routes then report 503.
func New(orch api.Orchestrator, models ModelStore, opts Options) *Server {
	return &Server{orch: orch, models: models, opts: opts}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestID(), requestLog())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/version", s.handleVersion)

	v1 := router.Group("/api/v1")
	{
		engines := v1.Group("/engines")
		engines.GET("", s.handleListEngines)
		engines.GET("/:id", s.handleGetEngine)
		engines.POST("/:id/start", s.handleStartEngine)
		engines.POST("/:id/stop", s.handleStopEngine)
		engines.POST("/:id/touch", s.handleTouchEngine)

		models := v1.Group("/models")
		models.GET("", s.handleListModels)
		models.POST("/download", s.handleDownloadModel)
		models.DELETE("/:name", s.handleRemoveModel)
	}

	return router
}

// Run serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("Server", "shutdown did not complete cleanly: %v", err)
		}
	}()

	logging.Info("Server", "listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
