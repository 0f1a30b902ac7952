package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"engineroom/internal/api"
	"engineroom/internal/cluster"
	"engineroom/internal/engine"
	"engineroom/internal/pvc"
)

// StartRequest is the body of POST /api/v1/engines/:id/start.
type StartRequest struct {
	Image      string            `json:"image"`
	Port       int32             `json:"port"`
	PullSecret string            `json:"pullSecret"`
	Env        map[string]string `json:"env"`

	// Model, when set, is fetched onto the shared volume before the engine
	// starts.
	Model *ModelRequest `json:"model"`
}

// ModelRequest names a model repository to materialize on the volume.
type ModelRequest struct {
	RepoID string `json:"repoID"`
	Name   string `json:"name"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.opts.Version})
}

func (s *Server) handleListEngines(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"engines": s.orch.List()})
}

func (s *Server) handleGetEngine(c *gin.Context) {
	status := s.orch.Status(c.Param("id"))
	if status.State == engine.StateAbsent {
		c.JSON(http.StatusNotFound, status)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStartEngine(c *gin.Context) {
	engineID := c.Param("id")

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}

	if req.Image == "" {
		req.Image = s.opts.DefaultImage
	}
	if req.Image == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
		return
	}
	if req.Port <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "port is required"})
		return
	}
	if req.PullSecret == "" {
		req.PullSecret = s.opts.PullSecret
	}

	// Model files must be on the volume before the workload mounts it.
	if req.Model != nil {
		if s.models == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model volume configured"})
			return
		}
		if err := s.models.EnsureModel(c.Request.Context(), req.Model.RepoID, req.Model.Name); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ensure model files: " + err.Error()})
			return
		}
	}

	spec := engine.ImageSpec{
		Image:      req.Image,
		Port:       req.Port,
		PullSecret: req.PullSecret,
		Env:        req.Env,
	}
	status, err := s.orch.Start(c.Request.Context(), engineID, spec)
	if err != nil {
		s.renderEngineError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleStopEngine(c *gin.Context) {
	status, err := s.orch.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.renderEngineError(c, status, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleTouchEngine(c *gin.Context) {
	err := s.orch.Touch(c.Request.Context(), c.Param("id"))
	if err != nil {
		if api.IsEngineNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// renderEngineError maps the lifecycle error taxonomy onto HTTP. Busy and the
// two conflict flavors are 409s the client can act on; everything else is a
// plain 500.
func (s *Server) renderEngineError(c *gin.Context, status api.EngineStatus, err error) {
	switch {
	case api.IsBusy(err):
		c.Header("Retry-After", "2")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "engine": status})
	case cluster.IsSpecConflict(err), api.IsStaleWorkload(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "engine": status})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "engine": status})
	}
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model volume configured"})
		return
	}
	models, err := s.models.ListModels()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleDownloadModel(c *gin.Context) {
	if s.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model volume configured"})
		return
	}

	var req ModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed request body: " + err.Error()})
		return
	}
	if req.RepoID == "" || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "repoID and name are required"})
		return
	}

	if err := s.models.Download(c.Request.Context(), req.RepoID, req.Name); err != nil {
		if errors.Is(err, pvc.ErrModelExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "downloaded", "name": req.Name})
}

func (s *Server) handleRemoveModel(c *gin.Context) {
	if s.models == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no model volume configured"})
		return
	}

	if err := s.models.Remove(c.Param("name")); err != nil {
		if errors.Is(err, pvc.ErrModelNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
