package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as a Go duration string
// ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the top-level configuration for engineroom.
type Config struct {
	// Standalone runs without a cluster or coordination service: in-memory
	// store, fake driver. For local development.
	Standalone bool `yaml:"standalone,omitempty"`

	Coordination CoordinationConfig `yaml:"coordination"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Reaper       ReaperConfig       `yaml:"reaper"`
	HTTP         HTTPConfig         `yaml:"http"`
	Models       ModelsConfig       `yaml:"models"`
}

// CoordinationConfig configures the coordination store connection.
type CoordinationConfig struct {
	Servers        []string `yaml:"servers"`        // ZooKeeper host:port list
	Root           string   `yaml:"root"`           // namespace root node
	SessionTimeout Duration `yaml:"sessionTimeout"` // ZooKeeper session timeout
}

// ClusterConfig configures the Kubernetes workload driver.
type ClusterConfig struct {
	Namespace          string   `yaml:"namespace"`
	DefaultImage       string   `yaml:"defaultImage,omitempty"` // used when a start request omits the image
	PullSecret         string   `yaml:"pullSecret,omitempty"`
	CrashLoopThreshold int      `yaml:"crashLoopThreshold"` // pod restarts before a provision is declared crash-looping
	RetryAttempts      int      `yaml:"retryAttempts"`      // transient API error retry budget
	RetryBaseDelay     Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay      Duration `yaml:"retryMaxDelay"`
}

// OrchestratorConfig configures lifecycle timing.
type OrchestratorConfig struct {
	LockTimeout       Duration `yaml:"lockTimeout"`      // bounded wait for the per-engine lock
	ProvisionTimeout  Duration `yaml:"provisionTimeout"` // bounded wait for workload readiness
	DeleteGracePeriod Duration `yaml:"deleteGracePeriod"`
}

// ReaperConfig configures the idle sweep.
type ReaperConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	FailedRetention Duration `yaml:"failedRetention,omitempty"` // 0 keeps failed engines until stopped
	MaxParallel     int      `yaml:"maxParallel"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// ModelsConfig configures the shared model volume.
type ModelsConfig struct {
	BasePath string `yaml:"basePath"`
}
