package config

import "time"

// GetDefaultConfig returns the configuration a bare `engineroom serve` runs
// with. Every field can be overridden by config.yaml or the environment.
func GetDefaultConfig() Config {
	return Config{
		Coordination: CoordinationConfig{
			Servers:        []string{"127.0.0.1:2181"},
			Root:           "/engineroom",
			SessionTimeout: Duration(10 * time.Second),
		},
		Cluster: ClusterConfig{
			Namespace:          "default",
			CrashLoopThreshold: 3,
			RetryAttempts:      4,
			RetryBaseDelay:     Duration(500 * time.Millisecond),
			RetryMaxDelay:      Duration(8 * time.Second),
		},
		Orchestrator: OrchestratorConfig{
			LockTimeout:       Duration(15 * time.Second),
			ProvisionTimeout:  Duration(10 * time.Minute),
			DeleteGracePeriod: Duration(30 * time.Second),
		},
		Reaper: ReaperConfig{
			Enabled:     true,
			Interval:    Duration(time.Minute),
			IdleTimeout: Duration(30 * time.Minute),
			MaxParallel: 4,
		},
		HTTP: HTTPConfig{
			Listen: ":8080",
		},
		Models: ModelsConfig{
			BasePath: "/models",
		},
	}
}
