package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the configuration for values the service cannot run with.
// All findings are reported at once.
func (c Config) Validate() error {
	var problems []error

	if !c.Standalone && len(c.Coordination.Servers) == 0 {
		problems = append(problems, errors.New("coordination.servers must not be empty"))
	}
	if !strings.HasPrefix(c.Coordination.Root, "/") {
		problems = append(problems, fmt.Errorf("coordination.root %q must be an absolute node path", c.Coordination.Root))
	}
	if c.Coordination.SessionTimeout <= 0 {
		problems = append(problems, errors.New("coordination.sessionTimeout must be positive"))
	}

	if !c.Standalone && c.Cluster.Namespace == "" {
		problems = append(problems, errors.New("cluster.namespace must not be empty"))
	}
	if c.Cluster.CrashLoopThreshold <= 0 {
		problems = append(problems, errors.New("cluster.crashLoopThreshold must be positive"))
	}
	if c.Cluster.RetryAttempts <= 0 {
		problems = append(problems, errors.New("cluster.retryAttempts must be positive"))
	}
	if c.Cluster.RetryBaseDelay <= 0 || c.Cluster.RetryMaxDelay < c.Cluster.RetryBaseDelay {
		problems = append(problems, errors.New("cluster retry delays must be positive with max >= base"))
	}

	if c.Orchestrator.LockTimeout <= 0 {
		problems = append(problems, errors.New("orchestrator.lockTimeout must be positive"))
	}
	if c.Orchestrator.ProvisionTimeout <= 0 {
		problems = append(problems, errors.New("orchestrator.provisionTimeout must be positive"))
	}

	if c.Reaper.Enabled {
		if c.Reaper.Interval <= 0 {
			problems = append(problems, errors.New("reaper.interval must be positive"))
		}
		if c.Reaper.IdleTimeout <= 0 {
			problems = append(problems, errors.New("reaper.idleTimeout must be positive"))
		}
	}

	if c.HTTP.Listen == "" {
		problems = append(problems, errors.New("http.listen must not be empty"))
	}
	if c.Models.BasePath == "" {
		problems = append(problems, errors.New("models.basePath must not be empty"))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(problems...))
	}
	return nil
}
