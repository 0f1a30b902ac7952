package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"engineroom/pkg/logging"
)

// Environment overrides, applied after the YAML file. The names follow the
// deployment environment this service historically ran in.
const (
	envZKHosts     = "ZK_HOSTS"     // comma-separated host:port list
	envDockerImage = "DOCKER_IMAGE" // default engine image
	envNamespace   = "NAMESPACE"
	envModelPath   = "MODEL_BASE_PATH"
	envListen      = "ENGINEROOM_LISTEN"
	envStandalone  = "ENGINEROOM_STANDALONE"
)

// LoadConfig loads configuration from the given YAML file, layered over the
// defaults, then applies environment overrides and validates the result. A
// missing file is not an error: defaults plus environment apply.
func LoadConfig(path string) (Config, error) {
	cfg := GetDefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logging.Info("ConfigLoader", "no config file at %s, using defaults", path)
	case err != nil:
		return Config{}, fmt.Errorf("failed to read config from %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config from %s: %w", path, err)
		}
		logging.Info("ConfigLoader", "loaded configuration from %s", path)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if hosts := os.Getenv(envZKHosts); hosts != "" {
		cfg.Coordination.Servers = splitHosts(hosts)
	}
	if image := os.Getenv(envDockerImage); image != "" {
		cfg.Cluster.DefaultImage = image
	}
	if namespace := os.Getenv(envNamespace); namespace != "" {
		cfg.Cluster.Namespace = namespace
	}
	if basePath := os.Getenv(envModelPath); basePath != "" {
		cfg.Models.BasePath = basePath
	}
	if listen := os.Getenv(envListen); listen != "" {
		cfg.HTTP.Listen = listen
	}
	if standalone := os.Getenv(envStandalone); standalone != "" {
		cfg.Standalone = standalone == "1" || strings.EqualFold(standalone, "true")
	}
}

func splitHosts(value string) []string {
	var hosts []string
	for _, host := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(host); trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}
