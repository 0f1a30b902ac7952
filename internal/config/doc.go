// Package config loads the service configuration: defaults, layered YAML
// file, environment overrides, validation.
package config
