package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yamlConfig mirrors the subset of Config a deployment typically wants to
// pin in a checked-in file, leaving secrets (RedisURL) to the environment.
type yamlConfig struct {
	MaxRetries                    *int    `yaml:"maxRetries"`
	RetryBackoffCapSeconds        *int    `yaml:"retryBackoffCapSeconds"`
	MetadataFetchTimeoutSeconds   *int    `yaml:"metadataFetchTimeoutSeconds"`
	TransformWorkerCount          *int    `yaml:"transformWorkerCount"`
	BootstrapParallelism          *int    `yaml:"bootstrapParallelism"`
	CircuitBreakerVolumeThreshold *int    `yaml:"circuitBreakerVolumeThreshold"`
	LogLevel                      *string `yaml:"logLevel"`
	LogFormat                     *string `yaml:"logFormat"`
}

// LoadYAMLFile reads the given YAML file and returns an Option applying
// any fields it sets on top of defaults/environment. A missing field in
// the file leaves the corresponding Config field untouched.
func LoadYAMLFile(path string) (Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return func(c *Config) {
		if yc.MaxRetries != nil {
			c.MaxRetries = *yc.MaxRetries
		}
		if yc.RetryBackoffCapSeconds != nil {
			c.RetryBackoffCap = time.Duration(*yc.RetryBackoffCapSeconds) * time.Second
		}
		if yc.MetadataFetchTimeoutSeconds != nil {
			c.MetadataFetchTimeout = time.Duration(*yc.MetadataFetchTimeoutSeconds) * time.Second
		}
		if yc.TransformWorkerCount != nil {
			c.TransformWorkerCount = *yc.TransformWorkerCount
		}
		if yc.BootstrapParallelism != nil {
			c.BootstrapParallelism = *yc.BootstrapParallelism
		}
		if yc.CircuitBreakerVolumeThreshold != nil {
			c.CircuitBreakerVolumeThreshold = *yc.CircuitBreakerVolumeThreshold
		}
		if yc.LogLevel != nil {
			c.LogLevel = *yc.LogLevel
		}
		if yc.LogFormat != nil {
			c.LogFormat = *yc.LogFormat
		}
	}, nil
}
