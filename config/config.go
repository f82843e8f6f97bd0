// Package config defines the StudyMatch service configuration and its loader.
// Files may be JSON or YAML, selected by extension.
package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Upstream     UpstreamConfig     `json:"upstream" yaml:"upstream"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	HTTP         HTTPConfig         `json:"http" yaml:"http"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	NATS         NATSConfig         `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// UpstreamConfig points at the external AI evaluation pipeline
type UpstreamConfig struct {
	BaseURL      string `json:"base_url" yaml:"base_url"`
	EvaluatePath string `json:"evaluate_path,omitempty" yaml:"evaluate_path,omitempty"`
	// DefaultModel is used when a start request does not name one
	DefaultModel string `json:"default_model,omitempty" yaml:"default_model,omitempty"`
}

// OrchestratorConfig bounds the session manager
type OrchestratorConfig struct {
	// MaxConcurrent caps simultaneously streaming sessions; 0 means the
	// built-in default of 4
	MaxConcurrent int `json:"max_concurrent,omitempty" yaml:"max_concurrent,omitempty"`
}

// HTTPConfig configures the API gateway server
type HTTPConfig struct {
	Port           int      `json:"port" yaml:"port"`
	EnableCORS     bool     `json:"enable_cors,omitempty" yaml:"enable_cors,omitempty"`
	CORSOrigins    []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	MaxRequestSize int64    `json:"max_request_size,omitempty" yaml:"max_request_size,omitempty"`
}

// MetricsConfig configures the Prometheus exposition server
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// NATSConfig configures the optional event fan-out connection
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URL           string        `json:"url,omitempty" yaml:"url,omitempty"`
	SubjectPrefix string        `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
}

// Default returns a configuration with sensible development defaults
func Default() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			BaseURL:      "http://localhost:8000",
			EvaluatePath: "/evaluate/stream",
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent: 4,
		},
		HTTP: HTTPConfig{
			Port:           8080,
			MaxRequestSize: 4 << 20, // 4 MiB
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url is not a valid URL: %s", c.Upstream.BaseURL)
	}

	if c.Orchestrator.MaxConcurrent < 0 {
		return fmt.Errorf("orchestrator.max_concurrent cannot be negative")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in 1-65535, got %d", c.HTTP.Port)
	}
	if c.HTTP.MaxRequestSize < 0 {
		return fmt.Errorf("http.max_request_size cannot be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be in 1-65535, got %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.HTTP.Port {
			return fmt.Errorf("metrics.port must differ from http.port")
		}
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.enabled is true")
	}

	return nil
}
