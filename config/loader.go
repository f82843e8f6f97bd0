package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads configuration files
type Loader struct{}

// NewLoader creates a configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadFile reads a JSON or YAML configuration file, selected by extension,
// applied on top of the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var raw map[string]any
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse JSON config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q (want .json, .yaml, or .yml)", ext)
	}

	l.parseDurations(raw)

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// parseDurations converts duration strings to nanoseconds so they decode
// into time.Duration fields
func (l *Loader) parseDurations(raw map[string]any) {
	if nats, ok := raw["nats"].(map[string]any); ok {
		if wait, ok := nats["reconnect_wait"].(string); ok {
			if d, err := time.ParseDuration(wait); err == nil {
				nats["reconnect_wait"] = int64(d)
			}
		}
	}
}
