package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// ParseConfigYAML parses a Config from YAML bytes and validates it.
// This is used for APIs where config is provided as payload (not via filesystem).
func ParseConfigYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", &models.ConfigurationError{Reason: err.Error()})
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// ParseConfigYAMLString parses a Config from a YAML string and validates it.
func ParseConfigYAMLString(yamlText string) (*Config, error) {
	return ParseConfigYAML([]byte(yamlText))
}
