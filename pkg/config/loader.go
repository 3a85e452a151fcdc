package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// LoadConfig loads and parses a configuration file. A relative network path
// is resolved against the directory of the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Network != "" && !filepath.IsAbs(cfg.Network) {
		cfg.Network = filepath.Join(filepath.Dir(path), cfg.Network)
	}
	return cfg, nil
}

// validateConfig performs validation on the configuration. Every problem is
// reported, not only the first one.
func validateConfig(cfg *Config) error {
	err := ValidateStruct("", cfg)

	p := cfg.Protocol
	if p.Preset == "" {
		missing := map[string]*StrategyConfig{
			"selection":   p.Selection,
			"propagation": p.Propagation,
			"sight":       p.Sight,
			"update":      p.Update,
		}
		for _, name := range []string{"selection", "propagation", "sight", "update"} {
			if missing[name] == nil {
				err = multierr.Append(err, models.Configf("protocol."+name, "is required when no preset is given"))
			}
		}
	}

	err = multierr.Append(err, validateStop("stop", &cfg.Stop))
	return err
}

func validateStop(field string, s *StopConfig) error {
	switch s.Type {
	case "any", "all":
		if len(s.Conditions) == 0 {
			return models.Configf(field+".conditions", "%s needs at least one condition", s.Type)
		}
		var err error
		for i := range s.Conditions {
			err = multierr.Append(err, validateStop(fmt.Sprintf("%s.conditions[%d]", field, i), &s.Conditions[i]))
		}
		return err
	case "":
		// reported by tag validation
		return nil
	default:
		if len(s.Conditions) > 0 {
			return models.Configf(field+".conditions", "only any/all take conditions, not %s", s.Type)
		}
		return nil
	}
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Protocol.Name == "" {
		cfg.Protocol.Name = cfg.Protocol.Preset
	}
	if cfg.Protocol.Name == "" {
		cfg.Protocol.Name = "custom"
	}
	if cfg.Protocol.TieBreak == "" {
		cfg.Protocol.TieBreak = "first"
	}
}
