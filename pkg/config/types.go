package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the configuration of one diffusion run
type Config struct {
	LogLevel   string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	RunID      string            `yaml:"run_id,omitempty"`
	Seed       int64             `yaml:"seed"`
	Workers    int               `yaml:"workers" validate:"gte=0,lte=4096"` // 0 means GOMAXPROCS
	Network    string            `yaml:"network,omitempty"`                 // path to the network file
	Protocol   ProtocolConfig    `yaml:"protocol"`
	Stop       StopConfig        `yaml:"stop"`
	Checkpoint *CheckpointConfig `yaml:"checkpoint,omitempty"`
}

// ProtocolConfig names a preset protocol and/or the strategies composing it.
// Strategies given explicitly override the preset's.
type ProtocolConfig struct {
	Name        string          `yaml:"name,omitempty"`
	Preset      string          `yaml:"preset,omitempty"`
	TieBreak    string          `yaml:"tie_break,omitempty" validate:"omitempty,oneof=first random all"`
	Selection   *StrategyConfig `yaml:"selection,omitempty"`
	Propagation *StrategyConfig `yaml:"propagation,omitempty"`
	Sight       *StrategyConfig `yaml:"sight,omitempty"`
	Update      *StrategyConfig `yaml:"update,omitempty"`
	Expiration  *StrategyConfig `yaml:"expiration,omitempty"`
}

// StrategyConfig selects one strategy implementation. Params are decoded by
// the implementation into its own typed parameter struct.
type StrategyConfig struct {
	Type   string    `yaml:"type" validate:"required"`
	Params yaml.Node `yaml:"params,omitempty" validate:"-"`
}

// StopConfig describes a stop condition. Combinators (any, all) list their
// operands in Conditions.
type StopConfig struct {
	Type       string       `yaml:"type" validate:"required"`
	Params     yaml.Node    `yaml:"params,omitempty" validate:"-"`
	Conditions []StopConfig `yaml:"conditions,omitempty" validate:"dive"`
}

// CheckpointConfig controls where and how often checkpoints are written
type CheckpointConfig struct {
	Store           string        `yaml:"store" validate:"required,oneof=file sqlite"`
	Path            string        `yaml:"path" validate:"required"` // directory for file, database for sqlite
	EveryIterations int           `yaml:"every_iterations,omitempty" validate:"gte=0"`
	Every           time.Duration `yaml:"every,omitempty" validate:"gte=0"`
}

// Strategy builds a StrategyConfig from a type and a params value, for use in code and tests.
func Strategy(typ string, params any) *StrategyConfig {
	sc := &StrategyConfig{Type: typ}
	if params != nil {
		_ = sc.Params.Encode(params)
	}
	return sc
}

// Stop builds a StopConfig from a type and a params value.
func Stop(typ string, params any, conditions ...StopConfig) StopConfig {
	sc := StopConfig{Type: typ, Conditions: conditions}
	if params != nil {
		_ = sc.Params.Encode(params)
	}
	return sc
}
