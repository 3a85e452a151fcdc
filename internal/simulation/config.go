package simulation

import (
	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/protocol"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/stop"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
)

// Setup builds the protocol and stop condition a configuration describes.
// Every problem is reported together, before any iteration runs.
func Setup(cfg *config.Config) (*protocol.Protocol, stop.Condition, error) {
	proto, perr := protocol.FromConfig(cfg.Protocol)
	cond, serr := stop.FromConfig(cfg.Stop)
	if err := multierr.Combine(perr, serr); err != nil {
		return nil, nil, err
	}
	return proto, cond, nil
}

// ConfigOptions translates the run-level settings of cfg into options.
// store may be nil when checkpoints are not persisted.
func ConfigOptions(cfg *config.Config, store persistence.Store) []Option {
	opts := []Option{WithWorkers(cfg.Workers)}
	if cfg.RunID != "" {
		opts = append(opts, WithRunID(cfg.RunID))
	}
	if store != nil {
		if cp := cfg.Checkpoint; cp != nil {
			opts = append(opts, WithStore(store, int32(cp.EveryIterations), cp.Every))
		} else {
			opts = append(opts, WithStore(store, 0, 0))
		}
	}
	return opts
}
