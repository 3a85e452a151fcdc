package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/protocol"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/stop"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// runInputs is everything a simulator is built from.
type runInputs struct {
	cfg   *config.Config
	net   *network.Snapshot
	proto *protocol.Protocol
	cond  stop.Condition
	store persistence.Store // nil without a checkpoint section
}

func (in *runInputs) Close() error {
	if in.store == nil {
		return nil
	}
	return in.store.Close()
}

// loadInputs reads the configuration and network. networkPath, when set,
// replaces the network named in the configuration.
func loadInputs(cmd *cobra.Command, configPath, networkPath string) (*runInputs, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	setupLogger(cmd, cfg.LogLevel)

	if networkPath != "" {
		cfg.Network = networkPath
	}
	if cfg.Network == "" {
		return nil, models.Configf("network", "no network file given")
	}
	net, err := network.Load(cfg.Network)
	if err != nil {
		return nil, err
	}
	proto, cond, err := simulation.Setup(cfg)
	if err != nil {
		return nil, err
	}

	in := &runInputs{cfg: cfg, net: net, proto: proto, cond: cond}
	if cp := cfg.Checkpoint; cp != nil {
		if in.store, err = persistence.Open(cmd.Context(), cp.Store, cp.Path); err != nil {
			return nil, err
		}
	}
	logger.Debug("inputs loaded",
		"config", configPath,
		"network", cfg.Network,
		"users", net.NumUsers(),
		"pieces", net.NumPieces(),
		"protocol", proto.String())
	return in, nil
}

func (in *runInputs) options(collector *metrics.Collector) []simulation.Option {
	return append(simulation.ConfigOptions(in.cfg, in.store),
		simulation.WithLogger(logger.Default),
		simulation.WithObserver(collector))
}

// setupLogger installs a text logger on stderr. The --log-level flag wins
// over the configured level.
func setupLogger(cmd *cobra.Command, level string) {
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	logger.SetDefault(logger.NewText(level, cmd.ErrOrStderr()))
}

// execute runs sim until it stops or the process is interrupted, then writes
// the final checkpoint to out when set and prints the run.
func execute(cmd *cobra.Command, sim *simulation.Simulator, collector *metrics.Collector, out string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := sim.Run(ctx)
	if out != "" {
		if werr := persistence.WriteFile(out, sim.Checkpoint()); werr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to write checkpoint %s: %w", out, werr))
		}
	}
	if perr := printRun(cmd, sim.Info(), collector); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}

func printRun(cmd *cobra.Command, run *models.Run, collector *metrics.Collector) error {
	curve := metrics.DiffusionCurve(collector, metrics.RunLabels(run.ID))
	w := cmd.OutOrStdout()
	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		return json.NewEncoder(w).Encode(map[string]any{
			"run":             run,
			"diffusion_curve": curve,
		})
	}

	fmt.Fprintf(w, "run:        %s\n", run.ID)
	fmt.Fprintf(w, "status:     %s\n", run.Status)
	fmt.Fprintf(w, "protocol:   %s\n", run.Protocol)
	fmt.Fprintf(w, "iterations: %d\n", run.Iteration)
	if run.Checkpoint != "" {
		fmt.Fprintf(w, "checkpoint: %s\n", run.Checkpoint)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "error:      %s\n", run.Error)
	}
	if s := run.Summary; s != nil {
		fmt.Fprintf(w, "seen:       %d\n", s.TotalSeen)
		fmt.Fprintf(w, "propagated: %d\n", s.TotalPropagated)
		fmt.Fprintf(w, "expired:    %d\n", s.TotalExpired)
		fmt.Fprintf(w, "coverage:   %.4f\n", s.Coverage)
	}
	if len(curve) > 0 {
		printCurve(w, curve)
	}
	return nil
}

func printCurve(w io.Writer, curve []float64) {
	fmt.Fprint(w, "curve:     ")
	for _, v := range curve {
		fmt.Fprintf(w, " %g", v)
	}
	fmt.Fprintln(w)
}
