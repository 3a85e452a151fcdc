package main

import (
	"go.uber.org/multierr"

	"github.com/spf13/cobra"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
)

func newRunCmd() *cobra.Command {
	var configPath, networkPath, out, runID string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a diffusion simulation until its stop condition holds",
		Long: `Run builds a simulator from a configuration and a network and runs it
until the stop condition holds. An interrupt checkpoints the run instead,
so it can be continued with 'diffsim resume'.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			in, err := loadInputs(cmd, configPath, networkPath)
			if err != nil {
				return err
			}
			defer multierr.AppendInvoke(&err, multierr.Close(in))

			collector := metrics.NewCollector()
			opts := in.options(collector)
			if runID != "" {
				opts = append(opts, simulation.WithRunID(runID))
			}
			sim, err := simulation.New(in.net, in.proto, in.cond, in.cfg.Seed, opts...)
			if err != nil {
				return err
			}
			return execute(cmd, sim, collector, out)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run configuration (YAML)")
	cmd.Flags().StringVarP(&networkPath, "network", "n", "", "Network file (YAML); overrides the configuration's")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the final checkpoint to this file")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id; overrides the configuration's")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
