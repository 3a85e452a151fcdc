package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
)

func newResumeCmd() *cobra.Command {
	var configPath, networkPath, checkpointPath, runID, out string

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a checkpointed run",
		Long: `Resume restores a run from a checkpoint and runs it to completion. The
checkpoint is read from a file (--checkpoint) or is the latest one the
configured checkpoint store holds for --run-id. The configuration and
network must be the ones the run was started with.`,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if (checkpointPath == "") == (runID == "") {
				return errors.New("exactly one of --checkpoint and --run-id is required")
			}
			in, err := loadInputs(cmd, configPath, networkPath)
			if err != nil {
				return err
			}
			defer multierr.AppendInvoke(&err, multierr.Close(in))

			var cp *persistence.Checkpoint
			if checkpointPath != "" {
				cp, err = persistence.ReadFile(checkpointPath)
			} else {
				if in.store == nil {
					return fmt.Errorf("--run-id needs a checkpoint section in %s", configPath)
				}
				cp, err = in.store.Latest(cmd.Context(), runID)
			}
			if err != nil {
				return err
			}

			collector := metrics.NewCollector()
			metrics.RecordHistory(collector, cp.History, metrics.RunLabels(cp.RunID))
			sim, err := simulation.Restore(in.net, in.proto, in.cond, cp, in.options(collector)...)
			if err != nil {
				return err
			}
			return execute(cmd, sim, collector, out)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Run configuration (YAML)")
	cmd.Flags().StringVarP(&networkPath, "network", "n", "", "Network file (YAML); overrides the configuration's")
	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file to resume from")
	cmd.Flags().StringVar(&runID, "run-id", "", "Resume the latest stored checkpoint of this run")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write the final checkpoint to this file")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
