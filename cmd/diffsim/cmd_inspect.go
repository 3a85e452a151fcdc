package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
)

type iterationCounts struct {
	Number       int32 `json:"number"`
	Seen         int   `json:"seen"`
	Propagated   int   `json:"propagated"`
	Repropagated int   `json:"repropagated"`
	Transfers    int   `json:"transfers"`
	Ignored      int   `json:"ignored"`
	Expired      int   `json:"expired"`
	Active       int64 `json:"active"`
	Pending      int64 `json:"pending"`
}

func countIteration(it *history.Iteration) iterationCounts {
	return iterationCounts{
		Number:       it.Number,
		Seen:         len(it.Seen),
		Propagated:   len(it.Propagated),
		Repropagated: len(it.Repropagated),
		Transfers:    len(it.Transfers),
		Ignored:      len(it.Ignored),
		Expired:      len(it.Expired),
		Active:       it.Active,
		Pending:      it.Pending,
	}
}

func newInspectCmd() *cobra.Command {
	var checkpointPath string
	var showHistory bool

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Describe a checkpoint file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := persistence.ReadFile(checkpointPath)
			if err != nil {
				return err
			}
			hist, err := history.FromIterations(cp.History)
			if err != nil {
				return err
			}
			totals := hist.Totals()

			var records int
			for _, u := range cp.Users {
				records += len(u.Records)
			}

			w := cmd.OutOrStdout()
			if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
				out := map[string]any{
					"run_id":      cp.RunID,
					"protocol":    cp.Protocol,
					"seed":        cp.Seed,
					"iteration":   cp.Iteration,
					"status":      cp.Status,
					"fingerprint": fmt.Sprintf("%016x", cp.Fingerprint),
					"users":       cp.NumUsers,
					"pieces":      cp.NumPieces,
					"records":     records,
					"totals":      totals,
				}
				if !cp.CreatedAt.IsZero() {
					out["created_at"] = cp.CreatedAt.UTC().Format(time.RFC3339)
				}
				if showHistory {
					counts := make([]iterationCounts, len(cp.History))
					for i := range cp.History {
						counts[i] = countIteration(&cp.History[i])
					}
					out["history"] = counts
				}
				return json.NewEncoder(w).Encode(out)
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "run:\t%s\n", cp.RunID)
			fmt.Fprintf(tw, "protocol:\t%s\n", cp.Protocol)
			fmt.Fprintf(tw, "seed:\t%d\n", cp.Seed)
			fmt.Fprintf(tw, "iteration:\t%d\n", cp.Iteration)
			fmt.Fprintf(tw, "status:\t%s\n", cp.Status)
			fmt.Fprintf(tw, "network:\t%d users, %d pieces (%016x)\n", cp.NumUsers, cp.NumPieces, cp.Fingerprint)
			fmt.Fprintf(tw, "records:\t%d\n", records)
			fmt.Fprintf(tw, "seen:\t%d\n", totals.Seen)
			fmt.Fprintf(tw, "propagated:\t%d (+%d repropagated)\n", totals.Propagated, totals.Repropagated)
			fmt.Fprintf(tw, "transfers:\t%d\n", totals.Transfers)
			fmt.Fprintf(tw, "ignored:\t%d\n", totals.Ignored)
			fmt.Fprintf(tw, "expired:\t%d\n", totals.Expired)
			if showHistory {
				fmt.Fprintln(tw, "\nITER\tSEEN\tPROP\tREPROP\tTRANSFERS\tIGNORED\tEXPIRED\tACTIVE\tPENDING")
				for i := range cp.History {
					c := countIteration(&cp.History[i])
					fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
						c.Number, c.Seen, c.Propagated, c.Repropagated, c.Transfers, c.Ignored, c.Expired, c.Active, c.Pending)
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint file")
	cmd.Flags().BoolVar(&showHistory, "history", false, "Print per-iteration counts")
	_ = cmd.MarkFlagRequired("checkpoint")
	return cmd
}
