package simd

import (
	"time"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// convertRunToJSON flattens a run into JSON-compatible values. The result is
// also valid input for structpb.NewStruct.
func convertRunToJSON(run *models.Run) map[string]any {
	out := map[string]any{
		"id":        run.ID,
		"status":    string(run.Status),
		"protocol":  run.Protocol,
		"seed":      run.Seed,
		"iteration": int64(run.Iteration),
	}
	if !run.StartTime.IsZero() {
		out["start_time"] = run.StartTime.UTC().Format(time.RFC3339Nano)
	}
	if !run.EndTime.IsZero() {
		out["end_time"] = run.EndTime.UTC().Format(time.RFC3339Nano)
		out["duration_ms"] = run.Duration.Milliseconds()
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	if run.Checkpoint != "" {
		out["checkpoint"] = run.Checkpoint
	}
	if len(run.Metadata) > 0 {
		md := make(map[string]any, len(run.Metadata))
		for k, v := range run.Metadata {
			md[k] = v
		}
		out["metadata"] = md
	}
	if s := run.Summary; s != nil {
		out["summary"] = map[string]any{
			"iterations":       int64(s.Iterations),
			"users":            int64(s.Users),
			"pieces":           int64(s.Pieces),
			"total_seen":       s.TotalSeen,
			"total_propagated": s.TotalPropagated,
			"total_expired":    s.TotalExpired,
			"active_records":   s.ActiveRecords,
			"coverage":         s.Coverage,
		}
	}
	return out
}

type actionJSON struct {
	User  string `json:"user"`
	Piece string `json:"piece"`
}

type transferJSON struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Piece string `json:"piece"`
}

type iterationJSON struct {
	Number       int32          `json:"number"`
	Propagated   []actionJSON   `json:"propagated,omitempty"`
	Repropagated []actionJSON   `json:"repropagated,omitempty"`
	Transfers    []transferJSON `json:"transfers,omitempty"`
	Seen         []actionJSON   `json:"seen,omitempty"`
	Ignored      []actionJSON   `json:"ignored,omitempty"`
	ReReceived   []actionJSON   `json:"rereceived,omitempty"`
	Expired      []actionJSON   `json:"expired,omitempty"`
	Active       int64          `json:"active"`
	Pending      int64          `json:"pending"`
	Scheduled    int64          `json:"scheduled"`
}

// convertIterationToJSON replaces dense indices with the network's ids.
func convertIterationToJSON(net *network.Snapshot, it *history.Iteration) iterationJSON {
	actions := func(in []history.Action) []actionJSON {
		if len(in) == 0 {
			return nil
		}
		out := make([]actionJSON, len(in))
		for i, a := range in {
			out[i] = actionJSON{User: net.User(a.User).ID, Piece: net.Piece(a.Piece).ID}
		}
		return out
	}
	out := iterationJSON{
		Number:       it.Number,
		Propagated:   actions(it.Propagated),
		Repropagated: actions(it.Repropagated),
		Seen:         actions(it.Seen),
		Ignored:      actions(it.Ignored),
		ReReceived:   actions(it.ReReceived),
		Expired:      actions(it.Expired),
		Active:       it.Active,
		Pending:      it.Pending,
		Scheduled:    it.Scheduled,
	}
	for _, tr := range it.Transfers {
		out.Transfers = append(out.Transfers, transferJSON{
			From:  net.User(tr.From).ID,
			To:    net.User(tr.To).ID,
			Piece: net.Piece(tr.Piece).ID,
		})
	}
	return out
}
