package persistence

import (
	"slices"
	"time"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// FormatVersion is the version byte written after the magic.
const FormatVersion uint8 = 1

var magic = []byte("DFCK")

// Checkpoint is a resumable snapshot of a run at an iteration boundary.
//
// The random state is fully described by Seed and Iteration: every stream is
// derived from (seed, iteration, user, stage), so no generator state needs to
// be stored.
type Checkpoint struct {
	Version     uint8
	RunID       string
	Protocol    string
	ProtocolFP  uint64 // protocol fingerprint
	Seed        int64
	Iteration   int32 // completed iterations, i.e. the next iteration to run
	Status      models.RunStatus
	Fingerprint uint64 // network fingerprint
	NumUsers    int32
	NumPieces   int32
	Users       []*state.User
	History     []history.Iteration
	CreatedAt   time.Time
}

// Equal reports whether two checkpoints describe the same state.
func (c *Checkpoint) Equal(o *Checkpoint) bool {
	if c.Version != o.Version || c.RunID != o.RunID || c.Protocol != o.Protocol || c.ProtocolFP != o.ProtocolFP ||
		c.Seed != o.Seed || c.Iteration != o.Iteration || c.Status != o.Status ||
		c.Fingerprint != o.Fingerprint || c.NumUsers != o.NumUsers || c.NumPieces != o.NumPieces ||
		!c.CreatedAt.Equal(o.CreatedAt) {
		return false
	}
	if !slices.EqualFunc(c.Users, o.Users, func(a, b *state.User) bool { return a.Equal(b) }) {
		return false
	}
	return slices.EqualFunc(c.History, o.History, func(a, b history.Iteration) bool { return a.Equal(&b) })
}

// Validate checks that the checkpoint can be restored: dimensions agree,
// indices are in range and the history is complete.
func (c *Checkpoint) Validate() error {
	if c.Version != FormatVersion {
		return models.Corruptf("unsupported checkpoint version %d", c.Version)
	}
	if !c.Status.Valid() {
		return models.Corruptf("unknown run status %q", c.Status)
	}
	if c.NumUsers < 0 || c.NumPieces < 0 {
		return models.Corruptf("negative dimensions %d users, %d pieces", c.NumUsers, c.NumPieces)
	}
	if int(c.NumUsers) != len(c.Users) {
		return models.Corruptf("expected %d user records, found %d", c.NumUsers, len(c.Users))
	}
	if c.Iteration < 0 {
		return models.Corruptf("negative iteration %d", c.Iteration)
	}
	for i, u := range c.Users {
		if u == nil || u.Index != int32(i) {
			return models.Corruptf("user record %d missing or out of order", i)
		}
		if u.Applied >= c.Iteration {
			return models.Corruptf("user %d applied iteration %d beyond checkpoint iteration %d", i, u.Applied, c.Iteration)
		}
		if err := u.Validate(int(c.NumUsers), int(c.NumPieces)); err != nil {
			return &models.StateCorruptionError{Reason: "invalid user state", Err: err}
		}
	}
	if int(c.Iteration) != len(c.History) {
		return models.Corruptf("history holds %d iterations, checkpoint is at %d", len(c.History), c.Iteration)
	}
	for i := range c.History {
		if err := c.validateIteration(int32(i), &c.History[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Checkpoint) validateIteration(n int32, it *history.Iteration) error {
	if it.Number != n {
		return models.Corruptf("history entry %d numbered %d", n, it.Number)
	}
	user := func(u int32) bool { return u >= 0 && u < c.NumUsers }
	piece := func(p int32) bool { return p >= 0 && p < c.NumPieces }
	for _, l := range [][]history.Action{it.Propagated, it.Repropagated, it.Seen, it.Ignored, it.ReReceived, it.Expired} {
		for _, a := range l {
			if !user(a.User) || !piece(a.Piece) {
				return models.Corruptf("iteration %d references user %d piece %d", n, a.User, a.Piece)
			}
		}
	}
	for _, tr := range it.Transfers {
		if !user(tr.From) || !user(tr.To) || !piece(tr.Piece) {
			return models.Corruptf("iteration %d transfer %d->%d of piece %d out of range", n, tr.From, tr.To, tr.Piece)
		}
	}
	return nil
}
