package strategy

import (
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
)

// MergeUpdate applies deltas with one of the state merge policies.
type MergeUpdate struct {
	Policy state.MergePolicy
}

func (u MergeUpdate) Name() string { return u.Policy.String() }

func (u MergeUpdate) Apply(user *state.User, d state.Delta) (state.Outcome, error) {
	return user.Apply(d, u.Policy)
}
