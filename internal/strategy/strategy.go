package strategy

import (
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// View is the read-only context a decision is made against: the network and
// the state committed at the end of the previous iteration.
type View struct {
	Network   *network.Snapshot
	State     state.Reader
	Iteration int32
}

// User returns the committed state of user i.
func (v View) User(i int32) *state.User { return v.State.User(i) }

// Send marks a piece as propagated by a user.
type Send struct {
	User  int32
	Piece int32
}

// Candidate is an attempt to move a piece along one edge.
type Candidate struct {
	Piece int32
	From  int32
	To    int32
}

// Plan is what one actor decided during selection. With pull strategies the
// actor may plan sends on behalf of the neighbor it pulls from.
type Plan struct {
	Sent       []Send
	Candidates []Candidate
	Contacts   []int32
}

// Empty reports whether the plan does nothing.
func (p *Plan) Empty() bool {
	return len(p.Sent) == 0 && len(p.Candidates) == 0 && len(p.Contacts) == 0
}

// Delivery is a piece accepted by propagation for one recipient, with every
// sender whose candidate was accepted.
type Delivery struct {
	Piece   int32
	Senders []int32
}

// Selection decides which pieces a user tries to send this iteration.
type Selection interface {
	Name() string
	Select(v View, actor int32, rng *utils.RandSource) (Plan, error)
}

// Propagation decides, per candidate addressed to recipient, whether it is delivered.
type Propagation interface {
	Name() string
	Deliver(v View, recipient int32, incoming []Candidate, rng *utils.RandSource) ([]bool, error)
}

// Sight decides, per delivery, whether recipient perceives the piece.
type Sight interface {
	Name() string
	Sees(v View, recipient int32, deliveries []Delivery, rng *utils.RandSource) ([]bool, error)
}

// Update commits an iteration's delta to a user.
type Update interface {
	Name() string
	Apply(u *state.User, d state.Delta) (state.Outcome, error)
}

// Expiration decides whether an active record stops being eligible at now.
type Expiration interface {
	Name() string
	Expired(v View, u *state.User, r *state.Record, now int32) bool
}
