package strategy

import (
	"slices"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// AllSelection sends every pending piece to every neighbor.
type AllSelection struct {
	Orientation network.Orientation
}

func (AllSelection) Name() string { return "all" }

func (s AllSelection) Select(v View, actor int32, _ *utils.RandSource) (Plan, error) {
	neighbors := v.Network.Neighbors(actor, s.Orientation)
	pieces := pendingPieces(v.User(actor), v.Iteration, false)
	if len(neighbors) == 0 || len(pieces) == 0 {
		return Plan{}, nil
	}
	plan := Plan{Sent: sends(actor, pieces)}
	for _, p := range pieces {
		for _, n := range neighbors {
			plan.Candidates = append(plan.Candidates, Candidate{Piece: p, From: actor, To: n})
		}
	}
	return plan, nil
}

// CountSelection picks a bounded number of own, received and already
// propagated pieces and sends each to Fanout random neighbors.
// A negative count means every eligible piece; Fanout 0 means every neighbor.
type CountSelection struct {
	Own         int
	Received    int
	Repropagate int
	Fanout      int
	Orientation network.Orientation
}

func (CountSelection) Name() string { return "count" }

func (s CountSelection) Select(v View, actor int32, rng *utils.RandSource) (Plan, error) {
	neighbors := v.Network.Neighbors(actor, s.Orientation)
	if len(neighbors) == 0 {
		return Plan{}, nil
	}
	u := v.User(actor)
	var own, received, again []int32
	for i := range u.Records {
		r := &u.Records[i]
		switch {
		case r.Pending(v.Iteration) && r.Has(state.FlagOwn):
			own = append(own, r.Piece)
		case r.Pending(v.Iteration):
			received = append(received, r.Piece)
		case r.Repropagable():
			again = append(again, r.Piece)
		}
	}

	var pieces []int32
	pieces = append(pieces, pick(own, s.Own, rng)...)
	pieces = append(pieces, pick(received, s.Received, rng)...)
	pieces = append(pieces, pick(again, s.Repropagate, rng)...)
	if len(pieces) == 0 {
		return Plan{}, nil
	}
	slices.Sort(pieces)

	plan := Plan{Sent: sends(actor, pieces)}
	for _, p := range pieces {
		for _, n := range pickNeighbors(neighbors, s.Fanout, rng) {
			plan.Candidates = append(plan.Candidates, Candidate{Piece: p, From: actor, To: n})
		}
	}
	return plan, nil
}

// CascadeSelection is the independent cascade model: every pending piece gets
// one chance to activate each neighbor with the given probability.
type CascadeSelection struct {
	Probability float64
	Orientation network.Orientation
}

func (CascadeSelection) Name() string { return "cascade" }

func (s CascadeSelection) Select(v View, actor int32, rng *utils.RandSource) (Plan, error) {
	neighbors := v.Network.Neighbors(actor, s.Orientation)
	pieces := pendingPieces(v.User(actor), v.Iteration, false)
	if len(neighbors) == 0 || len(pieces) == 0 {
		return Plan{}, nil
	}
	plan := Plan{Sent: sends(actor, pieces)}
	for _, p := range pieces {
		for _, n := range neighbors {
			if rng.BernoulliBool(s.Probability) {
				plan.Candidates = append(plan.Candidates, Candidate{Piece: p, From: actor, To: n})
			}
		}
	}
	return plan, nil
}

// PushSelection sends the actor's pieces to one random neighbor that was not
// contacted during the last Wait iterations.
type PushSelection struct {
	Wait        int32
	Resend      bool
	Orientation network.Orientation
}

func (PushSelection) Name() string { return "push" }

func (s PushSelection) Select(v View, actor int32, rng *utils.RandSource) (Plan, error) {
	u := v.User(actor)
	pieces := pendingPieces(u, v.Iteration, s.Resend)
	if len(pieces) == 0 {
		return Plan{}, nil
	}
	target, ok := chooseContact(v, u, s.Orientation, s.Wait, rng)
	if !ok {
		return Plan{}, nil
	}
	plan := Plan{Sent: sends(actor, pieces), Contacts: []int32{target}}
	for _, p := range pieces {
		plan.Candidates = append(plan.Candidates, Candidate{Piece: p, From: actor, To: target})
	}
	return plan, nil
}

// PullSelection lets the actor fetch the pending pieces of one random neighbor
// that was not contacted during the last Wait iterations. The neighbor is
// recorded as the sender.
type PullSelection struct {
	Wait        int32
	Resend      bool
	Orientation network.Orientation
}

func (PullSelection) Name() string { return "pull" }

func (s PullSelection) Select(v View, actor int32, rng *utils.RandSource) (Plan, error) {
	source, ok := chooseContact(v, v.User(actor), s.Orientation, s.Wait, rng)
	if !ok {
		return Plan{}, nil
	}
	plan := Plan{Contacts: []int32{source}}
	for _, p := range pendingPieces(v.User(source), v.Iteration, s.Resend) {
		plan.Sent = append(plan.Sent, Send{User: source, Piece: p})
		plan.Candidates = append(plan.Candidates, Candidate{Piece: p, From: source, To: actor})
	}
	return plan, nil
}

// PushPullSelection pushes to one out-neighbor and pulls from one in-neighbor.
type PushPullSelection struct {
	Wait   int32
	Resend bool
}

func (PushPullSelection) Name() string { return "push_pull" }

func (s PushPullSelection) Select(v View, actor int32, rng *utils.RandSource) (Plan, error) {
	push, err := PushSelection{Wait: s.Wait, Resend: s.Resend, Orientation: network.Out}.Select(v, actor, rng)
	if err != nil {
		return Plan{}, err
	}
	pull, err := PullSelection{Wait: s.Wait, Resend: s.Resend, Orientation: network.In}.Select(v, actor, rng)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Sent:       append(push.Sent, pull.Sent...),
		Candidates: append(push.Candidates, pull.Candidates...),
		Contacts:   append(push.Contacts, pull.Contacts...),
	}
	slices.Sort(plan.Contacts)
	plan.Contacts = slices.Compact(plan.Contacts)
	return plan, nil
}

// pendingPieces lists the pieces u may send at now, in piece order.
func pendingPieces(u *state.User, now int32, resend bool) []int32 {
	var out []int32
	for i := range u.Records {
		r := &u.Records[i]
		if r.Pending(now) || (resend && r.Repropagable()) {
			out = append(out, r.Piece)
		}
	}
	return out
}

func sends(actor int32, pieces []int32) []Send {
	out := make([]Send, len(pieces))
	for i, p := range pieces {
		out[i] = Send{User: actor, Piece: p}
	}
	return out
}

// pick returns n random elements of from (all of them when n < 0).
func pick(from []int32, n int, rng *utils.RandSource) []int32 {
	if n < 0 || n >= len(from) {
		return from
	}
	out := make([]int32, 0, n)
	for _, i := range rng.Sample(len(from), n) {
		out = append(out, from[i])
	}
	return out
}

func pickNeighbors(neighbors []int32, fanout int, rng *utils.RandSource) []int32 {
	if fanout <= 0 || fanout >= len(neighbors) {
		return neighbors
	}
	out := pick(neighbors, fanout, rng)
	slices.Sort(out)
	return out
}

// chooseContact picks a random neighbor of u not contacted in the last wait iterations.
func chooseContact(v View, u *state.User, o network.Orientation, wait int32, rng *utils.RandSource) (int32, bool) {
	neighbors := v.Network.Neighbors(u.Index, o)
	available := make([]int32, 0, len(neighbors))
	for _, n := range neighbors {
		if at, ok := u.LastContact(n); ok && v.Iteration-at <= wait {
			continue
		}
		available = append(available, n)
	}
	if len(available) == 0 {
		return 0, false
	}
	return available[rng.Intn(len(available))], true
}
