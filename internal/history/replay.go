package history

import (
	"fmt"
	"slices"
)

// Authored is a piece seeded for its creator at iteration Created.
type Authored struct {
	User    int32
	Piece   int32
	Created int32
}

// Membership is the set of pieces a user had touched at some iteration.
type Membership struct {
	Received   []int32
	Seen       []int32
	Propagated []int32
}

// Replay reconstructs, for every user, which pieces it had received, seen and
// propagated once iteration upTo completed. Authored pieces count as seen
// from their creation time. upTo == -1 yields the state before iteration 0.
func (h *History) Replay(upTo int32, numUsers int, authored []Authored) ([]Membership, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if upTo < -1 || int(upTo) >= len(h.iters) {
		return nil, fmt.Errorf("history: cannot replay to iteration %d of %d", upTo, len(h.iters))
	}

	type set map[int32]struct{}
	received := make([]set, numUsers)
	seen := make([]set, numUsers)
	propagated := make([]set, numUsers)
	add := func(sets []set, u, p int32) error {
		if u < 0 || int(u) >= numUsers {
			return fmt.Errorf("history: user %d out of range", u)
		}
		if sets[u] == nil {
			sets[u] = make(set)
		}
		sets[u][p] = struct{}{}
		return nil
	}

	for _, a := range authored {
		if a.Created <= upTo {
			if err := add(seen, a.User, a.Piece); err != nil {
				return nil, err
			}
		}
	}
	for i := int32(0); i <= upTo; i++ {
		it := &h.iters[i]
		for _, tr := range it.Transfers {
			if err := add(received, tr.To, tr.Piece); err != nil {
				return nil, err
			}
		}
		for _, a := range it.Seen {
			if err := add(seen, a.User, a.Piece); err != nil {
				return nil, err
			}
		}
		for _, a := range it.Propagated {
			if err := add(propagated, a.User, a.Piece); err != nil {
				return nil, err
			}
		}
	}

	sorted := func(s set) []int32 {
		if len(s) == 0 {
			return nil
		}
		out := make([]int32, 0, len(s))
		for p := range s {
			out = append(out, p)
		}
		slices.Sort(out)
		return out
	}
	out := make([]Membership, numUsers)
	for u := range out {
		out[u] = Membership{
			Received:   sorted(received[u]),
			Seen:       sorted(seen[u]),
			Propagated: sorted(propagated[u]),
		}
	}
	return out, nil
}
