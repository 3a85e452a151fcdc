package strategy

import (
	"fmt"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// ReliablePropagation delivers every candidate.
type ReliablePropagation struct {
	SuppressDuplicates bool
}

func (ReliablePropagation) Name() string { return "reliable" }

func (p ReliablePropagation) Deliver(v View, recipient int32, incoming []Candidate, _ *utils.RandSource) ([]bool, error) {
	return admissible(v, recipient, incoming, p.SuppressDuplicates)
}

// LossyPropagation delivers each candidate independently with Probability.
type LossyPropagation struct {
	Probability        float64
	SuppressDuplicates bool
}

func (LossyPropagation) Name() string { return "lossy" }

func (p LossyPropagation) Deliver(v View, recipient int32, incoming []Candidate, rng *utils.RandSource) ([]bool, error) {
	ok, err := admissible(v, recipient, incoming, p.SuppressDuplicates)
	if err != nil {
		return nil, err
	}
	for i := range ok {
		// draw for every candidate so the stream does not depend on suppression
		hit := rng.BernoulliBool(p.Probability)
		ok[i] = ok[i] && hit
	}
	return ok, nil
}

// BandwidthPropagation accepts at most Capacity candidates per recipient and
// iteration, chosen at random when more arrive.
type BandwidthPropagation struct {
	Capacity           int
	SuppressDuplicates bool
}

func (BandwidthPropagation) Name() string { return "bandwidth" }

func (p BandwidthPropagation) Deliver(v View, recipient int32, incoming []Candidate, rng *utils.RandSource) ([]bool, error) {
	ok, err := admissible(v, recipient, incoming, p.SuppressDuplicates)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, b := range ok {
		if b {
			idx = append(idx, i)
		}
	}
	if len(idx) <= p.Capacity {
		return ok, nil
	}
	keep := make([]bool, len(ok))
	for _, j := range rng.Sample(len(idx), p.Capacity) {
		keep[idx[j]] = true
	}
	return keep, nil
}

// admissible checks that every candidate is addressed to recipient and, when
// suppress is set, rejects pieces the recipient has already seen.
func admissible(v View, recipient int32, incoming []Candidate, suppress bool) ([]bool, error) {
	u := v.User(recipient)
	ok := make([]bool, len(incoming))
	for i, c := range incoming {
		if c.To != recipient {
			return nil, fmt.Errorf("candidate for user %d routed to user %d", c.To, recipient)
		}
		if suppress {
			if r := u.Record(c.Piece); r != nil && r.Has(state.FlagSeen) {
				continue
			}
		}
		ok[i] = true
	}
	return ok, nil
}
