package protocol

import (
	"fmt"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// TieBreak resolves several senders offering the same piece to the same
// recipient in one iteration.
type TieBreak uint8

const (
	// TieBreakFirst keeps the sender with the lowest index.
	TieBreakFirst TieBreak = iota
	// TieBreakRandom keeps one sender chosen from the recipient's stream.
	TieBreakRandom
	// TieBreakAll keeps every sender; the lowest index is the primary one.
	TieBreakAll
)

func (t TieBreak) String() string {
	switch t {
	case TieBreakFirst:
		return "first"
	case TieBreakRandom:
		return "random"
	case TieBreakAll:
		return "all"
	default:
		return fmt.Sprintf("tie_break(%d)", uint8(t))
	}
}

// ParseTieBreak parses "first", "random" or "all". The empty string means first.
func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "first":
		return TieBreakFirst, nil
	case "random":
		return TieBreakRandom, nil
	case "all":
		return TieBreakAll, nil
	default:
		return TieBreakFirst, fmt.Errorf("unknown tie break %q", s)
	}
}

// Resolve filters candidates addressed to one recipient. incoming must be
// sorted by piece then sender; the result keeps that order.
func (t TieBreak) Resolve(incoming []strategy.Candidate, rng *utils.RandSource) []strategy.Candidate {
	if t == TieBreakAll || len(incoming) < 2 {
		return incoming
	}
	out := make([]strategy.Candidate, 0, len(incoming))
	for start := 0; start < len(incoming); {
		end := start + 1
		for end < len(incoming) && incoming[end].Piece == incoming[start].Piece {
			end++
		}
		pick := start
		if t == TieBreakRandom && end-start > 1 {
			pick = start + rng.Intn(end-start)
		}
		out = append(out, incoming[pick])
		start = end
	}
	return out
}
