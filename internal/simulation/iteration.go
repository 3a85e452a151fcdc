package simulation

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// Stages reported by IterationFailure.
const (
	StageSelection   = "selection"
	StageTieBreak    = "tie_break"
	StagePropagation = "propagation"
	StageSight       = "sight"
	StageUpdate      = "update"
	StageExpiration  = "expiration"
	StageStop        = "stop"
)

type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// guard runs fn, turning errors and panics into a stageError.
func guard(stage string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &stageError{stage: stage, err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &stageError{stage: stage, err: err}
	}
	return nil
}

// userResult is what the commit phase produced for one user.
type userResult struct {
	outcome   state.Outcome
	expired   []int32
	active    int64
	pending   int64
	scheduled int64
}

func compareCandidate(a, b strategy.Candidate) int {
	if c := cmp.Compare(a.Piece, b.Piece); c != 0 {
		return c
	}
	if c := cmp.Compare(a.From, b.From); c != 0 {
		return c
	}
	return cmp.Compare(a.To, b.To)
}

func sortUnique(v []int32) []int32 {
	slices.Sort(v)
	return slices.Compact(v)
}

// execute computes iteration t against the committed state. On success the
// returned transaction holds every mutation and has not been committed.
// On failure nothing was committed and the error is a *stageError.
func (s *Simulator) execute(t int32) (*history.Iteration, *state.Tx, error) {
	var (
		n       = s.net.NumUsers()
		view    = strategy.View{Network: s.net, State: s.arena, Iteration: t}
		workers = s.opts.workers
		seed    = s.seed
	)

	// Selection, one plan per actor.
	plans := make([]strategy.Plan, n)
	err := parallelFor(workers, n, func(i int) error {
		return guard(StageSelection, func() error {
			rng := utils.NewDerivedSource(seed, t, int32(i), utils.StageSelection)
			plan, err := s.proto.Selection().Select(view, int32(i), rng)
			if err != nil {
				return fmt.Errorf("user %d: %w", i, err)
			}
			plans[i] = plan
			return nil
		})
	})
	if err != nil {
		return nil, nil, asStageError(StageSelection, err)
	}

	// Route plans to senders and recipients, in actor order.
	sent := make([][]int32, n)
	contacts := make([][]int32, n)
	inbox := make([][]strategy.Candidate, n)
	valid := func(u int32) bool { return u >= 0 && int(u) < n }
	for actor := range plans {
		p := &plans[actor]
		for _, snd := range p.Sent {
			if !valid(snd.User) || snd.Piece < 0 || int(snd.Piece) >= s.net.NumPieces() {
				return nil, nil, &stageError{StageSelection, fmt.Errorf("user %d planned send %+v out of range", actor, snd)}
			}
			sent[snd.User] = append(sent[snd.User], snd.Piece)
		}
		for _, c := range p.Candidates {
			if !valid(c.From) || !valid(c.To) || c.From == c.To || c.Piece < 0 || int(c.Piece) >= s.net.NumPieces() {
				return nil, nil, &stageError{StageSelection, fmt.Errorf("user %d planned invalid candidate %+v", actor, c)}
			}
			sent[c.From] = append(sent[c.From], c.Piece)
			inbox[c.To] = append(inbox[c.To], c)
		}
		for _, c := range p.Contacts {
			if !valid(c) || int(c) == actor {
				return nil, nil, &stageError{StageSelection, fmt.Errorf("user %d planned invalid contact %d", actor, c)}
			}
		}
		contacts[actor] = p.Contacts
	}

	// Tie-break, propagation and sight, per recipient.
	deltas := make([]state.Delta, n)
	transfers := make([][]strategy.Candidate, n)
	err = parallelFor(workers, n, func(i int) error {
		u := int32(i)
		d := state.Delta{
			Iteration: t,
			User:      u,
			Sent:      sortUnique(sent[i]),
			Contacts:  sortUnique(slices.Clone(contacts[i])),
		}
		committed := s.arena.User(u)
		for _, p := range d.Sent {
			if r := committed.Record(p); r == nil || !r.Has(state.FlagSeen|state.FlagActive) {
				return &stageError{StageSelection, fmt.Errorf("user %d cannot propagate piece %d", u, p)}
			}
		}
		deltas[i] = d

		incoming := inbox[i]
		if len(incoming) == 0 {
			return nil
		}
		slices.SortFunc(incoming, compareCandidate)
		incoming = slices.Compact(incoming)

		err := guard(StageTieBreak, func() error {
			incoming = s.proto.TieBreak().Resolve(incoming, utils.NewDerivedSource(seed, t, u, utils.StageTieBreak))
			return nil
		})
		if err != nil {
			return err
		}

		var delivered []bool
		err = guard(StagePropagation, func() error {
			rng := utils.NewDerivedSource(seed, t, u, utils.StagePropagation)
			var err error
			if delivered, err = s.proto.Propagation().Deliver(view, u, incoming, rng); err != nil {
				return fmt.Errorf("user %d: %w", u, err)
			}
			if len(delivered) != len(incoming) {
				return fmt.Errorf("user %d: %d decisions for %d candidates", u, len(delivered), len(incoming))
			}
			return nil
		})
		if err != nil {
			return err
		}

		var deliveries []strategy.Delivery
		for j, c := range incoming {
			if !delivered[j] {
				continue
			}
			transfers[i] = append(transfers[i], c)
			if k := len(deliveries) - 1; k >= 0 && deliveries[k].Piece == c.Piece {
				deliveries[k].Senders = append(deliveries[k].Senders, c.From)
			} else {
				deliveries = append(deliveries, strategy.Delivery{Piece: c.Piece, Senders: []int32{c.From}})
			}
		}
		if len(deliveries) == 0 {
			return nil
		}

		var seen []bool
		err = guard(StageSight, func() error {
			rng := utils.NewDerivedSource(seed, t, u, utils.StageSight)
			var err error
			if seen, err = s.proto.Sight().Sees(view, u, deliveries, rng); err != nil {
				return fmt.Errorf("user %d: %w", u, err)
			}
			if len(seen) != len(deliveries) {
				return fmt.Errorf("user %d: %d decisions for %d deliveries", u, len(seen), len(deliveries))
			}
			return nil
		})
		if err != nil {
			return err
		}
		incomingState := make([]state.Incoming, len(deliveries))
		for j, del := range deliveries {
			incomingState[j] = state.Incoming{Piece: del.Piece, Senders: del.Senders, Seen: seen[j]}
		}
		deltas[i].Incoming = incomingState
		return nil
	})
	if err != nil {
		return nil, nil, asStageError(StagePropagation, err)
	}

	// Update and expiration, each user owned by one worker.
	tx := s.arena.Begin()
	results := make([]userResult, n)
	err = parallelFor(workers, n, func(i int) error {
		u := int32(i)
		res := &results[i]
		if d := deltas[i]; !d.Empty() {
			err := guard(StageUpdate, func() error {
				out, err := s.proto.Update().Apply(tx.Mutable(u), d)
				if err != nil {
					return fmt.Errorf("user %d: %w", u, err)
				}
				res.outcome = out
				return nil
			})
			if err != nil {
				return err
			}
		}

		var expiring []int32
		err := guard(StageExpiration, func() error {
			cur := tx.User(u)
			for j := range cur.Records {
				r := &cur.Records[j]
				if r.Has(state.FlagActive) && s.proto.Expiration().Expired(view, cur, r, t) {
					expiring = append(expiring, r.Piece)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(expiring) > 0 {
			res.expired = tx.Mutable(u).Expire(expiring, t)
		}

		final := tx.User(u)
		res.active = int64(final.ActiveCount())
		res.pending = int64(final.PendingCount(t + 1))
		res.scheduled = int64(final.ScheduledCount(t))
		return nil
	})
	if err != nil {
		tx.Abort()
		return nil, nil, asStageError(StageUpdate, err)
	}

	it := &history.Iteration{Number: t}
	for i := range results {
		u := int32(i)
		res := &results[i]
		it.Propagated = appendActions(it.Propagated, u, res.outcome.Propagated)
		it.Repropagated = appendActions(it.Repropagated, u, res.outcome.Repropagated)
		it.Seen = appendActions(it.Seen, u, res.outcome.Seen)
		it.Ignored = appendActions(it.Ignored, u, res.outcome.Ignored)
		it.ReReceived = appendActions(it.ReReceived, u, res.outcome.ReReceived)
		it.Expired = appendActions(it.Expired, u, res.expired)
		for _, c := range transfers[i] {
			it.Transfers = append(it.Transfers, history.Transfer{From: c.From, To: c.To, Piece: c.Piece})
		}
		it.Active += res.active
		it.Pending += res.pending
		it.Scheduled += res.scheduled
	}
	it.Normalize()
	return it, tx, nil
}

func appendActions(dst []history.Action, user int32, pieces []int32) []history.Action {
	for _, p := range pieces {
		dst = append(dst, history.Action{User: user, Piece: p})
	}
	return dst
}

// asStageError attributes errors that escaped guard, such as a recovered
// panic inside parallelFor, to a default stage.
func asStageError(stage string, err error) *stageError {
	var se *stageError
	if errors.As(err, &se) {
		return se
	}
	return &stageError{stage: stage, err: err}
}
