// Package simulation drives diffusion runs: it owns the per-user state and
// history of a run and executes protocol iterations until a stop condition
// holds, the run is cancelled or an iteration fails.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/protocol"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/stop"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// ErrBusy is returned when Run or Step is called while the run is executing.
var ErrBusy = errors.New("run is already executing")

// Simulator runs one diffusion run.
//
// Run and Step must not be called concurrently; the read accessors may be
// called from any goroutine.
type Simulator struct {
	opts  options
	log   *slog.Logger
	net   *network.Snapshot
	proto *protocol.Protocol
	cond  stop.Condition
	seed  int64
	rm    *RunManager

	mu          sync.RWMutex // guards the fields below against readers
	arena       *state.Arena
	hist        *history.History
	iteration   int32
	busy        bool
	err         error
	lastSaveErr error

	lastSave time.Time
}

func checkInputs(net *network.Snapshot, proto *protocol.Protocol, cond stop.Condition) error {
	var err error
	if net == nil {
		err = multierr.Append(err, models.Configf("network", "is required"))
	}
	if proto == nil {
		err = multierr.Append(err, models.Configf("protocol", "is required"))
	}
	if cond == nil {
		err = multierr.Append(err, models.Configf("stop", "is required"))
	}
	return err
}

func buildOptions(opts []Option, fallbackID string) (options, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = fallbackID
	}
	if o.runID == "" {
		o.runID = utils.GenerateRunID()
	}
	if !utils.ValidRunID(o.runID) {
		return o, models.Configf("run_id", "invalid run id %q", o.runID)
	}
	if o.every < 0 {
		return o, models.Configf("checkpoint.every_iterations", "must not be negative")
	}
	return o, nil
}

// New creates a simulator in the initialized state with every user's own
// pieces seeded.
func New(net *network.Snapshot, proto *protocol.Protocol, cond stop.Condition, seed int64, opts ...Option) (*Simulator, error) {
	if err := checkInputs(net, proto, cond); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts, "")
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		opts:  o,
		net:   net,
		proto: proto,
		cond:  cond,
		seed:  seed,
		arena: state.NewArena(net),
		hist:  history.New(),
		rm:    NewRunManager(o.runID, proto.Name(), seed, o.clock),
	}
	s.log = o.logger.With("run_id", o.runID)
	s.log.Info("Simulation initialized",
		"protocol", proto.String(),
		"stop", cond.Name(),
		"users", net.NumUsers(),
		"pieces", net.NumPieces(),
		"seed", seed,
		"workers", o.workers)
	return s, nil
}

// Restore rebuilds a simulator from a checkpoint. The network and protocol
// must be the ones the checkpoint was taken with; continuing the run yields
// the same history an uninterrupted run would have produced.
func Restore(net *network.Snapshot, proto *protocol.Protocol, cond stop.Condition, cp *persistence.Checkpoint, opts ...Option) (*Simulator, error) {
	if err := checkInputs(net, proto, cond); err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, models.Corruptf("no checkpoint to restore")
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if cp.Fingerprint != net.Fingerprint() || int(cp.NumUsers) != net.NumUsers() || int(cp.NumPieces) != net.NumPieces() {
		return nil, models.Corruptf("checkpoint %s was taken on a different network", cp.RunID)
	}
	if cp.Protocol != proto.Name() {
		return nil, models.Configf("protocol", "checkpoint uses protocol %q, got %q", cp.Protocol, proto.Name())
	}
	if cp.ProtocolFP != proto.Fingerprint() {
		return nil, models.Configf("protocol", "checkpoint %s was taken with different %q strategies or parameters", cp.RunID, cp.Protocol)
	}

	users := make([]*state.User, len(cp.Users))
	for i, u := range cp.Users {
		users[i] = u.Clone()
	}
	arena, err := state.FromUsers(users)
	if err != nil {
		return nil, &models.StateCorruptionError{Reason: "restore users", Err: err}
	}
	iters := make([]history.Iteration, len(cp.History))
	for i := range cp.History {
		iters[i] = cp.History[i].Clone()
	}
	hist, err := history.FromIterations(iters)
	if err != nil {
		return nil, &models.StateCorruptionError{Reason: "restore history", Err: err}
	}

	o, err := buildOptions(opts, cp.RunID)
	if err != nil {
		return nil, err
	}
	s := &Simulator{
		opts:      o,
		net:       net,
		proto:     proto,
		cond:      cond,
		seed:      cp.Seed,
		arena:     arena,
		hist:      hist,
		iteration: cp.Iteration,
		rm:        NewRunManager(o.runID, proto.Name(), cp.Seed, o.clock),
	}
	status := models.RunStatusCheckpointed
	if cp.Status.Terminal() {
		status = cp.Status
	}
	s.rm.restore(status, cp.Iteration)
	s.log = o.logger.With("run_id", o.runID)
	s.log.Info("Simulation restored",
		"protocol", proto.String(),
		"iteration", cp.Iteration,
		"status", status)
	return s, nil
}

// RunID returns the run id.
func (s *Simulator) RunID() string { return s.opts.runID }

// Network returns the snapshot the run diffuses over.
func (s *Simulator) Network() *network.Snapshot { return s.net }

// Protocol returns the protocol the run executes.
func (s *Simulator) Protocol() *protocol.Protocol { return s.proto }

// Seed returns the run seed.
func (s *Simulator) Seed() int64 { return s.seed }

// Status returns the lifecycle state.
func (s *Simulator) Status() models.RunStatus { return s.rm.Status() }

// Info returns a copy of the run record.
func (s *Simulator) Info() *models.Run { return s.rm.GetRun() }

// Iteration returns the number of completed iterations.
func (s *Simulator) Iteration() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

// Err returns the failure that moved the run to the failed state.
func (s *Simulator) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// LastCheckpointError returns the error of the last periodic checkpoint, if it failed.
func (s *Simulator) LastCheckpointError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSaveErr
}

// History returns a copy of the completed iterations.
func (s *Simulator) History() []history.Iteration {
	return s.hist.Iterations()
}

// State returns a deep copy of every user's state.
func (s *Simulator) State() []*state.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.arena.Users()
}

// Membership reconstructs which pieces every user had received, seen and
// propagated once iteration upTo completed (-1 for the initial state).
func (s *Simulator) Membership(upTo int32) ([]history.Membership, error) {
	authored := make([]history.Authored, 0, s.net.NumPieces())
	for p := int32(0); int(p) < s.net.NumPieces(); p++ {
		piece := s.net.Piece(p)
		authored = append(authored, history.Authored{User: piece.Creator, Piece: p, Created: piece.Created})
	}
	return s.hist.Replay(upTo, s.net.NumUsers(), authored)
}

// Checkpoint captures the current state at the iteration boundary.
func (s *Simulator) Checkpoint() *persistence.Checkpoint {
	status := s.rm.Status()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &persistence.Checkpoint{
		Version:     persistence.FormatVersion,
		RunID:       s.opts.runID,
		Protocol:    s.proto.Name(),
		ProtocolFP:  s.proto.Fingerprint(),
		Seed:        s.seed,
		Iteration:   s.iteration,
		Status:      status,
		Fingerprint: s.net.Fingerprint(),
		NumUsers:    int32(s.net.NumUsers()),
		NumPieces:   int32(s.net.NumPieces()),
		Users:       s.arena.Users(),
		History:     s.hist.Iterations(),
		CreatedAt:   s.opts.clock.Now().UTC(),
	}
}

// Summary aggregates the run so far.
func (s *Simulator) Summary() *models.RunSummary {
	totals := s.hist.Totals()
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := &models.RunSummary{
		Iterations:      s.iteration,
		Users:           s.net.NumUsers(),
		Pieces:          s.net.NumPieces(),
		TotalSeen:       totals.Seen,
		TotalPropagated: totals.Propagated,
		TotalExpired:    totals.Expired,
		ActiveRecords:   s.arena.ActiveCount(),
	}
	if sum.Users == 0 || sum.Pieces == 0 {
		return sum
	}
	reached := make([]int, sum.Pieces)
	for i := 0; i < s.arena.Len(); i++ {
		u := s.arena.User(int32(i))
		for j := range u.Records {
			if u.Records[j].Has(state.FlagSeen) {
				reached[u.Records[j].Piece]++
			}
		}
	}
	var coverage float64
	for _, r := range reached {
		coverage += float64(r) / float64(sum.Users)
	}
	sum.Coverage = utils.Round(coverage/float64(sum.Pieces), 4)
	return sum
}

func (s *Simulator) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return fmt.Errorf("%w: %s", ErrBusy, s.opts.runID)
	}
	if st := s.rm.Status(); st.Terminal() {
		return fmt.Errorf("%w: run %s is %s", models.ErrTerminal, s.opts.runID, st)
	}
	s.busy = true
	s.rm.Start()
	return nil
}

func (s *Simulator) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
}

// Run executes iterations until the stop condition holds, an iteration fails
// or ctx is cancelled. Cancellation is observed between iterations and
// leaves the run checkpointed, saved to the store when one is configured.
//
// Run returns nil when the run stopped or was checkpointed successfully, an
// *models.IterationFailure when an iteration failed, and a store error when
// the final or cancellation checkpoint could not be written.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.end()

	s.log.Info("Starting diffusion run", "iteration", s.Iteration())
	s.lastSave = s.opts.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return s.suspend(ctx)
		default:
		}

		stopped, err := s.step(ctx)
		if err != nil {
			return err
		}
		if stopped {
			return s.finish(ctx)
		}
		s.periodicCheckpoint(ctx)
	}
}

// Step executes exactly one iteration. The run stays running unless the
// stop condition holds or the iteration fails.
func (s *Simulator) Step(ctx context.Context) (history.Iteration, error) {
	if err := s.begin(); err != nil {
		return history.Iteration{}, err
	}
	defer s.end()

	stopped, err := s.step(ctx)
	if err != nil {
		return history.Iteration{}, err
	}
	last, _ := s.hist.Last()
	if stopped {
		return last, s.finish(ctx)
	}
	return last, nil
}

// step runs and commits one iteration, then evaluates the stop condition.
func (s *Simulator) step(ctx context.Context) (bool, error) {
	t := s.iteration
	_, span := s.opts.tracer.Start(ctx, "simulation.Iteration",
		trace.WithAttributes(
			attribute.String("run_id", s.opts.runID),
			attribute.Int("iteration", int(t)),
		),
	)
	defer span.End()

	start := time.Now()
	it, tx, err := s.execute(t)
	if err == nil {
		s.mu.Lock()
		if err = s.hist.Append(*it); err == nil {
			tx.Commit()
			s.iteration++
		} else {
			tx.Abort()
			err = &stageError{stage: StageUpdate, err: err}
		}
		s.mu.Unlock()
	}
	if err != nil {
		var se *stageError
		errors.As(err, &se)
		failure := &models.IterationFailure{Iteration: t, Stage: se.stage, Err: se.err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, "iteration failed")
		s.fail(failure)
		return false, failure
	}
	s.rm.SetIteration(t + 1)

	span.SetAttributes(
		attribute.Int("seen", len(it.Seen)),
		attribute.Int("propagated", len(it.Propagated)),
		attribute.Int("transfers", len(it.Transfers)),
		attribute.Int64("active", it.Active),
	)
	s.log.Debug("Iteration committed",
		"iteration", t,
		"propagated", len(it.Propagated),
		"repropagated", len(it.Repropagated),
		"transfers", len(it.Transfers),
		"seen", len(it.Seen),
		"ignored", len(it.Ignored),
		"expired", len(it.Expired),
		"active", it.Active,
		"pending", it.Pending,
		"duration", time.Since(start))

	for _, obs := range s.opts.observers {
		obs.OnIteration(s.opts.runID, it)
	}

	var stopped bool
	err = guard(StageStop, func() error {
		stopped = s.cond.ShouldStop(s.hist, t+1)
		return nil
	})
	if err != nil {
		var se *stageError
		errors.As(err, &se)
		failure := &models.IterationFailure{Iteration: t, Stage: se.stage, Err: se.err}
		s.fail(failure)
		return false, failure
	}
	return stopped, nil
}

func (s *Simulator) fail(failure *models.IterationFailure) {
	s.mu.Lock()
	s.err = failure
	s.mu.Unlock()
	s.rm.Fail(failure)
	s.log.Error("Iteration failed",
		"iteration", failure.Iteration,
		"stage", failure.Stage,
		"error", failure.Err)
}

// finish moves the run to stopped and writes the final checkpoint.
func (s *Simulator) finish(ctx context.Context) error {
	s.rm.Stop(s.Summary())
	s.log.Info("Diffusion run stopped",
		"iterations", s.Iteration(),
		"stop", s.cond.Name())
	if s.opts.store == nil {
		return nil
	}
	if err := s.save(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to save final checkpoint: %w", err)
	}
	return nil
}

// suspend moves the run to checkpointed after cancellation.
func (s *Simulator) suspend(ctx context.Context) error {
	s.rm.Checkpoint(s.Summary())
	s.log.Info("Diffusion run checkpointed", "iteration", s.Iteration(), "reason", context.Cause(ctx))
	if s.opts.store == nil {
		return nil
	}
	if err := s.save(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// SaveCheckpoint writes the current state to the configured store.
func (s *Simulator) SaveCheckpoint(ctx context.Context) error {
	if s.opts.store == nil {
		return errors.New("no checkpoint store configured")
	}
	return s.save(ctx)
}

func (s *Simulator) save(ctx context.Context) error {
	cp := s.Checkpoint()
	if err := s.opts.store.Save(ctx, cp); err != nil {
		return err
	}
	s.rm.SetCheckpoint(fmt.Sprintf("%s@%d", cp.RunID, cp.Iteration))
	return nil
}

// periodicCheckpoint saves when the iteration or wall-clock interval is due.
// Failures are logged and do not interrupt the run.
func (s *Simulator) periodicCheckpoint(ctx context.Context) {
	if s.opts.store == nil {
		return
	}
	now := s.opts.clock.Now()
	due := (s.opts.every > 0 && s.Iteration()%s.opts.every == 0) ||
		(s.opts.interval > 0 && now.Sub(s.lastSave) >= s.opts.interval)
	if !due {
		return
	}
	s.lastSave = now
	err := s.save(ctx)
	s.mu.Lock()
	s.lastSaveErr = err
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("Periodic checkpoint failed", "iteration", s.Iteration(), "error", err)
		return
	}
	s.log.Debug("Periodic checkpoint saved", "iteration", s.Iteration())
}
