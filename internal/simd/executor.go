package simd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

var (
	ErrRunNotFound   = models.ErrRunNotFound
	ErrRunTerminal   = models.ErrTerminal
	ErrRunIDMissing  = errors.New("run_id is required")
	ErrRunExists     = errors.New("run already exists")
	ErrRunNotRunning = errors.New("run is not running")
)

// CreateRequest describes a run submitted to the daemon. Config and network
// travel as YAML documents; JSON is accepted too since it is valid YAML.
type CreateRequest struct {
	RunID          string `json:"run_id,omitempty"`
	ConfigYAML     string `json:"config_yaml" validate:"required"`
	NetworkYAML    string `json:"network_yaml" validate:"required"`
	Restore        bool   `json:"restore,omitempty"` // continue from the latest stored checkpoint
	CallbackURL    string `json:"callback_url,omitempty" validate:"omitempty,url"`
	CallbackSecret string `json:"callback_secret,omitempty"`
}

// ExecutorOption configures a RunExecutor.
type ExecutorOption func(*RunExecutor)

// WithCheckpointStore persists run checkpoints to s. The executor owns s and
// closes it on Close.
func WithCheckpointStore(s persistence.Store) ExecutorOption {
	return func(e *RunExecutor) { e.checkpoints = s }
}

// WithRecorder exports run metrics to r.
func WithRecorder(r *metrics.Recorder) ExecutorOption {
	return func(e *RunExecutor) { e.recorder = r }
}

// WithNotifier posts finished runs to their callback URL.
func WithNotifier(n *Notifier) ExecutorOption {
	return func(e *RunExecutor) { e.notifier = n }
}

// WithExecutorLogger sets the logger handed to every simulator.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *RunExecutor) { e.log = l }
}

type execution struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RunExecutor manages asynchronous run execution and per-run cancellation.
type RunExecutor struct {
	runs        *RunStore
	checkpoints persistence.Store
	recorder    *metrics.Recorder
	notifier    *Notifier
	log         *slog.Logger

	mu         sync.Mutex
	executions map[string]*execution
	wg         sync.WaitGroup
}

func NewRunExecutor(runs *RunStore, opts ...ExecutorOption) *RunExecutor {
	e := &RunExecutor{
		runs:       runs,
		log:        logger.Default,
		executions: make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runs returns the store backing the executor.
func (e *RunExecutor) Runs() *RunStore { return e.runs }

// Create builds a run from req and starts it. With req.Restore the run
// continues from the latest checkpoint stored under its id.
func (e *RunExecutor) Create(ctx context.Context, req CreateRequest) (*RunRecord, error) {
	if err := config.ValidateStruct("", req); err != nil {
		return nil, err
	}
	cfg, err := config.ParseConfigYAMLString(req.ConfigYAML)
	if err != nil {
		return nil, err
	}
	net, err := network.Parse([]byte(req.NetworkYAML))
	if err != nil {
		return nil, models.Configf("network_yaml", "%v", err)
	}
	proto, cond, err := simulation.Setup(cfg)
	if err != nil {
		return nil, err
	}

	runID := cmp.Or(req.RunID, cfg.RunID)
	if runID == "" {
		if req.Restore {
			return nil, ErrRunIDMissing
		}
		runID = utils.GenerateRunID()
	}
	if !utils.ValidRunID(runID) {
		return nil, models.Configf("run_id", "invalid run id %q", runID)
	}
	if _, exists := e.runs.Get(runID); exists {
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}

	collector := metrics.NewCollector()
	opts := e.simulationOptions(cfg, runID, collector)

	var sim *simulation.Simulator
	if req.Restore {
		if e.checkpoints == nil {
			return nil, models.Configf("restore", "no checkpoint store configured")
		}
		cp, err := e.checkpoints.Latest(ctx, runID)
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: no checkpoint for %s", ErrRunNotFound, runID)
		}
		if err != nil {
			return nil, err
		}
		if sim, err = simulation.Restore(net, proto, cond, cp, opts...); err != nil {
			return nil, err
		}
		metrics.RecordHistory(collector, sim.History(), metrics.RunLabels(runID))
	} else {
		if sim, err = simulation.New(net, proto, cond, cfg.Seed, opts...); err != nil {
			return nil, err
		}
	}

	rec := &RunRecord{
		ID:             runID,
		Config:         cfg,
		Sim:            sim,
		Collector:      collector,
		CreatedAt:      time.Now().UTC(),
		CallbackURL:    req.CallbackURL,
		CallbackSecret: req.CallbackSecret,
	}
	if err := e.runs.Add(rec); err != nil {
		return nil, err
	}
	status := sim.Status()
	e.transition("", status)
	if status.Terminal() {
		e.runs.Finish(runID)
		return rec, nil
	}
	return e.Start(runID)
}

func (e *RunExecutor) simulationOptions(cfg *config.Config, runID string, collector *metrics.Collector) []simulation.Option {
	var store persistence.Store
	if e.checkpoints != nil {
		store = e.checkpoints
		if e.recorder != nil {
			store = recordingStore{Store: e.checkpoints, recorder: e.recorder}
		}
	}
	opts := simulation.ConfigOptions(cfg, store)
	opts = append(opts,
		simulation.WithRunID(runID),
		simulation.WithLogger(e.log),
		simulation.WithObserver(collector),
	)
	if e.recorder != nil {
		opts = append(opts, simulation.WithObserver(e.recorder))
	}
	return opts
}

// Start begins executing a run asynchronously. Starting a checkpointed run
// resumes it; starting a running run is a no-op.
func (e *RunExecutor) Start(runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, ErrRunIDMissing
	}
	rec, ok := e.runs.Get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, running := e.executions[runID]; running {
		return rec, nil
	}
	from := rec.Sim.Status()
	if from.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, from)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ex := &execution{cancel: cancel, done: make(chan struct{})}
	e.executions[runID] = ex
	e.wg.Add(1)
	go e.execute(ctx, rec, ex, from)
	return rec, nil
}

func (e *RunExecutor) execute(ctx context.Context, rec *RunRecord, ex *execution, from models.RunStatus) {
	defer e.wg.Done()
	defer close(ex.done)
	defer func() {
		e.mu.Lock()
		delete(e.executions, rec.ID)
		e.mu.Unlock()
		ex.cancel()
	}()

	e.transition(from, models.RunStatusRunning)
	err := rec.Sim.Run(ctx)
	status := rec.Sim.Status()
	e.transition(models.RunStatusRunning, status)
	if err != nil {
		e.log.Error("run ended with error", "run_id", rec.ID, "status", status, "error", err)
	}

	if status.Terminal() {
		e.runs.Finish(rec.ID)
		if e.notifier != nil {
			e.notifier.Notify(rec.CallbackURL, rec.CallbackSecret, rec.Run())
		}
	}
}

// Stop cancels a running run and waits until it is checkpointed.
func (e *RunExecutor) Stop(ctx context.Context, runID string) (*RunRecord, error) {
	if runID == "" {
		return nil, ErrRunIDMissing
	}
	rec, ok := e.runs.Get(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	e.mu.Lock()
	ex, running := e.executions[runID]
	e.mu.Unlock()
	if !running {
		if st := rec.Sim.Status(); st.Terminal() {
			return nil, fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, st)
		}
		return nil, fmt.Errorf("%w: %s", ErrRunNotRunning, runID)
	}

	ex.cancel()
	select {
	case <-ex.done:
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Wait blocks until runID is no longer executing.
func (e *RunExecutor) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	ex, running := e.executions[runID]
	e.mu.Unlock()
	if !running {
		return nil
	}
	select {
	case <-ex.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close checkpoints every running run, waits for them and closes the
// checkpoint store.
func (e *RunExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	for _, ex := range e.executions {
		ex.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("runs still executing: %w", ctx.Err())
	}
	if e.checkpoints != nil {
		err = multierr.Append(err, e.checkpoints.Close())
	}
	return err
}

func (e *RunExecutor) transition(from, to models.RunStatus) {
	if e.recorder != nil && from != to {
		e.recorder.Transition(from, to)
	}
}

// recordingStore counts checkpoint writes.
type recordingStore struct {
	persistence.Store
	recorder *metrics.Recorder
}

func (s recordingStore) Save(ctx context.Context, cp *persistence.Checkpoint) error {
	err := s.Store.Save(ctx, cp)
	s.recorder.CheckpointResult(err)
	return err
}
