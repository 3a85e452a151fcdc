package simd

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/metrics"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/simulation"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
)

const lineNetwork = `
directed: true
users: [{id: a}, {id: b}, {id: c}]
edges: [{from: a, to: b}, {from: b, to: c}]
pieces: [{id: p, creator: a, created: 0}]
`

// endless never reaches its stop condition in a test's lifetime.
const endless = 2_000_000_000

func pushConfig(maxIterations int) string {
	return fmt.Sprintf(`
seed: 7
workers: 2
protocol:
  preset: push
stop:
  type: max_iterations
  params: {max: %d}
`, maxIterations)
}

func request(runID string, maxIterations int) CreateRequest {
	return CreateRequest{
		RunID:       runID,
		ConfigYAML:  pushConfig(maxIterations),
		NetworkYAML: lineNetwork,
	}
}

func newTestExecutor(t *testing.T, opts ...ExecutorOption) (*RunExecutor, *metrics.Recorder) {
	t.Helper()
	recorder := metrics.NewRecorder("diffusion")
	runs, err := NewRunStore(8, recorder.Forget)
	require.NoError(t, err)

	all := append([]ExecutorOption{WithRecorder(recorder), WithExecutorLogger(logger.Discard())}, opts...)
	e := NewRunExecutor(runs, all...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, e.Close(ctx))
	})
	return e, recorder
}

func waitRun(t *testing.T, e *RunExecutor, runID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx, runID))
}

// newRecord builds a record around an idle simulator.
func newRecord(t *testing.T, runID string, created time.Time) *RunRecord {
	t.Helper()
	cfg, err := config.ParseConfigYAMLString(pushConfig(3))
	require.NoError(t, err)
	net, err := network.Parse([]byte(lineNetwork))
	require.NoError(t, err)
	proto, cond, err := simulation.Setup(cfg)
	require.NoError(t, err)
	sim, err := simulation.New(net, proto, cond, cfg.Seed,
		simulation.WithRunID(runID), simulation.WithLogger(logger.Discard()))
	require.NoError(t, err)
	return &RunRecord{ID: runID, Config: cfg, Sim: sim, Collector: metrics.NewCollector(), CreatedAt: created}
}
