package simulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/protocol"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/stop"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/config"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

func TestNewRejectsMissingInputs(t *testing.T) {
	_, err := New(nil, nil, nil, 1, quiet())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(line(t), pushProtocol(t, strategy.AllSight{}), stop.MaxIterations{Max: 1}, 1, WithRunID("../x"), quiet())
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestNewSeedsOwnPieces(t *testing.T) {
	sim, err := New(line(t), pushProtocol(t, strategy.AllSight{}), stop.MaxIterations{Max: 1}, 1, quiet())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusInitialized, sim.Status())
	assert.Equal(t, int32(0), sim.Iteration())

	users := sim.State()
	r := users[0].Record(0)
	require.NotNil(t, r)
	assert.True(t, r.Has(state.FlagOwn|state.FlagSeen|state.FlagActive))
	assert.Nil(t, users[1].Record(0))
}

// Scenario A: guaranteed push along 1 -> 2 -> 3 reaches 3 after two iterations.
func TestScenarioLinePush(t *testing.T) {
	sim, err := New(line(t), pushProtocol(t, strategy.AllSight{}), stop.MaxIterations{Max: 10}, 42, quiet())
	require.NoError(t, err)
	ctx := context.Background()

	it, err := sim.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []history.Action{{User: 1, Piece: 0}}, it.Seen)
	assert.Equal(t, []history.Transfer{{From: 0, To: 1, Piece: 0}}, it.Transfers)
	assert.Nil(t, sim.State()[2].Record(0))

	it, err = sim.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, []history.Action{{User: 2, Piece: 0}}, it.Seen)

	r := sim.State()[2].Record(0)
	require.NotNil(t, r)
	assert.True(t, r.Has(state.FlagSeen))
	assert.Equal(t, []int32{1}, r.Senders)
	assert.Equal(t, models.RunStatusRunning, sim.Status())

	m, err := sim.Membership(1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, m[2].Seen)
	m, err = sim.Membership(0)
	require.NoError(t, err)
	assert.Empty(t, m[2].Seen)
}

// Scenario B: user 2 never perceives p, so 3 never receives it and the run
// saturates after one iteration.
func TestScenarioBlindMiddleUser(t *testing.T) {
	sim, err := New(line(t), pushProtocol(t, blindSight{user: 1}), stop.Any{stop.NoNewSeen{}, stop.MaxIterations{Max: 10}}, 42, quiet())
	require.NoError(t, err)

	require.NoError(t, sim.Run(context.Background()))
	assert.Equal(t, models.RunStatusStopped, sim.Status())
	assert.Equal(t, int32(1), sim.Iteration())

	hist := sim.History()
	require.Len(t, hist, 1)
	assert.Empty(t, hist[0].Seen)
	assert.Equal(t, []history.Action{{User: 1, Piece: 0}}, hist[0].Ignored)

	users := sim.State()
	r := users[1].Record(0)
	require.NotNil(t, r)
	assert.True(t, r.Has(state.FlagReceived|state.FlagIgnored))
	assert.False(t, r.Has(state.FlagSeen))
	assert.Nil(t, users[2].Record(0))

	info := sim.Info()
	require.NotNil(t, info.Summary)
	assert.Equal(t, int32(1), info.Summary.Iterations)
	assert.InDelta(t, 1.0/3.0, info.Summary.Coverage, 1e-3)

	// stopped is terminal
	assert.ErrorIs(t, sim.Run(context.Background()), models.ErrTerminal)
}

// Scenario C: resuming a checkpoint taken at iteration 5 reproduces the
// uninterrupted 20-iteration run.
func TestScenarioCheckpointResume(t *testing.T) {
	net := randomNetwork(t, 30)
	proto := noisyProtocol(t)
	cond := stop.MaxIterations{Max: 20}
	ctx := context.Background()

	full, err := New(net, proto, cond, 99, WithRunID("full"), quiet())
	require.NoError(t, err)
	require.NoError(t, full.Run(ctx))
	require.Equal(t, int32(20), full.Iteration())

	part, err := New(net, proto, cond, 99, WithRunID("part"), quiet())
	require.NoError(t, err)
	for range 5 {
		_, err := part.Step(ctx)
		require.NoError(t, err)
	}
	blob, err := persistence.Encode(part.Checkpoint())
	require.NoError(t, err)
	cp, err := persistence.Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, int32(5), cp.Iteration)

	resumed, err := Restore(net, proto, cond, cp, quiet())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCheckpointed, resumed.Status())
	assert.Equal(t, "part", resumed.RunID())
	require.NoError(t, resumed.Run(ctx))

	assert.Equal(t, models.RunStatusStopped, resumed.Status())
	assertSameHistory(t, full.History(), resumed.History())
	assert.True(t, sameUsers(full.State(), resumed.State()))
}

func assertSameHistory(t *testing.T, want, got []history.Iteration) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(&got[i]), "iteration %d differs:\nwant %+v\ngot  %+v", i, want[i], got[i])
	}
}

func TestDeterministicAcrossWorkerCounts(t *testing.T) {
	net := randomNetwork(t, 60)
	proto := noisyProtocol(t)
	cond := stop.MaxIterations{Max: 15}

	run := func(workers int) *Simulator {
		sim, err := New(net, proto, cond, 2024, WithWorkers(workers), quiet())
		require.NoError(t, err)
		require.NoError(t, sim.Run(context.Background()))
		return sim
	}
	one, eight := run(1), run(8)
	assertSameHistory(t, one.History(), eight.History())
	assert.True(t, sameUsers(one.State(), eight.State()))

	other, err := New(net, proto, cond, 2025, WithWorkers(8), quiet())
	require.NoError(t, err)
	require.NoError(t, other.Run(context.Background()))
	assert.False(t, sameUsers(one.State(), other.State()), "a different seed should diverge")
}

func TestOrderingAndExpirationInvariants(t *testing.T) {
	net := randomNetwork(t, 40)
	proto := expiringProtocol(t)

	type key struct{ user, piece int32 }
	expired := map[key]bool{}
	var sim *Simulator
	obs := ObserverFunc(func(_ string, it *history.Iteration) {
		users := sim.State()
		checkOrdering(t, users)

		delivered := map[key]bool{}
		for _, tr := range it.Transfers {
			delivered[key{tr.To, tr.Piece}] = true
		}
		for _, u := range users {
			for _, r := range u.Records {
				k := key{u.Index, r.Piece}
				if expired[k] && r.Has(state.FlagActive) {
					require.True(t, delivered[k], "user %d piece %d reactivated without delivery at %d", k.user, k.piece, it.Number)
					delete(expired, k)
				}
			}
		}
		for _, a := range it.Expired {
			expired[key{a.User, a.Piece}] = true
		}
	})

	var err error
	sim, err = New(net, proto, stop.MaxIterations{Max: 25}, 5, WithObserver(obs), WithWorkers(4), quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))

	var expiredTotal int
	for _, it := range sim.History() {
		expiredTotal += len(it.Expired)
	}
	assert.Positive(t, expiredTotal, "the timeout should expire something")
}

func TestIterationFailureDiscardsIteration(t *testing.T) {
	proto, err := protocol.New("fragile", protocol.Components{
		Selection:   strategy.PushSelection{},
		Propagation: strategy.ReliablePropagation{},
		Sight:       failingSight{at: 1},
		Update:      strategy.MergeUpdate{},
	})
	require.NoError(t, err)
	sim, err := New(line(t), proto, stop.MaxIterations{Max: 10}, 1, quiet())
	require.NoError(t, err)

	_, err = sim.Step(context.Background())
	require.NoError(t, err)
	before := sim.State()
	beforeHist := sim.History()

	err = sim.Run(context.Background())
	var failure *models.IterationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, int32(1), failure.Iteration)
	assert.Equal(t, StageSight, failure.Stage)
	assert.ErrorIs(t, err, models.ErrIterationFailed)

	assert.Equal(t, models.RunStatusFailed, sim.Status())
	assert.Equal(t, int32(1), sim.Iteration())
	assert.True(t, sameUsers(before, sim.State()), "failed iteration must not commit")
	assertSameHistory(t, beforeHist, sim.History())
	assert.Equal(t, err, sim.Err())
	assert.Contains(t, sim.Info().Error, "attention model exploded")

	_, err = sim.Step(context.Background())
	assert.ErrorIs(t, err, models.ErrTerminal)
}

func TestPanicInUpdateIsAnIterationFailure(t *testing.T) {
	proto, err := protocol.New("fragile", protocol.Components{
		Selection:   strategy.AllSelection{},
		Propagation: strategy.ReliablePropagation{},
		Sight:       strategy.AllSight{},
		Update:      panickingUpdate{at: 1, user: 2},
	})
	require.NoError(t, err)
	sim, err := New(line(t), proto, stop.MaxIterations{Max: 10}, 1, WithWorkers(3), quiet())
	require.NoError(t, err)

	_, err = sim.Step(context.Background())
	require.NoError(t, err)
	before := sim.State()

	_, err = sim.Step(context.Background())
	var failure *models.IterationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, StageUpdate, failure.Stage)
	assert.Contains(t, failure.Error(), "neighbor table corrupted")
	assert.True(t, sameUsers(before, sim.State()))
	assert.Equal(t, models.RunStatusFailed, sim.Status())
}

func TestCancellationCheckpoints(t *testing.T) {
	net := randomNetwork(t, 30)
	proto := noisyProtocol(t)
	cond := stop.MaxIterations{Max: 20}
	store := &memStore{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := ObserverFunc(func(_ string, it *history.Iteration) {
		if it.Number == 6 {
			cancel()
		}
	})
	sim, err := New(net, proto, cond, 11, WithRunID("cancel-me"), WithStore(store, 0, 0), WithObserver(obs), quiet())
	require.NoError(t, err)

	require.NoError(t, sim.Run(ctx))
	assert.Equal(t, models.RunStatusCheckpointed, sim.Status())
	assert.Equal(t, int32(7), sim.Iteration())

	cp, err := store.Latest(context.Background(), "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, int32(7), cp.Iteration)
	assert.Equal(t, models.RunStatusCheckpointed, cp.Status)

	// a checkpointed run resumes in place
	require.NoError(t, sim.Run(context.Background()))
	assert.Equal(t, models.RunStatusStopped, sim.Status())

	full, err := New(net, proto, cond, 11, quiet())
	require.NoError(t, err)
	require.NoError(t, full.Run(context.Background()))
	assertSameHistory(t, full.History(), sim.History())
}

func TestCancelledBeforeFirstIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim, err := New(line(t), pushProtocol(t, strategy.AllSight{}), stop.MaxIterations{Max: 3}, 1, quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(ctx))
	assert.Equal(t, models.RunStatusCheckpointed, sim.Status())
	assert.Equal(t, int32(0), sim.Iteration())
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	net := randomNetwork(t, 25)
	proto := noisyProtocol(t)
	cond := stop.MaxIterations{Max: 8}
	broken := &memStore{fail: errors.New("disk full")}

	sim, err := New(net, proto, cond, 3, WithStore(broken, 2, 0), quiet())
	require.NoError(t, err)
	err = sim.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.EqualError(t, sim.LastCheckpointError(), "disk full")
	assert.Equal(t, models.RunStatusStopped, sim.Status())
	assert.NoError(t, sim.Err())

	clean, err := New(net, proto, cond, 3, quiet())
	require.NoError(t, err)
	require.NoError(t, clean.Run(context.Background()))
	assertSameHistory(t, clean.History(), sim.History())
	assert.True(t, sameUsers(clean.State(), sim.State()))
}

func TestPeriodicCheckpointsByIteration(t *testing.T) {
	store := &memStore{}
	sim, err := New(randomNetwork(t, 20), noisyProtocol(t), stop.MaxIterations{Max: 12}, 8,
		WithRunID("periodic"), WithStore(store, 5, 0), quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))

	iters, err := store.List(context.Background(), "periodic")
	require.NoError(t, err)
	assert.Equal(t, []int32{5, 10, 12}, iters)
	assert.Equal(t, models.RunStatusRunning, store.saved[0].Status)
	assert.Equal(t, models.RunStatusStopped, store.saved[2].Status)
	assert.Equal(t, "periodic@12", sim.Info().Checkpoint)
}

func TestPeriodicCheckpointsByWallClock(t *testing.T) {
	mock := clock.NewMock()
	store := &memStore{}
	obs := ObserverFunc(func(string, *history.Iteration) { mock.Add(time.Minute) })
	sim, err := New(randomNetwork(t, 20), noisyProtocol(t), stop.MaxIterations{Max: 7}, 8,
		WithRunID("hourly"), WithClock(mock), WithStore(store, 0, 150*time.Second), WithObserver(obs), quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))

	iters, err := store.List(context.Background(), "hourly")
	require.NoError(t, err)
	assert.Equal(t, []int32{3, 6, 7}, iters)
	assert.Equal(t, 7*time.Minute, sim.Info().Duration)
}

func TestRestoreRejectsMismatches(t *testing.T) {
	net := randomNetwork(t, 20)
	proto := noisyProtocol(t)
	cond := stop.MaxIterations{Max: 3}
	sim, err := New(net, proto, cond, 1, quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	cp := sim.Checkpoint()

	_, err = Restore(line(t), proto, cond, cp, quiet())
	assert.ErrorIs(t, err, models.ErrStateCorruption)

	_, err = Restore(net, pushProtocol(t, strategy.AllSight{}), cond, cp, quiet())
	assert.ErrorIs(t, err, models.ErrConfiguration)

	cp.History = cp.History[:1]
	_, err = Restore(net, proto, cond, cp, quiet())
	assert.ErrorIs(t, err, models.ErrStateCorruption)
}

func TestRestoreStoppedRunIsTerminal(t *testing.T) {
	net := line(t)
	proto := pushProtocol(t, strategy.AllSight{})
	cond := stop.MaxIterations{Max: 2}
	sim, err := New(net, proto, cond, 1, quiet())
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))

	restored, err := Restore(net, proto, cond, sim.Checkpoint(), quiet())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, restored.Status())
	assert.ErrorIs(t, restored.Run(context.Background()), models.ErrTerminal)
}

func TestSetupReportsEveryConfigurationError(t *testing.T) {
	cfg := &config.Config{
		Protocol: config.ProtocolConfig{
			Name:        "broken",
			Selection:   config.Strategy("teleport", nil),
			Propagation: config.Strategy("reliable", nil),
			Sight:       config.Strategy("all", nil),
			Update:      config.Strategy("merge", nil),
		},
		Stop: config.Stop("max_iterations", map[string]any{"max": 0}),
	}
	_, _, err := Setup(cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Contains(t, err.Error(), "protocol.selection.type")
	assert.Contains(t, err.Error(), "stop")
}

func TestSetupFromPreset(t *testing.T) {
	cfg := &config.Config{
		Protocol: config.ProtocolConfig{Preset: "push"},
		Stop:     config.Stop("no_new_seen", nil),
	}
	proto, cond, err := Setup(cfg)
	require.NoError(t, err)
	assert.Equal(t, "push", proto.Name())
	assert.Equal(t, "no_new_seen", cond.Name())

	sim, err := New(line(t), proto, cond, 1, append(ConfigOptions(&config.Config{Workers: 2}, nil), quiet())...)
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))
	assert.Equal(t, models.RunStatusStopped, sim.Status())
}

// lateAuthor builds a -> b with piece p authored by a at iteration 2.
func lateAuthor(t *testing.T) *network.Snapshot {
	t.Helper()
	b := network.NewBuilder(true)
	b.AddUser("a", nil)
	b.AddUser("b", nil)
	b.AddEdge("a", "b")
	b.AddPiece("p", "a", 2, 0, nil)
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

func TestQuietIterationsBeforeAPieceIsCreated(t *testing.T) {
	for _, cond := range []stop.Condition{stop.NoNewSeen{}, stop.NoPropagation{}} {
		t.Run(cond.Name(), func(t *testing.T) {
			sim, err := New(lateAuthor(t), pushProtocol(t, strategy.AllSight{}),
				stop.Any{cond, stop.MaxIterations{Max: 10}}, 3, quiet())
			require.NoError(t, err)
			require.NoError(t, sim.Run(context.Background()))

			assert.Equal(t, models.RunStatusStopped, sim.Status())
			assert.Greater(t, sim.Iteration(), int32(2))

			hist := sim.History()
			assert.Equal(t, int64(1), hist[0].Scheduled)
			assert.Equal(t, int64(1), hist[1].Scheduled)
			assert.Equal(t, int64(0), hist[2].Scheduled)
			assert.Equal(t, []history.Action{{User: 1, Piece: 0}}, hist[2].Seen)

			r := sim.State()[1].Record(0)
			require.NotNil(t, r)
			assert.True(t, r.Has(state.FlagSeen))
		})
	}
}

func TestRestoreRejectsChangedParameters(t *testing.T) {
	net := line(t)
	cond := stop.MaxIterations{Max: 5}
	withWait := func(wait int32) *protocol.Protocol {
		p, err := protocol.New("push", protocol.Components{
			Selection:   strategy.PushSelection{Wait: wait},
			Propagation: strategy.ReliablePropagation{},
			Sight:       strategy.AllSight{},
			Update:      strategy.MergeUpdate{},
		})
		require.NoError(t, err)
		return p
	}

	sim, err := New(net, withWait(1), cond, 5, quiet())
	require.NoError(t, err)
	_, err = sim.Step(context.Background())
	require.NoError(t, err)
	cp := sim.Checkpoint()

	_, err = Restore(net, withWait(2), cond, cp, quiet())
	assert.ErrorIs(t, err, models.ErrConfiguration)

	restored, err := Restore(net, withWait(1), cond, cp, quiet())
	require.NoError(t, err)
	assert.Equal(t, int32(1), restored.Iteration())
}

func TestCheckpointSurvivesEncoding(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	net := randomNetwork(t, 20)
	proto := noisyProtocol(t)
	cond := stop.Any{stop.NoNewSeen{}, stop.MaxIterations{Max: 40}}
	ctx := context.Background()

	roundTrip := func(cp *persistence.Checkpoint) *persistence.Checkpoint {
		t.Helper()
		blob, err := persistence.Encode(cp)
		require.NoError(t, err)
		got, err := persistence.Decode(blob)
		require.NoError(t, err)
		assert.True(t, cp.Equal(got), "iteration %d changed through the codec", cp.Iteration)
		return got
	}

	sim, err := New(net, proto, cond, 17, WithRunID("codec"), WithClock(mock), quiet())
	require.NoError(t, err)
	initial := roundTrip(sim.Checkpoint())
	assert.Equal(t, int32(0), initial.Iteration)

	for range 3 {
		_, err := sim.Step(ctx)
		require.NoError(t, err)
	}
	mid := roundTrip(sim.Checkpoint())
	assert.Equal(t, int32(3), mid.Iteration)
	assert.Len(t, mid.History, 3)

	require.NoError(t, sim.Run(ctx))
	require.Equal(t, models.RunStatusStopped, sim.Status())
	final := roundTrip(sim.Checkpoint())

	restored, err := Restore(net, proto, cond, final, WithClock(mock), quiet())
	require.NoError(t, err)
	assert.True(t, final.Equal(restored.Checkpoint()))
}
