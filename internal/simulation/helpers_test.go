package simulation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/persistence"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/protocol"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/strategy"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/logger"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// line builds 1 -> 2 -> 3 with piece p authored by 1 at iteration 0.
func line(t *testing.T) *network.Snapshot {
	t.Helper()
	b := network.NewBuilder(true)
	b.AddUser("1", nil)
	b.AddUser("2", nil)
	b.AddUser("3", nil)
	b.AddEdge("1", "2")
	b.AddEdge("2", "3")
	b.AddPiece("p", "1", 0, 0, nil)
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

// randomNetwork builds a reproducible directed network with a few pieces
// authored at different iterations.
func randomNetwork(t *testing.T, users int) *network.Snapshot {
	t.Helper()
	rng := utils.NewRandSource(7)
	b := network.NewBuilder(true)
	for i := 0; i < users; i++ {
		b.AddUser(fmt.Sprintf("u%02d", i), map[string]float64{"news": rng.Float64()})
	}
	for i := 0; i < users; i++ {
		for k := 0; k < 3; k++ {
			j := rng.Intn(users)
			if j == i {
				continue
			}
			b.AddEdge(fmt.Sprintf("u%02d", i), fmt.Sprintf("u%02d", j))
		}
	}
	for p := 0; p < 6; p++ {
		b.AddPiece(fmt.Sprintf("piece-%d", p), fmt.Sprintf("u%02d", rng.Intn(users)), int32(p/2), int32(p%3)*4, nil)
	}
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

func pushProtocol(t *testing.T, sight strategy.Sight) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New("push", protocol.Components{
		Selection:   strategy.PushSelection{Wait: 1},
		Propagation: strategy.ReliablePropagation{},
		Sight:       sight,
		Update:      strategy.MergeUpdate{},
	})
	require.NoError(t, err)
	return p
}

// noisyProtocol draws from every random stream.
func noisyProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New("noisy", protocol.Components{
		Selection:   strategy.PushPullSelection{Wait: 1, Resend: true},
		Propagation: strategy.LossyPropagation{Probability: 0.8},
		Sight:       strategy.ProbabilitySight{Probability: 0.7},
		Update:      strategy.MergeUpdate{Policy: state.MergeSenders},
		Expiration:  strategy.TimeoutExpiration{Iterations: 3},
		TieBreak:    protocol.TieBreakRandom,
	})
	require.NoError(t, err)
	return p
}

// expiringProtocol never resends, so records time out unless redelivered.
func expiringProtocol(t *testing.T) *protocol.Protocol {
	t.Helper()
	p, err := protocol.New("expiring", protocol.Components{
		Selection:   strategy.CountSelection{Own: -1, Received: -1, Fanout: 2},
		Propagation: strategy.LossyPropagation{Probability: 0.9},
		Sight:       strategy.ProbabilitySight{Probability: 0.8},
		Update:      strategy.MergeUpdate{},
		Expiration:  strategy.TimeoutExpiration{Iterations: 2},
		TieBreak:    protocol.TieBreakAll,
	})
	require.NoError(t, err)
	return p
}

func sameUsers(a, b []*state.User) bool {
	return slices.EqualFunc(a, b, func(x, y *state.User) bool { return x.Equal(y) })
}

func quiet() Option { return WithLogger(logger.Discard()) }

// blindSight never lets one user perceive anything.
type blindSight struct{ user int32 }

func (blindSight) Name() string { return "blind" }

func (s blindSight) Sees(_ strategy.View, recipient int32, deliveries []strategy.Delivery, _ *utils.RandSource) ([]bool, error) {
	out := make([]bool, len(deliveries))
	for i := range out {
		out[i] = recipient != s.user
	}
	return out, nil
}

// failingSight errors at one iteration.
type failingSight struct{ at int32 }

func (failingSight) Name() string { return "failing" }

func (s failingSight) Sees(v strategy.View, _ int32, deliveries []strategy.Delivery, _ *utils.RandSource) ([]bool, error) {
	if v.Iteration == s.at {
		return nil, errors.New("attention model exploded")
	}
	return slices.Repeat([]bool{true}, len(deliveries)), nil
}

// panickingUpdate applies normally except for one user at one iteration.
type panickingUpdate struct {
	at   int32
	user int32
}

func (panickingUpdate) Name() string { return "panicking" }

func (p panickingUpdate) Apply(u *state.User, d state.Delta) (state.Outcome, error) {
	if d.Iteration == p.at && u.Index == p.user {
		panic("neighbor table corrupted")
	}
	return u.Apply(d, state.KeepNewest)
}

// memStore keeps checkpoints in memory and can be told to fail.
type memStore struct {
	mu    sync.Mutex
	saved []*persistence.Checkpoint
	fail  error
}

func (m *memStore) Save(_ context.Context, cp *persistence.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	// Round-trip through the codec so the stored copy is independent.
	blob, err := persistence.Encode(cp)
	if err != nil {
		return err
	}
	decoded, err := persistence.Decode(blob)
	if err != nil {
		return err
	}
	m.saved = append(m.saved, decoded)
	return nil
}

func (m *memStore) Latest(_ context.Context, runID string) (*persistence.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.saved) - 1; i >= 0; i-- {
		if m.saved[i].RunID == runID {
			return m.saved[i], nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memStore) Load(ctx context.Context, runID string, iteration int32) (*persistence.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cp := range m.saved {
		if cp.RunID == runID && cp.Iteration == iteration {
			return cp, nil
		}
	}
	return nil, persistence.ErrNotFound
}

func (m *memStore) List(_ context.Context, runID string) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int32
	for _, cp := range m.saved {
		if cp.RunID == runID {
			out = append(out, cp.Iteration)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

// checkOrdering asserts propagated => seen => received or own for every record.
func checkOrdering(t *testing.T, users []*state.User) {
	t.Helper()
	for _, u := range users {
		for _, r := range u.Records {
			if r.Has(state.FlagPropagated) {
				require.True(t, r.Has(state.FlagSeen), "user %d piece %d propagated unseen", u.Index, r.Piece)
			}
			if r.Has(state.FlagSeen) {
				require.True(t, r.Has(state.FlagReceived) || r.Has(state.FlagOwn), "user %d piece %d seen without receipt", u.Index, r.Piece)
			}
		}
	}
}

func newMockClock() *clock.Mock { return clock.NewMock() }
