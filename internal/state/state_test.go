package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
)

func lineNetwork(t *testing.T) *network.Snapshot {
	t.Helper()
	b := network.NewBuilder(true)
	b.AddUser("u1", nil)
	b.AddUser("u2", nil)
	b.AddUser("u3", nil)
	b.AddEdge("u1", "u2")
	b.AddEdge("u2", "u3")
	b.AddPiece("p", "u1", 0, 0, nil)
	b.AddPiece("q", "u3", 3, 0, nil)
	snap, err := b.Build()
	require.NoError(t, err)
	return snap
}

func TestNewArenaSeedsOwnPieces(t *testing.T) {
	a := NewArena(lineNetwork(t))
	require.Equal(t, 3, a.Len())

	r := a.User(0).Record(0)
	require.NotNil(t, r)
	assert.True(t, r.Has(FlagOwn|FlagSeen|FlagActive))
	assert.False(t, r.Has(FlagPropagated))
	assert.Equal(t, int32(0), r.SeenAt)
	assert.True(t, r.Pending(0))

	q := a.User(2).Record(1)
	require.NotNil(t, q)
	assert.False(t, q.Pending(2), "own piece is not eligible before its creation time")
	assert.True(t, q.Pending(3))

	assert.Nil(t, a.User(1).Record(0))
	assert.Equal(t, int64(2), a.ActiveCount())
}

func TestApplyDeliveryAndPropagation(t *testing.T) {
	a := NewArena(lineNetwork(t))

	sender := a.User(0).Clone()
	out, err := sender.Apply(Delta{Iteration: 0, User: 0, Sent: []int32{0}, Contacts: []int32{1}}, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, out.Propagated)
	r := sender.Record(0)
	assert.True(t, r.Has(FlagPropagated))
	assert.Equal(t, int32(0), r.PropagatedAt)
	at, ok := sender.LastContact(1)
	assert.True(t, ok)
	assert.Equal(t, int32(0), at)

	recv := a.User(1).Clone()
	out, err = recv.Apply(Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{0}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, out.Seen)
	r = recv.Record(0)
	require.NotNil(t, r)
	assert.True(t, r.Has(FlagReceived|FlagSeen|FlagActive))
	assert.Equal(t, int32(0), r.FirstReceivedAt)
	assert.Equal(t, []int32{0}, r.Senders)
	assert.True(t, r.Pending(1))

	// committed arena untouched by work on clones
	assert.Nil(t, a.User(1).Record(0))
}

func TestApplyIsIdempotent(t *testing.T) {
	u := NewUser(1)
	d := Delta{Iteration: 4, User: 1, Incoming: []Incoming{{Piece: 2, Senders: []int32{0}, Seen: true}}}

	_, err := u.Apply(d, MergeSenders)
	require.NoError(t, err)
	once := u.Clone()

	out, err := u.Apply(d, MergeSenders)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.True(t, once.Equal(u))

	prop := Delta{Iteration: 5, User: 1, Sent: []int32{2}}
	_, err = u.Apply(prop, MergeSenders)
	require.NoError(t, err)
	_, err = u.Apply(prop, MergeSenders)
	require.NoError(t, err)
	assert.Equal(t, int32(1), u.Record(2).Propagations)
}

func TestApplyRejectsOrderingViolations(t *testing.T) {
	tests := []struct {
		name string
		d    Delta
	}{
		{"propagate unseen", Delta{Iteration: 0, User: 1, Sent: []int32{0}}},
		{"wrong user", Delta{Iteration: 0, User: 2}},
		{"self delivery", Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{1}}}}},
		{"no senders", Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0}}}},
		{"unsorted incoming", Delta{Iteration: 0, User: 1, Incoming: []Incoming{
			{Piece: 3, Senders: []int32{0}}, {Piece: 1, Senders: []int32{0}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := NewUser(1)
			before := u.Clone()
			_, err := u.Apply(tt.d, KeepNewest)
			require.ErrorIs(t, err, ErrInvalidDelta)
			assert.True(t, before.Equal(u), "failed apply must not mutate")
		})
	}
}

func TestIgnoredPieceCannotBePropagated(t *testing.T) {
	u := NewUser(1)
	out, err := u.Apply(Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{0}, Seen: false}}}, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, out.Ignored)
	r := u.Record(0)
	assert.True(t, r.Has(FlagReceived|FlagIgnored|FlagActive))
	assert.False(t, r.Pending(5))

	_, err = u.Apply(Delta{Iteration: 1, User: 1, Sent: []int32{0}}, KeepNewest)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	// a later delivery may be noticed
	out, err = u.Apply(Delta{Iteration: 2, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{2}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, out.Seen)
	assert.Equal(t, []int32{0}, out.ReReceived)
	assert.Equal(t, int32(2), u.Record(0).SeenAt)
}

func TestMergePolicies(t *testing.T) {
	first := Delta{Iteration: 1, User: 5, Incoming: []Incoming{{Piece: 0, Senders: []int32{3}, Seen: true}}}
	second := Delta{Iteration: 2, User: 5, Incoming: []Incoming{{Piece: 0, Senders: []int32{1, 4}, Seen: true}}}

	tests := []struct {
		policy     MergePolicy
		receivedAt int32
		senders    []int32
	}{
		{KeepNewest, 2, []int32{1, 4}},
		{KeepOldest, 1, []int32{3}},
		{MergeSenders, 2, []int32{1, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			u := NewUser(5)
			_, err := u.Apply(first, tt.policy)
			require.NoError(t, err)
			_, err = u.Apply(second, tt.policy)
			require.NoError(t, err)

			r := u.Record(0)
			assert.Equal(t, tt.receivedAt, r.ReceivedAt)
			assert.Equal(t, tt.senders, r.Senders)
			assert.Equal(t, int32(1), r.FirstReceivedAt)
			assert.Equal(t, int32(1), r.SeenAt)
			assert.Equal(t, int32(3), r.Deliveries)
		})
	}
}

func TestExpireKeepsHistoryAndReactivates(t *testing.T) {
	u := NewUser(1)
	_, err := u.Apply(Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{0}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	_, err = u.Apply(Delta{Iteration: 1, User: 1, Sent: []int32{0}}, KeepNewest)
	require.NoError(t, err)

	assert.Equal(t, []int32{0}, u.Expire([]int32{0, 7}, 3))
	r := u.Record(0)
	assert.False(t, r.Has(FlagActive))
	assert.True(t, r.Has(FlagExpired|FlagSeen|FlagPropagated|FlagReceived))
	assert.Equal(t, int32(3), r.ExpiredAt)
	assert.Equal(t, int32(1), r.PropagatedAt)

	// expiring again is a no-op
	assert.Empty(t, u.Expire([]int32{0}, 4))
	assert.Equal(t, int32(3), u.Record(0).ExpiredAt)

	// an expired piece cannot be propagated
	_, err = u.Apply(Delta{Iteration: 4, User: 1, Sent: []int32{0}}, KeepNewest)
	assert.ErrorIs(t, err, ErrInvalidDelta)

	// only a new delivery reactivates it
	out, err := u.Apply(Delta{Iteration: 5, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{2}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, out.Reactivated)
	r = u.Record(0)
	assert.True(t, r.Has(FlagActive))
	assert.False(t, r.Has(FlagExpired))
	assert.Equal(t, int32(3), r.ExpiredAt)
}

func TestTxAbortLeavesArenaUnchanged(t *testing.T) {
	a := NewArena(lineNetwork(t))
	before := a.Clone()

	tx := a.Begin()
	u := tx.Mutable(1)
	_, err := u.Apply(Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{0}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	assert.NotNil(t, tx.User(1).Record(0))
	assert.Nil(t, a.User(1).Record(0))

	tx.Abort()
	assert.True(t, before.Equal(a))

	tx = a.Begin()
	u = tx.Mutable(1)
	_, err = u.Apply(Delta{Iteration: 0, User: 1, Incoming: []Incoming{{Piece: 0, Senders: []int32{0}, Seen: true}}}, KeepNewest)
	require.NoError(t, err)
	tx.Commit()
	assert.NotNil(t, a.User(1).Record(0))
	assert.False(t, before.Equal(a))
}

func TestUserValidate(t *testing.T) {
	u := NewUser(0)
	u.Records = []Record{{Piece: 1, Flags: FlagPropagated | FlagActive, ReceivedAt: Never, FirstReceivedAt: Never, SeenAt: Never, PropagatedAt: 0, ExpiredAt: Never}}
	assert.Error(t, u.Validate(2, 2), "propagated without seen")

	u.Records[0].Flags = FlagOwn | FlagSeen | FlagActive
	assert.NoError(t, u.Validate(2, 2))
	assert.Error(t, u.Validate(2, 1), "dangling piece index")

	u.Records[0].Senders = []int32{9}
	assert.Error(t, u.Validate(2, 2), "dangling sender")
}

func TestFromUsersChecksIndices(t *testing.T) {
	_, err := FromUsers([]*User{NewUser(0), NewUser(2)})
	assert.Error(t, err)
	a, err := FromUsers([]*User{NewUser(0), NewUser(1)})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
}
