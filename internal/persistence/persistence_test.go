package persistence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/internal/state"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

func record(piece int32, flags state.Flag) state.Record {
	return state.Record{
		Piece:           piece,
		Flags:           flags,
		ReceivedAt:      state.Never,
		FirstReceivedAt: state.Never,
		SeenAt:          state.Never,
		PropagatedAt:    state.Never,
		ExpiredAt:       state.Never,
	}
}

func sampleCheckpoint() *Checkpoint {
	own := record(0, state.FlagOwn|state.FlagSeen|state.FlagActive|state.FlagPropagated)
	own.SeenAt, own.PropagatedAt, own.Propagations = 0, 0, 1

	got := record(0, state.FlagReceived|state.FlagSeen|state.FlagActive)
	got.ReceivedAt, got.FirstReceivedAt, got.SeenAt, got.Deliveries = 0, 0, 0, 1
	got.Senders = []int32{0}

	later := record(1, state.FlagOwn|state.FlagSeen|state.FlagActive)
	later.SeenAt = 1

	return &Checkpoint{
		Version:     FormatVersion,
		RunID:       "run-test",
		Protocol:    "push",
		ProtocolFP:  0x5eed0f9a11,
		Seed:        -42,
		Iteration:   2,
		Status:      models.RunStatusCheckpointed,
		Fingerprint: 0xdeadbeefcafe,
		NumUsers:    2,
		NumPieces:   2,
		Users: []*state.User{
			{Index: 0, Applied: 1, Records: []state.Record{own}, Recent: []state.Contact{{User: 1, At: 0}}},
			{Index: 1, Applied: 0, Records: []state.Record{got, later}},
		},
		History: []history.Iteration{
			{
				Number:     0,
				Propagated: []history.Action{{User: 0, Piece: 0}},
				Transfers:  []history.Transfer{{From: 0, To: 1, Piece: 0}},
				Seen:       []history.Action{{User: 1, Piece: 0}},
				Active:     2,
				Pending:    0,
				Scheduled:  1,
			},
			{Number: 1, Active: 3, Pending: 1},
		},
		CreatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cp := sampleCheckpoint()
	blob, err := Encode(cp)
	require.NoError(t, err)
	assert.Equal(t, "DFCK", string(blob[:4]))
	assert.Equal(t, FormatVersion, blob[4])

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, cp.Equal(got), "decoded checkpoint differs: %+v", got)
}

func TestEncodeDecodeInitialCheckpoint(t *testing.T) {
	cp := &Checkpoint{
		Version:   FormatVersion,
		RunID:     "fresh",
		Status:    models.RunStatusInitialized,
		NumUsers:  3,
		NumPieces: 0,
		Users:     []*state.User{state.NewUser(0), state.NewUser(1), state.NewUser(2)},
		CreatedAt: time.Unix(0, 1).UTC(),
	}
	blob, err := Encode(cp)
	require.NoError(t, err)
	got, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, cp.Equal(got))
	assert.Empty(t, got.History)
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(sampleCheckpoint())
	require.NoError(t, err)
	b, err := Encode(sampleCheckpoint())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecodeRejectsCorruption(t *testing.T) {
	valid, err := Encode(sampleCheckpoint())
	require.NoError(t, err)

	encodeWith := func(mutate func(cp *Checkpoint)) []byte {
		cp := sampleCheckpoint()
		mutate(cp)
		b, err := Encode(cp)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), valid[4:]...)},
		{"future version", append(append([]byte("DFCK"), 9), valid[5:]...)},
		{"truncated", valid[:len(valid)-4]},
		{"history shorter than iteration", encodeWith(func(cp *Checkpoint) { cp.Iteration = 3 })},
		{"user count mismatch", encodeWith(func(cp *Checkpoint) { cp.NumUsers = 3 })},
		{"unknown sender", encodeWith(func(cp *Checkpoint) { cp.Users[1].Records[0].Senders = []int32{7} })},
		{"unknown status", encodeWith(func(cp *Checkpoint) { cp.Status = "paused" })},
		{"applied beyond iteration", encodeWith(func(cp *Checkpoint) { cp.Users[0].Applied = 2 })},
		{"misnumbered history", encodeWith(func(cp *Checkpoint) { cp.History[1].Number = 5 })},
		{"transfer out of range", encodeWith(func(cp *Checkpoint) {
			cp.History[0].Transfers = []history.Transfer{{From: 0, To: 4, Piece: 0}}
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.blob)
			require.Error(t, err)
			assert.ErrorIs(t, err, models.ErrStateCorruption)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	cp := sampleCheckpoint()
	payload := marshalCheckpoint(cp)
	payload = protowire.AppendTag(payload, 99, protowire.BytesType)
	payload = protowire.AppendBytes(payload, []byte("from a newer writer"))
	payload = protowire.AppendTag(payload, 100, protowire.Fixed32Type)
	payload = protowire.AppendFixed32(payload, 7)

	enc, err := zstdEncoder()
	require.NoError(t, err)
	blob := enc.EncodeAll(payload, append([]byte("DFCK"), FormatVersion))

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.True(t, cp.Equal(got))
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Latest(ctx, "run-test")
	assert.ErrorIs(t, err, ErrNotFound)

	first := sampleCheckpoint()
	first.Iteration = 1
	first.History = first.History[:1]
	for _, u := range first.Users {
		u.Applied = min(u.Applied, 0)
	}
	require.NoError(t, store.Save(ctx, first))
	require.NoError(t, store.Save(ctx, sampleCheckpoint()))

	iters, err := store.List(ctx, "run-test")
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, iters)

	latest, err := store.Latest(ctx, "run-test")
	require.NoError(t, err)
	assert.True(t, sampleCheckpoint().Equal(latest))

	older, err := store.Load(ctx, "run-test", 1)
	require.NoError(t, err)
	assert.True(t, first.Equal(older))

	_, err = store.Load(ctx, "run-test", 9)
	assert.ErrorIs(t, err, ErrNotFound)

	runs, err := store.Runs()
	require.NoError(t, err)
	assert.Equal(t, []string{"run-test"}, runs)

	entries, err := os.ReadDir(filepath.Join(store.Root(), "run-test"))
	require.NoError(t, err)
	assert.Len(t, entries, 2, "temporary files must not be left behind")
}

func TestFileStoreRejectsInvalidRunID(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	cp := sampleCheckpoint()
	cp.RunID = "../escape"
	assert.Error(t, store.Save(context.Background(), cp))
}

func TestFileStoreWriteFailureKeepsPreviousCheckpoint(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleCheckpoint()))

	// A directory squatting on the target name makes the final rename fail.
	next := sampleCheckpoint()
	next.Iteration = 3
	next.History = append(next.History, history.Iteration{Number: 2, Active: 3})
	target := filepath.Join(dir, "run-test", checkpointName(3))
	require.NoError(t, os.MkdirAll(filepath.Join(target, "occupied"), 0o755))

	assert.Error(t, store.Save(ctx, next))

	latest, err := store.Load(ctx, "run-test", 2)
	require.NoError(t, err)
	assert.True(t, sampleCheckpoint().Equal(latest))

	entries, err := os.ReadDir(filepath.Join(dir, "run-test"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".checkpoint-")
	}
}

func TestReadFileReportsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.dfck")
	require.NoError(t, os.WriteFile(path, []byte("DFCK\x01garbage"), 0o644))

	_, err := ReadFile(path)
	var corrupt *models.StateCorruptionError
	assert.True(t, errors.As(err, &corrupt))
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Latest(ctx, "run-test")
	assert.ErrorIs(t, err, ErrNotFound)

	cp := sampleCheckpoint()
	require.NoError(t, store.Save(ctx, cp))
	// Saving the same iteration again replaces the row.
	require.NoError(t, store.Save(ctx, cp))

	iters, err := store.List(ctx, "run-test")
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, iters)

	got, err := store.Latest(ctx, "run-test")
	require.NoError(t, err)
	assert.True(t, cp.Equal(got))

	byIter, err := store.Load(ctx, "run-test", 2)
	require.NoError(t, err)
	assert.True(t, cp.Equal(byIter))
}

func TestOpenUnknownStore(t *testing.T) {
	_, err := Open(context.Background(), "s3", "bucket")
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
