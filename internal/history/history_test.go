package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRequiresConsecutiveNumbers(t *testing.T) {
	h := New()
	require.NoError(t, h.Append(Iteration{Number: 0}))
	assert.Error(t, h.Append(Iteration{Number: 2}))
	require.NoError(t, h.Append(Iteration{Number: 1}))
	assert.Equal(t, 2, h.Len())

	last, ok := h.Last()
	require.True(t, ok)
	assert.Equal(t, int32(1), last.Number)

	_, ok = New().Last()
	assert.False(t, ok)
}

func TestHistoryReturnsCopies(t *testing.T) {
	h := New()
	require.NoError(t, h.Append(Iteration{Number: 0, Seen: []Action{{User: 1, Piece: 0}}}))

	its := h.Iterations()
	its[0].Seen[0].User = 9

	assert.Equal(t, int32(1), h.Iterations()[0].Seen[0].User)
	last, _ := h.Last()
	last.Seen[0].User = 7
	assert.Equal(t, int32(1), h.Iterations()[0].Seen[0].User)
}

func TestNormalizeAndEqual(t *testing.T) {
	a := Iteration{
		Number:    3,
		Seen:      []Action{{User: 2, Piece: 1}, {User: 1, Piece: 4}, {User: 1, Piece: 0}},
		Transfers: []Transfer{{From: 3, To: 1, Piece: 2}, {From: 0, To: 4, Piece: 2}, {From: 0, To: 1, Piece: 1}},
	}
	a.Normalize()
	assert.Equal(t, []Action{{User: 1, Piece: 0}, {User: 1, Piece: 4}, {User: 2, Piece: 1}}, a.Seen)
	assert.Equal(t, []Transfer{{From: 0, To: 1, Piece: 1}, {From: 0, To: 4, Piece: 2}, {From: 3, To: 1, Piece: 2}}, a.Transfers)

	b := a.Clone()
	b.Ignored = []Action{}
	assert.True(t, a.Equal(&b), "nil and empty lists compare equal")
	b.Active = 1
	assert.False(t, a.Equal(&b))
}

func TestTotals(t *testing.T) {
	h, err := FromIterations([]Iteration{
		{Number: 0, Seen: []Action{{1, 0}}, Propagated: []Action{{0, 0}}, Transfers: []Transfer{{0, 1, 0}}},
		{Number: 1, Seen: []Action{{2, 0}}, Propagated: []Action{{1, 0}}, Expired: []Action{{0, 0}}},
	})
	require.NoError(t, err)

	tot := h.Totals()
	assert.Equal(t, int64(2), tot.Seen)
	assert.Equal(t, int64(2), tot.Propagated)
	assert.Equal(t, int64(1), tot.Transfers)
	assert.Equal(t, int64(1), tot.Expired)
}

func TestFromIterationsRejectsGaps(t *testing.T) {
	_, err := FromIterations([]Iteration{{Number: 0}, {Number: 2}})
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	// line 0 -> 1 -> 2, piece 0 authored by user 0 at iteration 0
	h, err := FromIterations([]Iteration{
		{
			Number:     0,
			Propagated: []Action{{User: 0, Piece: 0}},
			Transfers:  []Transfer{{From: 0, To: 1, Piece: 0}},
			Seen:       []Action{{User: 1, Piece: 0}},
		},
		{
			Number:     1,
			Propagated: []Action{{User: 1, Piece: 0}},
			Transfers:  []Transfer{{From: 1, To: 2, Piece: 0}},
			Seen:       []Action{{User: 2, Piece: 0}},
		},
	})
	require.NoError(t, err)
	authored := []Authored{{User: 0, Piece: 0, Created: 0}, {User: 2, Piece: 1, Created: 5}}

	m, err := h.Replay(0, 3, authored)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, m[0].Seen)
	assert.Equal(t, []int32{0}, m[0].Propagated)
	assert.Equal(t, []int32{0}, m[1].Received)
	assert.Equal(t, []int32{0}, m[1].Seen)
	assert.Empty(t, m[1].Propagated)
	assert.Empty(t, m[2].Seen)

	m, err = h.Replay(1, 3, authored)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, m[2].Seen)
	assert.Equal(t, []int32{0}, m[1].Propagated)

	m, err = h.Replay(-1, 3, authored)
	require.NoError(t, err)
	assert.Empty(t, m[0].Seen)

	_, err = h.Replay(2, 3, authored)
	assert.Error(t, err)
}
