package history

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Action is a (user, piece) pair.
type Action struct {
	User  int32
	Piece int32
}

// Transfer is an accepted delivery of a piece from one user to another.
type Transfer struct {
	From  int32
	To    int32
	Piece int32
}

// Iteration records what happened during one completed iteration.
type Iteration struct {
	Number       int32
	Propagated   []Action // first propagation of a piece by a user
	Repropagated []Action
	Transfers    []Transfer
	Seen         []Action // pieces seen for the first time
	Ignored      []Action // delivered but not perceived
	ReReceived   []Action // delivered to a user that already had a record
	Expired      []Action
	Active       int64 // active records after expiration
	Pending      int64 // records eligible for propagation in the next iteration
	Scheduled    int64 // own pieces created after this iteration
}

func compareAction(a, b Action) int {
	if c := cmp.Compare(a.User, b.User); c != 0 {
		return c
	}
	return cmp.Compare(a.Piece, b.Piece)
}

func compareTransfer(a, b Transfer) int {
	if c := cmp.Compare(a.Piece, b.Piece); c != 0 {
		return c
	}
	if c := cmp.Compare(a.From, b.From); c != 0 {
		return c
	}
	return cmp.Compare(a.To, b.To)
}

// Normalize sorts every list so equal iterations compare equal.
func (it *Iteration) Normalize() {
	for _, l := range []*[]Action{&it.Propagated, &it.Repropagated, &it.Seen, &it.Ignored, &it.ReReceived, &it.Expired} {
		slices.SortFunc(*l, compareAction)
	}
	slices.SortFunc(it.Transfers, compareTransfer)
}

// Equal compares two iterations. Nil and empty lists are equal.
func (it *Iteration) Equal(o *Iteration) bool {
	return it.Number == o.Number &&
		it.Active == o.Active &&
		it.Pending == o.Pending &&
		it.Scheduled == o.Scheduled &&
		slices.Equal(it.Propagated, o.Propagated) &&
		slices.Equal(it.Repropagated, o.Repropagated) &&
		slices.Equal(it.Transfers, o.Transfers) &&
		slices.Equal(it.Seen, o.Seen) &&
		slices.Equal(it.Ignored, o.Ignored) &&
		slices.Equal(it.ReReceived, o.ReReceived) &&
		slices.Equal(it.Expired, o.Expired)
}

// Clone returns a deep copy.
func (it *Iteration) Clone() Iteration {
	c := *it
	c.Propagated = slices.Clone(it.Propagated)
	c.Repropagated = slices.Clone(it.Repropagated)
	c.Transfers = slices.Clone(it.Transfers)
	c.Seen = slices.Clone(it.Seen)
	c.Ignored = slices.Clone(it.Ignored)
	c.ReReceived = slices.Clone(it.ReReceived)
	c.Expired = slices.Clone(it.Expired)
	return c
}

// History is the append-only record of a run. It is safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	iters []Iteration
}

// New creates an empty history.
func New() *History {
	return &History{}
}

// FromIterations rebuilds a history, checking that numbering is consecutive from zero.
func FromIterations(iters []Iteration) (*History, error) {
	h := New()
	for i := range iters {
		if err := h.Append(iters[i]); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Append adds the next iteration. Iterations must be appended in order.
func (h *History) Append(it Iteration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if want := int32(len(h.iters)); it.Number != want {
		return fmt.Errorf("history: expected iteration %d, got %d", want, it.Number)
	}
	h.iters = append(h.iters, it.Clone())
	return nil
}

// Len returns the number of recorded iterations.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.iters)
}

// Last returns a copy of the most recent iteration.
func (h *History) Last() (Iteration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.iters) == 0 {
		return Iteration{}, false
	}
	return h.iters[len(h.iters)-1].Clone(), true
}

// Iterations returns a deep copy of every iteration.
func (h *History) Iterations() []Iteration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Iteration, len(h.iters))
	for i := range h.iters {
		out[i] = h.iters[i].Clone()
	}
	return out
}

// Equal compares two histories iteration by iteration.
func (h *History) Equal(o *History) bool {
	a, b := h.Iterations(), o.Iterations()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(&b[i]) {
			return false
		}
	}
	return true
}

// Totals summarises a history.
type Totals struct {
	Seen         int64 `json:"seen"`
	Propagated   int64 `json:"propagated"`
	Repropagated int64 `json:"repropagated"`
	Transfers    int64 `json:"transfers"`
	Ignored      int64 `json:"ignored"`
	Expired      int64 `json:"expired"`
}

// Totals sums the per-iteration counts.
func (h *History) Totals() Totals {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var t Totals
	for i := range h.iters {
		it := &h.iters[i]
		t.Seen += int64(len(it.Seen))
		t.Propagated += int64(len(it.Propagated))
		t.Repropagated += int64(len(it.Repropagated))
		t.Transfers += int64(len(it.Transfers))
		t.Ignored += int64(len(it.Ignored))
		t.Expired += int64(len(it.Expired))
	}
	return t
}
