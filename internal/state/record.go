package state

import "slices"

// Never marks a timestamp that has not happened.
const Never int32 = -1

// Flag is a bit set describing what a user did with a piece.
type Flag uint16

const (
	FlagOwn Flag = 1 << iota
	FlagReceived
	FlagSeen
	FlagIgnored
	FlagPropagated
	FlagActive
	FlagExpired
)

const knownFlags = FlagOwn | FlagReceived | FlagSeen | FlagIgnored | FlagPropagated | FlagActive | FlagExpired

// Record is the history of one piece for one user.
//
// Own, Received, Seen, Ignored and Propagated are history and are never
// cleared. Active and Expired only describe eligibility.
type Record struct {
	Piece           int32
	Flags           Flag
	ReceivedAt      int32 // last accepted delivery
	FirstReceivedAt int32
	SeenAt          int32
	PropagatedAt    int32 // last propagation
	ExpiredAt       int32 // last expiration
	Deliveries      int32
	Propagations    int32
	Senders         []int32 // sorted, unique
}

func newRecord(piece int32) Record {
	return Record{
		Piece:           piece,
		ReceivedAt:      Never,
		FirstReceivedAt: Never,
		SeenAt:          Never,
		PropagatedAt:    Never,
		ExpiredAt:       Never,
	}
}

// Has reports whether every bit of f is set.
func (r *Record) Has(f Flag) bool { return r.Flags&f == f }

// Pending reports whether the piece is waiting to be propagated at iteration now.
func (r *Record) Pending(now int32) bool {
	return r.Has(FlagActive|FlagSeen) && !r.Has(FlagPropagated) && r.SeenAt <= now
}

// Scheduled reports whether an own piece is still waiting for its creation
// time at iteration now.
func (r *Record) Scheduled(now int32) bool {
	return r.Has(FlagOwn|FlagActive) && !r.Has(FlagPropagated) && r.SeenAt > now
}

// Repropagable reports whether an already propagated piece is still active.
func (r *Record) Repropagable() bool {
	return r.Has(FlagActive | FlagPropagated)
}

// LastInteraction is the latest iteration at which the user touched the piece.
func (r *Record) LastInteraction() int32 {
	return max(r.ReceivedAt, r.SeenAt, r.PropagatedAt)
}

func (r *Record) clone() Record {
	c := *r
	c.Senders = slices.Clone(r.Senders)
	return c
}

// Equal compares two records, treating nil and empty sender lists alike.
func (r *Record) Equal(o *Record) bool {
	return r.Piece == o.Piece &&
		r.Flags == o.Flags &&
		r.ReceivedAt == o.ReceivedAt &&
		r.FirstReceivedAt == o.FirstReceivedAt &&
		r.SeenAt == o.SeenAt &&
		r.PropagatedAt == o.PropagatedAt &&
		r.ExpiredAt == o.ExpiredAt &&
		r.Deliveries == o.Deliveries &&
		r.Propagations == o.Propagations &&
		slices.Equal(r.Senders, o.Senders)
}

// mergeSorted returns the sorted union of two sorted unique slices.
func mergeSorted(a, b []int32) []int32 {
	out := make([]int32, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] > b[j]:
			out = append(out, b[j])
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

func strictlySorted(v []int32) bool {
	for i := 1; i < len(v); i++ {
		if v[i] <= v[i-1] {
			return false
		}
	}
	return true
}
