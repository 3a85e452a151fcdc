package state

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

// ErrInvalidDelta is returned when a delta would break the ordering invariant
// or is malformed. The user is left untouched.
var ErrInvalidDelta = errors.New("invalid delta")

// MergePolicy decides how a repeated delivery of a piece is folded into an
// existing record.
type MergePolicy uint8

const (
	// KeepNewest stamps the latest delivery and replaces the senders.
	KeepNewest MergePolicy = iota
	// KeepOldest keeps the first delivery time and senders.
	KeepOldest
	// MergeSenders stamps the latest delivery and accumulates senders.
	MergeSenders
)

func (m MergePolicy) String() string {
	switch m {
	case KeepNewest:
		return "newest"
	case KeepOldest:
		return "oldest"
	case MergeSenders:
		return "merge"
	default:
		return fmt.Sprintf("merge_policy(%d)", uint8(m))
	}
}

// Contact remembers the last iteration a user contacted a neighbor.
type Contact struct {
	User int32
	At   int32
}

// Incoming is an accepted delivery of one piece to one user.
type Incoming struct {
	Piece   int32
	Senders []int32 // sorted, unique; Senders[0] is the primary sender
	Seen    bool
}

// Delta is everything that happens to one user in one iteration.
type Delta struct {
	Iteration int32
	User      int32
	Sent      []int32 // pieces the user propagated, sorted
	Contacts  []int32 // neighbors contacted, sorted
	Incoming  []Incoming
}

// Empty reports whether the delta carries no change.
func (d *Delta) Empty() bool {
	return len(d.Sent) == 0 && len(d.Contacts) == 0 && len(d.Incoming) == 0
}

// Outcome lists the pieces affected by an applied delta.
type Outcome struct {
	Skipped      bool
	Propagated   []int32
	Repropagated []int32
	Seen         []int32
	Ignored      []int32
	ReReceived   []int32
	Reactivated  []int32
}

// User is the diffusion state of one user.
type User struct {
	Index   int32
	Applied int32    // last iteration whose delta was applied
	Records []Record // sorted by piece
	Recent  []Contact
}

// NewUser returns an empty state for user index.
func NewUser(index int32) *User {
	return &User{Index: index, Applied: Never}
}

// Record returns the record for piece, or nil.
func (u *User) Record(piece int32) *Record {
	i, ok := u.find(piece)
	if !ok {
		return nil
	}
	return &u.Records[i]
}

func (u *User) find(piece int32) (int, bool) {
	i := sort.Search(len(u.Records), func(i int) bool { return u.Records[i].Piece >= piece })
	return i, i < len(u.Records) && u.Records[i].Piece == piece
}

// LastContact returns when the user last contacted v.
func (u *User) LastContact(v int32) (int32, bool) {
	i := sort.Search(len(u.Recent), func(i int) bool { return u.Recent[i].User >= v })
	if i < len(u.Recent) && u.Recent[i].User == v {
		return u.Recent[i].At, true
	}
	return Never, false
}

// Pending returns the records eligible for propagation at iteration now.
func (u *User) Pending(now int32) []*Record {
	var out []*Record
	for i := range u.Records {
		if u.Records[i].Pending(now) {
			out = append(out, &u.Records[i])
		}
	}
	return out
}

// ActiveCount returns the number of active records.
func (u *User) ActiveCount() int {
	n := 0
	for i := range u.Records {
		if u.Records[i].Has(FlagActive) {
			n++
		}
	}
	return n
}

// PendingCount returns the number of records eligible at iteration now.
func (u *User) PendingCount(now int32) int {
	n := 0
	for i := range u.Records {
		if u.Records[i].Pending(now) {
			n++
		}
	}
	return n
}

// ScheduledCount returns the number of own pieces not yet published at
// iteration now.
func (u *User) ScheduledCount(now int32) int {
	n := 0
	for i := range u.Records {
		if u.Records[i].Scheduled(now) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := &User{
		Index:   u.Index,
		Applied: u.Applied,
		Records: make([]Record, len(u.Records)),
		Recent:  slices.Clone(u.Recent),
	}
	for i := range u.Records {
		c.Records[i] = u.Records[i].clone()
	}
	return c
}

// Equal compares two user states field by field.
func (u *User) Equal(o *User) bool {
	if u == nil || o == nil {
		return u == o
	}
	if u.Index != o.Index || u.Applied != o.Applied || len(u.Records) != len(o.Records) {
		return false
	}
	if !slices.Equal(u.Recent, o.Recent) {
		return false
	}
	for i := range u.Records {
		if !u.Records[i].Equal(&o.Records[i]) {
			return false
		}
	}
	return true
}

// seed adds an own piece that becomes visible at iteration created.
func (u *User) seed(piece, created int32) {
	i, ok := u.find(piece)
	if ok {
		return
	}
	r := newRecord(piece)
	r.Flags = FlagOwn | FlagSeen | FlagActive
	r.SeenAt = created
	u.Records = slices.Insert(u.Records, i, r)
}

// Apply commits a delta. A delta for an iteration that was already applied is
// a no-op, so applying the same delta twice has the effect of applying it once.
// The delta is fully validated before anything is mutated.
func (u *User) Apply(d Delta, merge MergePolicy) (Outcome, error) {
	if d.Iteration <= u.Applied {
		return Outcome{Skipped: true}, nil
	}
	if err := u.validate(&d); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	t := d.Iteration

	for _, p := range d.Sent {
		r := u.Record(p)
		if r.Has(FlagPropagated) {
			out.Repropagated = append(out.Repropagated, p)
		} else {
			out.Propagated = append(out.Propagated, p)
		}
		r.Flags |= FlagPropagated
		r.PropagatedAt = t
		r.Propagations++
	}

	if len(d.Incoming) > 0 {
		merged := make([]Record, 0, len(u.Records)+len(d.Incoming))
		i := 0
		for _, in := range d.Incoming {
			for i < len(u.Records) && u.Records[i].Piece < in.Piece {
				merged = append(merged, u.Records[i])
				i++
			}
			var r Record
			existing := i < len(u.Records) && u.Records[i].Piece == in.Piece
			if existing {
				r = u.Records[i]
				i++
				out.ReReceived = append(out.ReReceived, in.Piece)
				if !r.Has(FlagActive) {
					out.Reactivated = append(out.Reactivated, in.Piece)
				}
			} else {
				r = newRecord(in.Piece)
			}
			deliver(&r, in, t, merge)
			switch {
			case r.Has(FlagSeen):
			case in.Seen:
				r.Flags |= FlagSeen
				r.SeenAt = t
				out.Seen = append(out.Seen, in.Piece)
			default:
				r.Flags |= FlagIgnored
				out.Ignored = append(out.Ignored, in.Piece)
			}
			merged = append(merged, r)
		}
		merged = append(merged, u.Records[i:]...)
		u.Records = merged
	}

	if len(d.Contacts) > 0 {
		u.touch(d.Contacts, t)
	}

	u.Applied = t
	return out, nil
}

func deliver(r *Record, in Incoming, t int32, merge MergePolicy) {
	r.Flags |= FlagReceived | FlagActive
	r.Flags &^= FlagExpired
	r.Deliveries += int32(len(in.Senders))
	if r.FirstReceivedAt == Never {
		r.FirstReceivedAt = t
	}
	firstDelivery := r.ReceivedAt == Never
	switch merge {
	case KeepOldest:
		if firstDelivery {
			r.ReceivedAt = t
			r.Senders = slices.Clone(in.Senders)
		}
	case MergeSenders:
		r.ReceivedAt = t
		r.Senders = mergeSorted(r.Senders, in.Senders)
	default:
		r.ReceivedAt = t
		r.Senders = slices.Clone(in.Senders)
	}
}

func (u *User) touch(contacts []int32, t int32) {
	next := make([]Contact, 0, len(u.Recent)+len(contacts))
	i := 0
	for _, c := range contacts {
		for i < len(u.Recent) && u.Recent[i].User < c {
			next = append(next, u.Recent[i])
			i++
		}
		if i < len(u.Recent) && u.Recent[i].User == c {
			i++
		}
		next = append(next, Contact{User: c, At: t})
	}
	u.Recent = append(next, u.Recent[i:]...)
}

func (u *User) validate(d *Delta) error {
	if d.User != u.Index {
		return fmt.Errorf("%w: delta for user %d applied to user %d", ErrInvalidDelta, d.User, u.Index)
	}
	if !strictlySorted(d.Sent) {
		return fmt.Errorf("%w: sent pieces not sorted", ErrInvalidDelta)
	}
	if !strictlySorted(d.Contacts) {
		return fmt.Errorf("%w: contacts not sorted", ErrInvalidDelta)
	}
	for _, p := range d.Sent {
		r := u.Record(p)
		if r == nil || !r.Has(FlagSeen) {
			return fmt.Errorf("%w: user %d propagates piece %d it has not seen", ErrInvalidDelta, u.Index, p)
		}
		if !r.Has(FlagActive) {
			return fmt.Errorf("%w: user %d propagates expired piece %d", ErrInvalidDelta, u.Index, p)
		}
	}
	for i, in := range d.Incoming {
		if i > 0 && in.Piece <= d.Incoming[i-1].Piece {
			return fmt.Errorf("%w: incoming pieces not sorted", ErrInvalidDelta)
		}
		if len(in.Senders) == 0 || !strictlySorted(in.Senders) {
			return fmt.Errorf("%w: piece %d has no valid senders", ErrInvalidDelta, in.Piece)
		}
		if slices.Contains(in.Senders, u.Index) {
			return fmt.Errorf("%w: user %d delivers piece %d to itself", ErrInvalidDelta, u.Index, in.Piece)
		}
	}
	return nil
}

// Expire clears the active flag of the given pieces and returns the pieces
// that were actually active. History flags are kept.
func (u *User) Expire(pieces []int32, now int32) []int32 {
	var expired []int32
	for _, p := range pieces {
		r := u.Record(p)
		if r == nil || !r.Has(FlagActive) {
			continue
		}
		r.Flags &^= FlagActive
		r.Flags |= FlagExpired
		r.ExpiredAt = now
		expired = append(expired, p)
	}
	return expired
}

// Validate checks the structural invariants of a user state against the
// network dimensions. It is used when restoring checkpoints.
func (u *User) Validate(numUsers, numPieces int) error {
	for i := range u.Records {
		r := &u.Records[i]
		if r.Piece < 0 || int(r.Piece) >= numPieces {
			return fmt.Errorf("user %d: record for unknown piece %d", u.Index, r.Piece)
		}
		if i > 0 && r.Piece <= u.Records[i-1].Piece {
			return fmt.Errorf("user %d: records not sorted", u.Index)
		}
		if r.Flags&^knownFlags != 0 {
			return fmt.Errorf("user %d piece %d: unknown flags %#x", u.Index, r.Piece, uint16(r.Flags))
		}
		if r.Has(FlagPropagated) && !r.Has(FlagSeen) {
			return fmt.Errorf("user %d piece %d: propagated without seen", u.Index, r.Piece)
		}
		if r.Has(FlagSeen) && !r.Has(FlagReceived) && !r.Has(FlagOwn) {
			return fmt.Errorf("user %d piece %d: seen without received or own", u.Index, r.Piece)
		}
		if !strictlySorted(r.Senders) {
			return fmt.Errorf("user %d piece %d: senders not sorted", u.Index, r.Piece)
		}
		for _, s := range r.Senders {
			if s < 0 || int(s) >= numUsers {
				return fmt.Errorf("user %d piece %d: unknown sender %d", u.Index, r.Piece, s)
			}
		}
	}
	for i, c := range u.Recent {
		if c.User < 0 || int(c.User) >= numUsers {
			return fmt.Errorf("user %d: unknown contact %d", u.Index, c.User)
		}
		if i > 0 && c.User <= u.Recent[i-1].User {
			return fmt.Errorf("user %d: contacts not sorted", u.Index)
		}
	}
	return nil
}
