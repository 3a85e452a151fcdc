package state

import (
	"fmt"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/network"
)

// Reader gives read access to user states by index.
type Reader interface {
	User(i int32) *User
	Len() int
}

// Arena stores the diffusion state of every user, indexed by user index.
type Arena struct {
	users []*User
}

// NewArena seeds the state of every user of the snapshot with its own pieces.
func NewArena(snap *network.Snapshot) *Arena {
	a := &Arena{users: make([]*User, snap.NumUsers())}
	for i := range a.users {
		a.users[i] = NewUser(int32(i))
	}
	for p := 0; p < snap.NumPieces(); p++ {
		piece := snap.Piece(int32(p))
		a.users[piece.Creator].seed(int32(p), piece.Created)
	}
	return a
}

// FromUsers builds an arena from restored users. Users must be ordered by index.
func FromUsers(users []*User) (*Arena, error) {
	for i, u := range users {
		if u == nil {
			return nil, fmt.Errorf("missing state for user %d", i)
		}
		if u.Index != int32(i) {
			return nil, fmt.Errorf("user state %d carries index %d", i, u.Index)
		}
	}
	return &Arena{users: users}, nil
}

// User returns the committed state of user i. Callers must not modify it.
func (a *Arena) User(i int32) *User { return a.users[i] }

// Len returns the number of users.
func (a *Arena) Len() int { return len(a.users) }

// Users returns deep copies of all user states.
func (a *Arena) Users() []*User {
	out := make([]*User, len(a.users))
	for i, u := range a.users {
		out[i] = u.Clone()
	}
	return out
}

// Clone returns a deep copy of the arena.
func (a *Arena) Clone() *Arena {
	return &Arena{users: a.Users()}
}

// Equal compares two arenas user by user.
func (a *Arena) Equal(b *Arena) bool {
	if len(a.users) != len(b.users) {
		return false
	}
	for i := range a.users {
		if !a.users[i].Equal(b.users[i]) {
			return false
		}
	}
	return true
}

// ActiveCount returns the number of active records network-wide.
func (a *Arena) ActiveCount() int64 {
	var n int64
	for _, u := range a.users {
		n += int64(u.ActiveCount())
	}
	return n
}

// Begin starts a transaction over the arena.
func (a *Arena) Begin() *Tx {
	return &Tx{base: a, touched: make([]*User, len(a.users))}
}

// Tx is a copy-on-write view of an arena. Users are cloned on first write and
// only swapped into the arena by Commit, so an aborted transaction leaves the
// arena exactly as it was.
//
// Different goroutines may call Mutable for different users concurrently.
type Tx struct {
	base    *Arena
	touched []*User
	done    bool
}

// User returns the transaction's view of user i.
func (tx *Tx) User(i int32) *User {
	if u := tx.touched[i]; u != nil {
		return u
	}
	return tx.base.users[i]
}

// Len returns the number of users.
func (tx *Tx) Len() int { return len(tx.touched) }

// Mutable returns a private copy of user i that may be modified.
func (tx *Tx) Mutable(i int32) *User {
	if u := tx.touched[i]; u != nil {
		return u
	}
	u := tx.base.users[i].Clone()
	tx.touched[i] = u
	return u
}

// Commit publishes every modified user into the arena.
func (tx *Tx) Commit() {
	if tx.done {
		return
	}
	for i, u := range tx.touched {
		if u != nil {
			tx.base.users[i] = u
		}
	}
	tx.done = true
}

// Abort drops every modification.
func (tx *Tx) Abort() {
	tx.touched = make([]*User, len(tx.touched))
	tx.done = true
}
