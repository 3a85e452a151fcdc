package network

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/spaolacci/murmur3"
)

// Orientation selects which neighbors of a user are considered.
type Orientation uint8

const (
	// Out are the users a user points to (its audience in a follower graph).
	Out Orientation = iota
	// In are the users pointing to a user.
	In
	// Und is the union of Out and In.
	Und
)

func (o Orientation) String() string {
	switch o {
	case Out:
		return "out"
	case In:
		return "in"
	case Und:
		return "und"
	default:
		return fmt.Sprintf("orientation(%d)", uint8(o))
	}
}

// ParseOrientation parses "out", "in" or "und". The empty string means Out.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "", "out":
		return Out, nil
	case "in":
		return In, nil
	case "und", "undirected":
		return Und, nil
	default:
		return Out, fmt.Errorf("unknown orientation %q", s)
	}
}

// User is a node of the network.
type User struct {
	ID       string
	Features map[string]float64
}

// Piece is an information piece authored by a user.
type Piece struct {
	ID       string
	Creator  int32
	Created  int32 // iteration at which the piece becomes available
	Features map[string]float64
	Lifespan int32 // 0 means no authored lifespan
}

// Snapshot is an immutable network: users, directed or undirected edges and
// the catalogue of information pieces.
type Snapshot struct {
	directed bool
	users    []User
	pieces   []Piece
	out      [][]int32
	in       [][]int32
	und      [][]int32
	edges    int

	userIdx   map[string]int32
	pieceIdx  map[string]int32
	byCreator [][]int32

	fingerprint uint64
}

// Directed reports whether edges have a direction.
func (s *Snapshot) Directed() bool { return s.directed }

// NumUsers returns the number of users.
func (s *Snapshot) NumUsers() int { return len(s.users) }

// NumPieces returns the number of information pieces.
func (s *Snapshot) NumPieces() int { return len(s.pieces) }

// NumEdges returns the number of distinct edges.
func (s *Snapshot) NumEdges() int { return s.edges }

// User returns the user at index i.
func (s *Snapshot) User(i int32) *User { return &s.users[i] }

// Piece returns the piece at index i.
func (s *Snapshot) Piece(i int32) *Piece { return &s.pieces[i] }

// UserIndex looks up a user by external id.
func (s *Snapshot) UserIndex(id string) (int32, bool) {
	i, ok := s.userIdx[id]
	return i, ok
}

// PieceIndex looks up a piece by external id.
func (s *Snapshot) PieceIndex(id string) (int32, bool) {
	i, ok := s.pieceIdx[id]
	return i, ok
}

// Neighbors returns the sorted neighbor list of u. The slice must not be modified.
func (s *Snapshot) Neighbors(u int32, o Orientation) []int32 {
	switch o {
	case In:
		return s.in[u]
	case Und:
		return s.und[u]
	default:
		return s.out[u]
	}
}

// Authored returns the sorted indices of the pieces created by u.
func (s *Snapshot) Authored(u int32) []int32 { return s.byCreator[u] }

// Fingerprint is a stable hash of the snapshot contents. Checkpoints carry it
// so a run is never resumed on a different network.
func (s *Snapshot) Fingerprint() uint64 { return s.fingerprint }

func (s *Snapshot) computeFingerprint() uint64 {
	h := murmur3.New64()
	var buf [8]byte
	writeInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	writeString := func(v string) {
		writeInt(int64(len(v)))
		_, _ = h.Write([]byte(v))
	}
	writeFeatures := func(f map[string]float64) {
		keys := make([]string, 0, len(f))
		for k := range f {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeInt(int64(len(keys)))
		for _, k := range keys {
			writeString(k)
			writeInt(int64(math.Float64bits(f[k])))
		}
	}

	if s.directed {
		writeInt(1)
	} else {
		writeInt(0)
	}
	writeInt(int64(len(s.users)))
	for i := range s.users {
		writeString(s.users[i].ID)
		writeFeatures(s.users[i].Features)
		writeInt(int64(len(s.out[i])))
		for _, v := range s.out[i] {
			writeInt(int64(v))
		}
	}
	writeInt(int64(len(s.pieces)))
	for i := range s.pieces {
		p := &s.pieces[i]
		writeString(p.ID)
		writeInt(int64(p.Creator))
		writeInt(int64(p.Created))
		writeInt(int64(p.Lifespan))
		writeFeatures(p.Features)
	}
	return h.Sum64()
}
