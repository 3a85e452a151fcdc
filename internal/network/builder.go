package network

import (
	"fmt"
	"sort"

	"go.uber.org/multierr"
)

type edge struct{ from, to int32 }

// Builder assembles a Snapshot. Errors are accumulated and reported by Build.
type Builder struct {
	directed bool
	users    []User
	pieces   []Piece
	edges    []edge
	userIdx  map[string]int32
	pieceIdx map[string]int32
	err      error
}

// NewBuilder creates a builder for a directed or undirected network.
func NewBuilder(directed bool) *Builder {
	return &Builder{
		directed: directed,
		userIdx:  make(map[string]int32),
		pieceIdx: make(map[string]int32),
	}
}

// AddUser registers a user and returns its index.
func (b *Builder) AddUser(id string, features map[string]float64) int32 {
	if id == "" {
		b.err = multierr.Append(b.err, fmt.Errorf("user %d: empty id", len(b.users)))
		return -1
	}
	if i, ok := b.userIdx[id]; ok {
		b.err = multierr.Append(b.err, fmt.Errorf("duplicate user id %q", id))
		return i
	}
	i := int32(len(b.users))
	b.users = append(b.users, User{ID: id, Features: copyFeatures(features)})
	b.userIdx[id] = i
	return i
}

// AddEdge connects two previously added users.
func (b *Builder) AddEdge(from, to string) {
	f, okf := b.userIdx[from]
	t, okt := b.userIdx[to]
	switch {
	case !okf:
		b.err = multierr.Append(b.err, fmt.Errorf("edge %s->%s: unknown user %q", from, to, from))
	case !okt:
		b.err = multierr.Append(b.err, fmt.Errorf("edge %s->%s: unknown user %q", from, to, to))
	case f == t:
		b.err = multierr.Append(b.err, fmt.Errorf("edge %s->%s: self loop", from, to))
	default:
		b.edges = append(b.edges, edge{from: f, to: t})
	}
}

// AddPiece registers an information piece authored by creator.
func (b *Builder) AddPiece(id, creator string, created, lifespan int32, features map[string]float64) int32 {
	if id == "" {
		b.err = multierr.Append(b.err, fmt.Errorf("piece %d: empty id", len(b.pieces)))
		return -1
	}
	if i, ok := b.pieceIdx[id]; ok {
		b.err = multierr.Append(b.err, fmt.Errorf("duplicate piece id %q", id))
		return i
	}
	c, ok := b.userIdx[creator]
	if !ok {
		b.err = multierr.Append(b.err, fmt.Errorf("piece %q: unknown creator %q", id, creator))
		return -1
	}
	if created < 0 {
		b.err = multierr.Append(b.err, fmt.Errorf("piece %q: negative creation time %d", id, created))
		return -1
	}
	if lifespan < 0 {
		b.err = multierr.Append(b.err, fmt.Errorf("piece %q: negative lifespan %d", id, lifespan))
		return -1
	}
	i := int32(len(b.pieces))
	b.pieces = append(b.pieces, Piece{
		ID:       id,
		Creator:  c,
		Created:  created,
		Features: copyFeatures(features),
		Lifespan: lifespan,
	})
	b.pieceIdx[id] = i
	return i
}

// Build validates the accumulated input and freezes it into a Snapshot.
func (b *Builder) Build() (*Snapshot, error) {
	if b.err != nil {
		return nil, fmt.Errorf("invalid network: %w", b.err)
	}

	n := len(b.users)
	s := &Snapshot{
		directed:  b.directed,
		users:     b.users,
		pieces:    b.pieces,
		out:       make([][]int32, n),
		in:        make([][]int32, n),
		und:       make([][]int32, n),
		userIdx:   b.userIdx,
		pieceIdx:  b.pieceIdx,
		byCreator: make([][]int32, n),
	}

	for _, e := range b.edges {
		s.out[e.from] = append(s.out[e.from], e.to)
		s.in[e.to] = append(s.in[e.to], e.from)
		if !b.directed {
			s.out[e.to] = append(s.out[e.to], e.from)
			s.in[e.from] = append(s.in[e.from], e.to)
		}
	}
	for u := 0; u < n; u++ {
		s.out[u] = sortUnique(s.out[u])
		s.in[u] = sortUnique(s.in[u])
		s.edges += len(s.out[u])
		if b.directed {
			s.und[u] = sortUnique(append(append([]int32(nil), s.out[u]...), s.in[u]...))
		} else {
			s.und[u] = s.out[u]
		}
	}
	if !b.directed {
		s.edges /= 2
	}

	for i := range s.pieces {
		c := s.pieces[i].Creator
		s.byCreator[c] = append(s.byCreator[c], int32(i))
	}

	s.fingerprint = s.computeFingerprint()
	return s, nil
}

func sortUnique(v []int32) []int32 {
	if len(v) == 0 {
		return nil
	}
	sort.Slice(v, func(i, j int) bool { return v[i] < v[j] })
	out := v[:1]
	for _, x := range v[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

func copyFeatures(f map[string]float64) map[string]float64 {
	if len(f) == 0 {
		return nil
	}
	c := make(map[string]float64, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}
