package utils

import (
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Stage identifies which decision a derived random stream feeds.
type Stage uint32

const (
	StageSelection Stage = iota + 1
	StagePropagation
	StageSight
	StageTieBreak
	StageExpiration
)

func (s Stage) String() string {
	switch s {
	case StageSelection:
		return "selection"
	case StagePropagation:
		return "propagation"
	case StageSight:
		return "sight"
	case StageTieBreak:
		return "tie_break"
	case StageExpiration:
		return "expiration"
	default:
		return "unknown"
	}
}

// RandSource is a seeded random number generator. It is not safe for
// concurrent use; derive one stream per goroutine instead.
type RandSource struct {
	rng *rand.Rand
}

// NewRandSource creates a new random source with the given seed
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{
		rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
	}
}

// DeriveSeed hashes (seed, iteration, user, stage) into a 128-bit PCG seed.
func DeriveSeed(seed int64, iteration, user int32, stage Stage) (uint64, uint64) {
	var buf [20]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(seed))
	binary.LittleEndian.PutUint32(buf[8:], uint32(iteration))
	binary.LittleEndian.PutUint32(buf[12:], uint32(user))
	binary.LittleEndian.PutUint32(buf[16:], uint32(stage))
	return murmur3.Sum128(buf[:])
}

// NewDerivedSource returns the stream owned by one user for one stage of one
// iteration. The same inputs always yield the same sequence, independent of
// evaluation order.
func NewDerivedSource(seed int64, iteration, user int32, stage Stage) *RandSource {
	hi, lo := DeriveSeed(seed, iteration, user, stage)
	return &RandSource{rng: rand.New(rand.NewPCG(hi, lo))}
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	return r.rng.Float64()
}

// Intn returns a random int in [0, n)
func (r *RandSource) Intn(n int) int {
	return r.rng.IntN(n)
}

// BernoulliBool returns true with probability p, false otherwise
func (r *RandSource) BernoulliBool(p float64) bool {
	if p >= 1 {
		return true
	}
	if p <= 0 {
		return false
	}
	return r.rng.Float64() < p
}

// Sample returns k distinct indices from [0, n) in draw order.
// If k >= n every index is returned in a random order.
func (r *RandSource) Sample(n, k int) []int {
	if n <= 0 || k <= 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	if k > n {
		k = n
	}
	// partial Fisher-Yates
	for i := 0; i < k; i++ {
		j := i + r.rng.IntN(n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}

// Global default random source, used for non-simulation jitter only.
var (
	defaultMu   sync.Mutex
	defaultRand = NewRandSource(0)
)

// Float64 returns a random float64 from the default source
func Float64() float64 {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRand.Float64()
}
