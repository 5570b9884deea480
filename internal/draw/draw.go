// Package draw provides the random selection primitives used by callouts:
// picking one element, drawing an integer from an inclusive range and
// sampling without replacement.
package draw

import (
	"fmt"
	"math/rand/v2"
	"sync"

	perrors "github.com/p-blackswan/workoutbot/internal/errors"
)

// Source is the randomness consumed by the draw functions.
type Source interface {
	IntN(n int) int
	Float64() float64
}

// NewSource returns a PCG-backed source. A zero seed draws one from the runtime.
func NewSource(seed uint64) Source {
	if seed == 0 {
		seed = rand.Uint64()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Locked serializes access to a Source so it can be shared by room goroutines.
type Locked struct {
	mu  sync.Mutex
	src Source
}

// NewLocked wraps src.
func NewLocked(src Source) *Locked {
	return &Locked{src: src}
}

func (l *Locked) IntN(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.IntN(n)
}

func (l *Locked) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// PickOne returns a uniformly chosen element of items.
func PickOne[T any](src Source, items []T) (T, error) {
	if len(items) == 0 {
		var zero T
		return zero, perrors.ErrEmptyInput
	}
	return items[src.IntN(len(items))], nil
}

// IntInclusive returns a value uniformly distributed over [min, max].
func IntInclusive(src Source, min, max int) (int, error) {
	if min > max {
		return 0, fmt.Errorf("%w: min %d > max %d", perrors.ErrInvalidRange, min, max)
	}
	return min + src.IntN(max-min+1), nil
}

// Sample returns min(k, len(items)) distinct elements of items in random
// order. items is never modified.
func Sample[T any](src Source, items []T, k int) []T {
	if k <= 0 || len(items) == 0 {
		return []T{}
	}
	if k > len(items) {
		k = len(items)
	}

	idx := make([]int, len(items))
	for i := range idx {
		idx[i] = i
	}
	// Partial Fisher-Yates: the first k slots end up holding the sample.
	out := make([]T, k)
	for i := 0; i < k; i++ {
		j := i + src.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
		out[i] = items[idx[i]]
	}
	return out
}

// Chance reports true with probability p.
func Chance(src Source, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return src.Float64() < p
}
