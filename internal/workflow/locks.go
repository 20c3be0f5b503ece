package workflow

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const defaultLockStripes = 64

// StripedLocks serializes work per aggregate without a global lock. Keys
// hash onto a fixed set of mutexes, so two aggregates may share a stripe
// but one aggregate always maps to the same one.
type StripedLocks struct {
	stripes []sync.Mutex
}

// NewStripedLocks creates n stripes. n <= 0 uses the default.
func NewStripedLocks(n int) *StripedLocks {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &StripedLocks{stripes: make([]sync.Mutex, n)}
}

// Stripe returns the stripe index of key.
func (l *StripedLocks) Stripe(key string) int {
	return int(murmur3.Sum32([]byte(key)) % uint32(len(l.stripes)))
}

// Lock acquires the stripe of key and returns its unlock function.
func (l *StripedLocks) Lock(key string) func() {
	mu := &l.stripes[l.Stripe(key)]
	mu.Lock()
	return mu.Unlock
}
