package workflow

import (
	"fmt"
	"sync"
	"testing"
)

func TestStripedLocks_Stripe(t *testing.T) {
	l := NewStripedLocks(16)
	for i := range 100 {
		key := fmt.Sprintf("item-%d", i)
		s := l.Stripe(key)
		if s < 0 || s >= 16 {
			t.Fatalf("Stripe(%q) = %d, out of range", key, s)
		}
		if l.Stripe(key) != s {
			t.Fatalf("Stripe(%q) is not stable", key)
		}
	}
	if n := len(NewStripedLocks(0).stripes); n != defaultLockStripes {
		t.Errorf("default stripes = %d, want %d", n, defaultLockStripes)
	}
}

func TestStripedLocks_Lock_serializesKey(t *testing.T) {
	l := NewStripedLocks(4)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("item-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
}
