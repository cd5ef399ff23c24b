// Package keylock provides striped mutexes keyed by string, used to
// serialize writes that touch the same record neighborhood without a
// global lock. Locks for multiple keys are always acquired in stripe
// order, so two callers locking overlapping key sets cannot deadlock.
package keylock

import (
	"hash/fnv"
	"sort"
	"sync"
)

const defaultStripes = 64

// KeyLock maps keys onto a fixed set of mutex stripes.
type KeyLock struct {
	stripes []sync.Mutex
}

// New creates a KeyLock with the given stripe count; n <= 0 selects
// the default of 64.
func New(n int) *KeyLock {
	if n <= 0 {
		n = defaultStripes
	}
	return &KeyLock{stripes: make([]sync.Mutex, n)}
}

func (k *KeyLock) stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.stripes)))
}

// Lock acquires the stripes covering all given keys and returns the
// release function. Stripe indexes are deduplicated and locked in
// ascending order; keys hashing to the same stripe cost one lock.
func (k *KeyLock) Lock(keys ...string) (unlock func()) {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, key := range keys {
		s := k.stripe(key)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		idx = append(idx, s)
	}
	sort.Ints(idx)

	for _, i := range idx {
		k.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			k.stripes[idx[j]].Unlock()
		}
	}
}
