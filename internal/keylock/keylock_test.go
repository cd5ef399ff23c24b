package keylock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializesSameKey(t *testing.T) {
	kl := New(8)

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := kl.Lock("mem_aaa")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestOverlappingKeySetsDoNotDeadlock(t *testing.T) {
	kl := New(4)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		keys := [][]string{
			{"a", "b"}, {"b", "c"}, {"c", "a"}, {"a", "b", "c"},
		}
		for i := 0; i < 200; i++ {
			for _, ks := range keys {
				wg.Add(1)
				go func(ks []string) {
					defer wg.Done()
					unlock := kl.Lock(ks...)
					unlock()
				}(ks)
			}
		}
		wg.Wait()
	}()
	<-done
}

func TestDuplicateKeysLockOnce(t *testing.T) {
	kl := New(8)
	unlock := kl.Lock("x", "x", "x")
	require.NotNil(t, unlock)
	unlock()

	// Relocking immediately proves nothing stayed held.
	unlock = kl.Lock("x")
	unlock()
}

func TestDefaultStripes(t *testing.T) {
	kl := New(0)
	assert.Len(t, kl.stripes, defaultStripes)
}
