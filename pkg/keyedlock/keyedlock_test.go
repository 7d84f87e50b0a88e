package keyedlock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sandboxd/pkg/keyedlock"
)

func TestSameKeySerializes(t *testing.T) {
	m := keyedlock.New()
	var counter int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("c1")
			defer unlock()

			n := atomic.AddInt32(&counter, 1)
			if n > atomic.LoadInt32(&maxObserved) {
				atomic.StoreInt32(&maxObserved, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, -1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxObserved, "at most one holder of the same key should run at a time")
}

func TestDifferentKeysDoNotContend(t *testing.T) {
	m := keyedlock.New()
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan time.Duration, 2)

	run := func(key string) {
		defer wg.Done()
		<-start
		begin := time.Now()
		unlock := m.Lock(key)
		defer unlock()
		time.Sleep(20 * time.Millisecond)
		results <- time.Since(begin)
	}

	wg.Add(2)
	go run("a")
	go run("b")
	close(start)
	wg.Wait()
	close(results)

	for d := range results {
		require.Less(t, d, 40*time.Millisecond, "unrelated keys should not wait on each other")
	}
}

func TestUnlockReleasesKeyForNextLocker(t *testing.T) {
	m := keyedlock.New()
	unlock := m.Lock("c1")
	unlock()

	// A fresh lock on the same key should succeed immediately, proving the
	// entry was released rather than left held.
	done := make(chan struct{})
	go func() {
		unlock2 := m.Lock("c1")
		unlock2()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected second lock to acquire without blocking")
	}
}
