package index

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLock_SerializesSameKey(t *testing.T) {
	k := newKeyedLock()
	var active, peak int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("r1")
			defer unlock()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Fatalf("expected at most one holder, saw %d", peak)
	}
	if k.size() != 0 {
		t.Fatalf("expected entries to be released, got %d", k.size())
	}
}

func TestKeyedLock_IndependentKeys(t *testing.T) {
	k := newKeyedLock()
	unlock := k.Lock("r1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		release := k.Lock("r2")
		release()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on r2 blocked behind r1")
	}
}
