package sync

import (
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(100 * time.Millisecond)
	sl.Release()
	wg.Wait()
}

func TestSpinlockGuardsCounter(t *testing.T) {
	var (
		sl      Spinlock
		wg      sync.WaitGroup
		counter int
	)

	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 1000; j++ {
				sl.Acquire()
				counter++
				sl.Release()
			}
			wg.Done()
		}()
	}
	wg.Wait()

	if exp := 8000; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}
