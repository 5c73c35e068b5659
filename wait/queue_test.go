package wait

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTickerQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond)
	go q.Run(ctx)

	var resultMtx sync.Mutex
	var results []int
	var wg sync.WaitGroup
	addWaiter := func(num, tries int) {
		var attempts int
		q.Wait(&Waiter{
			Expiration: time.Now().Add(time.Hour),
			TryFunc: func() TryDirective {
				attempts++
				if attempts > tries {
					resultMtx.Lock()
					results = append(results, num)
					resultMtx.Unlock()
					wg.Done()
					return DontTryAgain
				}
				return TryAgain
			},
			ExpireFunc: func() { t.Errorf("waiter %d expired", num) },
		})
	}

	wg.Add(3)
	addWaiter(0, 0) // immediate, runs in Wait itself
	addWaiter(1, 2)
	addWaiter(2, 5)
	wg.Wait()

	resultMtx.Lock()
	defer resultMtx.Unlock()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0] != 0 {
		t.Fatalf("immediate waiter did not complete first: %v", results)
	}
}

func TestTickerQueueExpiration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond)
	go q.Run(ctx)

	expired := make(chan struct{})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(5 * time.Millisecond),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { close(expired) },
	})

	select {
	case <-expired:
	case <-time.After(time.Second):
		t.Fatal("waiter never expired")
	}
}

func TestTickerQueueShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewTickerQueue(time.Millisecond)

	// Three waiters, queued before the loop starts so they share one pass.
	// The first completes on the tick, the second cancels the context from
	// its TryFunc, and the third is never checked. The two still pending at
	// shutdown must each be expired exactly once.
	var aTries, bTries int
	var aExpires, bExpires, cExpires int
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc: func() TryDirective {
			aTries++
			if aTries > 1 {
				return DontTryAgain
			}
			return TryAgain
		},
		ExpireFunc: func() { aExpires++ },
	})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc: func() TryDirective {
			bTries++
			if bTries > 1 {
				cancel()
			}
			return TryAgain
		},
		ExpireFunc: func() { bExpires++ },
	})
	q.Wait(&Waiter{
		Expiration: time.Now().Add(time.Hour),
		TryFunc:    func() TryDirective { return TryAgain },
		ExpireFunc: func() { cExpires++ },
	})

	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue never shut down")
	}

	if aExpires != 0 {
		t.Fatalf("completed waiter expired %d times", aExpires)
	}
	if bExpires != 1 {
		t.Fatalf("pending waiter expired %d times, want exactly 1", bExpires)
	}
	if cExpires != 1 {
		t.Fatalf("unchecked waiter expired %d times, want exactly 1", cExpires)
	}
}

func TestTickerQueuePastExpiration(t *testing.T) {
	q := NewTickerQueue(time.Millisecond)

	// A waiter handed in already expired runs its ExpireFunc immediately and
	// is never queued.
	var expired bool
	q.Wait(&Waiter{
		Expiration: time.Now().Add(-time.Second),
		TryFunc: func() TryDirective {
			t.Fatal("TryFunc run for pre-expired waiter")
			return DontTryAgain
		},
		ExpireFunc: func() { expired = true },
	})
	if !expired {
		t.Fatal("ExpireFunc not run for pre-expired waiter")
	}

	q.waiterMtx.Lock()
	remaining := len(q.waiters)
	q.waiterMtx.Unlock()
	if remaining != 0 {
		t.Fatalf("%d remaining waiters", remaining)
	}
}
