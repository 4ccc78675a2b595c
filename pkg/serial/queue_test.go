package serial

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestRun_SecondWaitsForRelease(t *testing.T) {
	q := New("test")

	firstStarted := make(chan *Baton, 1)
	secondStarted := make(chan struct{})

	q.Run(func(b *Baton) { firstStarted <- b })
	q.Run(func(b *Baton) {
		close(secondStarted)
		b.Release()
	})

	var first *Baton
	select {
	case first = <-firstStarted:
	case <-time.After(time.Second):
		t.Fatal("first callback never ran")
	}

	select {
	case <-secondStarted:
		t.Fatal("second callback ran before first released")
	case <-time.After(50 * time.Millisecond):
	}

	first.Release()

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second callback did not run after release")
	}
}

func TestRun_StrictSubmissionOrder(t *testing.T) {
	q := New("order")
	const n = 50

	var mu sync.Mutex
	var order []int
	active := 0
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		i := i
		q.Run(func(b *Baton) {
			mu.Lock()
			active++
			if active != 1 {
				t.Errorf("callback %d ran with %d holders", i, active)
			}
			order = append(order, i)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			last := len(order) == n
			mu.Unlock()

			b.Release()
			if last {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks did not complete")
	}

	for i, v := range order {
		if v != i {
			t.Fatalf("callback order violated at %d: got %v", i, order)
		}
	}
}

func TestAcquire_CancelledWaiterIsSkipped(t *testing.T) {
	q := New("cancel")
	ctx := context.Background()

	holder, err := q.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Acquire(cctx)
		errCh <- err
	}()

	// Wait for the waiter to be queued before cancelling it.
	deadline := time.Now().Add(time.Second)
	for q.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errCh; err == nil {
		t.Fatal("expected cancelled acquire to fail")
	}

	holder.Release()

	next, err := q.Acquire(ctx)
	if err != nil {
		t.Fatalf("expected queue to be free after release: %v", err)
	}
	next.Release()
}

func TestRelease_TwicePanics(t *testing.T) {
	q := New("twice")
	b, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	b.Release()

	defer func() {
		if recover() == nil {
			t.Error("expected second release to panic")
		}
	}()
	b.Release()
}

func TestQueue_ZeroValueUsable(t *testing.T) {
	var q Queue
	b, err := q.Acquire(context.Background())
	if err != nil {
		t.Fatalf("failed to acquire zero-value queue: %v", err)
	}
	b.Release()
}
