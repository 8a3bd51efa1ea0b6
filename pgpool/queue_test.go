package pgpool

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestQueue_RunsImmediatelyWhenIdle(t *testing.T) {
	q := newQueue()
	ran := false
	err := q.run(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ran {
		t.Fatal("fn never ran")
	}
}

func TestQueue_SerializesOverlappingCalls(t *testing.T) {
	q := newQueue()

	started := make(chan struct{})
	release := make(chan struct{})
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
			return nil
		})
	}()

	<-started

	secondDone := make(chan struct{})
	go func() {
		q.run(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			close(secondDone)
			return nil
		})
	}()

	// The second call must not be able to run while the first still holds
	// the slot.
	select {
	case <-secondDone:
		t.Fatal("second run started before first finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-secondDone

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected order [1 2], got %v", order)
	}
}

func TestQueue_CanceledWaiterReturnsWithoutRunning(t *testing.T) {
	q := newQueue()

	release := make(chan struct{})
	started := make(chan struct{})
	go q.run(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := q.run(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ran {
		t.Fatal("fn should not have run for a canceled waiter")
	}
	close(release)
}

func TestQueue_NextWaiterProceedsAfterCanceledOneClearsItsSlot(t *testing.T) {
	q := newQueue()

	release := make(chan struct{})
	started := make(chan struct{})
	go q.run(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.run(cancelCtx, func(ctx context.Context) error { return nil }); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	thirdRan := make(chan struct{})
	go q.run(context.Background(), func(ctx context.Context) error {
		close(thirdRan)
		return nil
	})

	close(release)

	select {
	case <-thirdRan:
	case <-time.After(time.Second):
		t.Fatal("third run never proceeded after the canceled waiter cleared its slot")
	}
}
