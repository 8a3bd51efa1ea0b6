package pgpool

import (
	"context"
	"sync"
)

// queue is the per-client serialization slot spec §4.2/§4.3 calls a
// "chained latest operation reference": a ticket system where each caller
// waits for whatever operation is currently in flight before starting its
// own, giving the same total-order guarantee the spec's single-threaded
// event loop gets for free. When nothing is in flight, run proceeds
// immediately — the queue only serializes overlapping calls, it never adds
// latency to a client used from a single goroutine at a time.
type queue struct {
	mu   sync.Mutex
	tail chan struct{}
}

func newQueue() *queue {
	return &queue{}
}

// holderKey marks a context as already holding a given queue's slot, so an
// operation issued from inside a WithTransaction callback on the same
// client (or a nested tx.* client it was handed) does not try to re-acquire
// the slot its own caller is still holding — see heldBy/run below.
type holderKey struct{}

// heldBy returns a context that run treats as already owning q's slot:
// WithTransaction installs this on the context it hands to its callback, so
// tx.Exec/tx.Query/tx.WithTransaction calls made with that same context (or
// any context derived from it) run immediately instead of enqueuing behind
// the slot WithTransaction itself is still holding for the whole callback.
func heldBy(ctx context.Context, q *queue) context.Context {
	return context.WithValue(ctx, holderKey{}, q)
}

// run waits for the current slot (if any) to settle, installs itself as the
// new slot, and runs fn. A canceled context while waiting returns ctx.Err()
// without ever starting fn; its own slot is still cleared, as soon as the
// operation it was waiting behind settles, so the next waiter is neither
// stuck behind a ticket nobody will close nor let in early.
//
// If ctx already carries this queue's slot (see heldBy), run skips the
// wait/ticket dance entirely and calls fn directly: the caller further up
// the same call stack already holds the slot, and re-enqueuing would wait
// for that caller to finish — which never happens, since it's waiting on us.
func (q *queue) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if held, ok := ctx.Value(holderKey{}).(*queue); ok && held == q {
		return fn(ctx)
	}

	q.mu.Lock()
	wait := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			go func() {
				<-wait
				close(done)
			}()
			return ctx.Err()
		}
	}
	defer close(done)
	return fn(ctx)
}
