package pgpool

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestClient builds a level-0 Client over a fresh fakeConn, the same
// entry point runTxLocalEnvelope hands a caller.
func newTestClient(conn *fakeConn) *Client {
	return &Client{conn: conn, level: 0, queue: newQueue(), logger: testLogger()}
}

// withDeadline fails the test instead of hanging forever if fn doesn't
// return within d — a deadlocked queue.run would otherwise block go test
// indefinitely.
func withDeadline(t *testing.T, d time.Duration, fn func() error) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(d):
		t.Fatal("operation did not return within the deadline — likely deadlocked")
		return nil
	}
}

func TestWithTransaction_QueryInsideCallbackDoesNotDeadlock(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)

	err := withDeadline(t, 2*time.Second, func() error {
		return c.WithTransaction(context.Background(), func(ctx context.Context, tx *Client) error {
			_, err := tx.Exec(ctx, "select 1")
			return err
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"BEGIN", "select 1", "COMMIT"}
	if len(conn.execs) != len(wantOrder) {
		t.Fatalf("got execs %v, want %v", conn.execs, wantOrder)
	}
	for i, want := range wantOrder {
		if conn.execs[i] != want {
			t.Errorf("exec[%d] = %q, want %q", i, conn.execs[i], want)
		}
	}
}

func TestWithTransaction_MultipleInnerOperationsRunInOrder(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)

	err := withDeadline(t, 2*time.Second, func() error {
		return c.WithTransaction(context.Background(), func(ctx context.Context, tx *Client) error {
			if _, err := tx.Exec(ctx, "insert 1"); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, "insert 2"); err != nil {
				return err
			}
			_ = tx.QueryRow(ctx, "select 2")
			return nil
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"BEGIN", "insert 1", "insert 2", "select 2", "COMMIT"}
	if len(conn.execs) != len(wantOrder) {
		t.Fatalf("got execs %v, want %v", conn.execs, wantOrder)
	}
	for i, want := range wantOrder {
		if conn.execs[i] != want {
			t.Errorf("exec[%d] = %q, want %q", i, conn.execs[i], want)
		}
	}
}

func TestWithTransaction_NestedWithTransactionDoesNotDeadlock(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)

	err := withDeadline(t, 2*time.Second, func() error {
		return c.WithTransaction(context.Background(), func(ctx context.Context, tx *Client) error {
			if tx.Level() != 1 {
				t.Errorf("expected level 1, got %d", tx.Level())
			}
			return tx.WithTransaction(ctx, func(ctx context.Context, tx2 *Client) error {
				if tx2.Level() != 2 {
					t.Errorf("expected level 2, got %d", tx2.Level())
				}
				_, err := tx2.Exec(ctx, "select 1")
				return err
			})
		})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"BEGIN", "SAVEPOINT tx1", "select 1", "RELEASE SAVEPOINT tx1", "COMMIT"}
	if len(conn.execs) != len(wantOrder) {
		t.Fatalf("got execs %v, want %v", conn.execs, wantOrder)
	}
	for i, want := range wantOrder {
		if conn.execs[i] != want {
			t.Errorf("exec[%d] = %q, want %q", i, conn.execs[i], want)
		}
	}
}

func TestWithTransaction_CallbackErrorRollsBackInsteadOfCommit(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)
	innerErr := errors.New("inner failed")

	err := withDeadline(t, 2*time.Second, func() error {
		return c.WithTransaction(context.Background(), func(ctx context.Context, tx *Client) error {
			_, err := tx.Exec(ctx, "select 1")
			if err != nil {
				return err
			}
			return innerErr
		})
	})
	if !errors.Is(err, innerErr) {
		t.Fatalf("expected the inner error, got %v", err)
	}
	if conn.sqlCount("COMMIT") != 0 {
		t.Fatal("must not COMMIT after an inner callback error")
	}
	if conn.sqlCount("ROLLBACK") != 1 {
		t.Fatalf("expected exactly one ROLLBACK, got execs: %v", conn.execs)
	}
}

func TestWithTransaction_ConcurrentTopLevelCallStillSerializes(t *testing.T) {
	conn := newFakeConn()
	c := newTestClient(conn)

	insideTx := make(chan struct{})
	releaseTx := make(chan struct{})

	txDone := make(chan error, 1)
	go func() {
		txDone <- c.WithTransaction(context.Background(), func(ctx context.Context, tx *Client) error {
			close(insideTx)
			<-releaseTx
			_, err := tx.Exec(ctx, "select 1")
			return err
		})
	}()

	<-insideTx

	// A top-level Exec on the same client (a different call, not using the
	// context WithTransaction handed its callback) must still wait for the
	// transaction to finish — the slot is genuinely held, not bypassed.
	otherDone := make(chan struct{})
	go func() {
		c.Exec(context.Background(), "select 2")
		close(otherDone)
	}()

	select {
	case <-otherDone:
		t.Fatal("unrelated top-level Exec ran while the transaction still held the slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(releaseTx)
	if err := <-txDone; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("unrelated top-level Exec never proceeded after the transaction finished")
	}
}
