package pgpool

import (
	"context"
	"errors"
	"testing"
)

func TestRunTxLocalEnvelope_NoSettingsSkipsTransaction(t *testing.T) {
	conn := newFakeConn()
	called := false

	err := runTxLocalEnvelope(context.Background(), envelopeDeps{conn: conn, logger: testLogger()}, nil,
		func(ctx context.Context, c *Client) error {
			called = true
			if c.Level() != 0 {
				t.Errorf("expected level 0, got %d", c.Level())
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("callback never ran")
	}
	if len(conn.execs) != 0 {
		t.Fatalf("expected no SQL when there are no settings, got %v", conn.execs)
	}
}

func TestRunTxLocalEnvelope_SuccessCommitsAfterApplyingSettings(t *testing.T) {
	conn := newFakeConn()

	err := runTxLocalEnvelope(context.Background(), envelopeDeps{conn: conn, logger: testLogger()},
		map[string]string{"search_path": "app"},
		func(ctx context.Context, c *Client) error {
			if c.Level() != 1 {
				t.Errorf("expected level 1 inside the envelope, got %d", c.Level())
			}
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantOrder := []string{"BEGIN", settingsSQL(true), "COMMIT"}
	if len(conn.execs) != len(wantOrder) {
		t.Fatalf("got execs %v, want %v", conn.execs, wantOrder)
	}
	for i, want := range wantOrder {
		if conn.execs[i] != want {
			t.Errorf("exec[%d] = %q, want %q", i, conn.execs[i], want)
		}
	}
}

func TestRunTxLocalEnvelope_CallbackErrorRollsBackInsteadOfCommit(t *testing.T) {
	conn := newFakeConn()
	cbErr := errors.New("callback failed")

	err := runTxLocalEnvelope(context.Background(), envelopeDeps{conn: conn, logger: testLogger()},
		map[string]string{"search_path": "app"},
		func(ctx context.Context, c *Client) error { return cbErr })

	if !errors.Is(err, cbErr) {
		t.Fatalf("expected the original callback error, got %v", err)
	}
	if conn.sqlCount("COMMIT") != 0 {
		t.Fatal("must not COMMIT after a callback error")
	}
	if conn.sqlCount("ROLLBACK") != 1 {
		t.Fatalf("expected exactly one ROLLBACK, got execs: %v", conn.execs)
	}
}

func TestRunTxLocalEnvelope_SettingsApplyFailureRollsBack(t *testing.T) {
	conn := newFakeConn()
	conn.failOnce[settingsSQL(true)] = errors.New("set_config failed")

	err := runTxLocalEnvelope(context.Background(), envelopeDeps{conn: conn, logger: testLogger()},
		map[string]string{"search_path": "app"},
		func(ctx context.Context, c *Client) error {
			t.Fatal("callback should not run once applying settings fails")
			return nil
		})
	if err == nil {
		t.Fatal("expected an error")
	}
	if conn.sqlCount("ROLLBACK") != 1 {
		t.Fatalf("expected a rollback after set_config failure, got execs: %v", conn.execs)
	}
}

func TestRunSessionRestoreEnvelope_RestoresSettingsOnSuccessAndFailure(t *testing.T) {
	for _, cbErr := range []error{nil, errors.New("callback failed")} {
		conn := newFakeConn()
		prior := "10MB"
		conn.probeVals["work_mem"] = &prior

		err := runSessionRestoreEnvelope(context.Background(), envelopeDeps{conn: conn, logger: testLogger()},
			map[string]string{"work_mem": "64MB"},
			func(ctx context.Context, c *Client) error { return cbErr })

		if cbErr == nil && err != nil {
			t.Fatalf("unexpected error on success path: %v", err)
		}
		if cbErr != nil && !errors.Is(err, cbErr) {
			t.Fatalf("expected original callback error, got %v", err)
		}
		if conn.sqlCount(settingsSQL(false)) < 2 {
			t.Fatalf("expected at least two session-level set_config calls (apply + restore), got execs: %v", conn.execs)
		}
	}
}
