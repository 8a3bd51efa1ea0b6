package preparedcache_test

import (
	"context"
	"strings"
	"testing"

	"github.com/erlorenz/pgunify/preparedcache"
)

// fakeExecutor records every SQL statement it is asked to run and lets a
// test inject a one-shot "does not exist" failure for a given EXECUTE, to
// exercise the recovery path without a real server.
type fakeExecutor struct {
	statements   []string
	failNextExec map[string]bool // statement name -> fail once
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failNextExec: make(map[string]bool)}
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...any) (preparedcache.Result, error) {
	f.statements = append(f.statements, sql)

	for name := range f.failNextExec {
		if strings.HasPrefix(sql, "EXECUTE "+name+"(") {
			delete(f.failNextExec, name)
			return preparedcache.Result{}, errStmt("prepared statement \"" + name + "\" does not exist")
		}
	}

	return preparedcache.Result{RowCount: 1}, nil
}

func (f *fakeExecutor) countPrefix(prefix string) int {
	n := 0
	for _, s := range f.statements {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

type errStmt string

func (e errStmt) Error() string { return string(e) }

func TestExecuteQuery_UnnamedOrNoValues_SkipsCache(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 2, nil)
	ex := newFakeExecutor()

	if _, err := mgr.ExecuteQuery(context.Background(), "conn1", "", "select 1", nil, ex, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mgr.ExecuteQuery(context.Background(), "conn1", "q1", "select 1", nil, ex, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := ex.countPrefix("PREPARE"); got != 0 {
		t.Errorf("expected no PREPARE for unnamed/valueless queries, got %d", got)
	}
}

func TestExecuteQuery_LRUEviction(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 2, nil)
	ex := newFakeExecutor()
	ctx := context.Background()

	q := func(text string) {
		if _, err := mgr.ExecuteQuery(ctx, "conn1", "named", text, []any{1}, ex, false); err != nil {
			t.Fatalf("ExecuteQuery(%q) failed: %v", text, err)
		}
	}

	q("select 1 from t1")
	q("select 1 from t2")
	q("select 1 from t3") // evicts t1's statement

	if got := ex.countPrefix("PREPARE"); got != 3 {
		t.Errorf("PREPARE count = %d, want 3", got)
	}
	if got := ex.countPrefix("DEALLOCATE"); got != 1 {
		t.Errorf("DEALLOCATE count = %d, want 1", got)
	}
	if got := ex.countPrefix("EXECUTE"); got != 3 {
		t.Errorf("EXECUTE count = %d, want 3", got)
	}

	// Re-running t1 must PREPARE again since it was evicted.
	q("select 1 from t1")
	if got := ex.countPrefix("PREPARE"); got != 4 {
		t.Errorf("PREPARE count after re-run = %d, want 4", got)
	}
}

func TestExecuteQuery_ZeroCapDisablesCachingEntirely(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 0, nil)
	ex := newFakeExecutor()

	result, err := mgr.ExecuteQuery(context.Background(), "conn1", "named", "select $1", []any{1}, ex, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 1 {
		t.Errorf("RowCount = %d, want 1", result.RowCount)
	}

	if got := ex.countPrefix("PREPARE"); got != 0 {
		t.Errorf("expected no PREPARE with maxPreparedStatements=0, got %d", got)
	}
	if got := ex.countPrefix("EXECUTE"); got != 0 {
		t.Errorf("expected no EXECUTE with maxPreparedStatements=0, got %d", got)
	}
	if len(ex.statements) != 1 || ex.statements[0] != "select $1" {
		t.Fatalf("expected the query to run directly and unmodified, got %v", ex.statements)
	}
}

func TestExecuteQuery_RecoversFromMissingStatement(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 10, nil)
	ex := newFakeExecutor()
	ctx := context.Background()

	if _, err := mgr.ExecuteQuery(ctx, "conn1", "q", "select 1", []any{1}, ex, false); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}

	preparesBefore := ex.countPrefix("PREPARE")

	// Force the next EXECUTE of this statement to report it missing.
	firstPrepareStmt := ex.statements[0]
	name := strings.TrimPrefix(firstPrepareStmt, "PREPARE ")
	name = name[:strings.Index(name, " ")]
	ex.failNextExec[name] = true

	if _, err := mgr.ExecuteQuery(ctx, "conn1", "q", "select 1", []any{1}, ex, false); err != nil {
		t.Fatalf("recovered execute failed: %v", err)
	}

	if got := ex.countPrefix("PREPARE"); got != preparesBefore+1 {
		t.Errorf("expected exactly one additional PREPARE on recovery, got %d (before %d)", got, preparesBefore)
	}
}

func TestExecuteQuery_PrepareFailureFallsBackToDirect(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 10, nil)
	ex := &failingPrepareExecutor{fakeExecutor: newFakeExecutor()}

	result, err := mgr.ExecuteQuery(context.Background(), "conn1", "q", "select 1", []any{1}, ex, false)
	if err != nil {
		t.Fatalf("expected PREPARE failure to be swallowed, got error: %v", err)
	}
	if result.RowCount != 1 {
		t.Errorf("expected direct execution to still run, got RowCount=%d", result.RowCount)
	}
	if ex.countPrefix("EXECUTE") != 0 {
		t.Error("expected no EXECUTE after a failed PREPARE, only a direct query")
	}
}

type failingPrepareExecutor struct {
	*fakeExecutor
}

func (f *failingPrepareExecutor) Exec(ctx context.Context, sql string, args ...any) (preparedcache.Result, error) {
	if strings.HasPrefix(sql, "PREPARE ") {
		f.statements = append(f.statements, sql)
		return preparedcache.Result{}, errStmt("syntax error")
	}
	return f.fakeExecutor.Exec(ctx, sql, args...)
}

func TestCleanupConnection_DeallocatesEverything(t *testing.T) {
	mgr := preparedcache.NewManager("mgr1", 10, nil)
	ex := newFakeExecutor()
	ctx := context.Background()

	if _, err := mgr.ExecuteQuery(ctx, "conn1", "q1", "select 1", []any{1}, ex, false); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.ExecuteQuery(ctx, "conn1", "q2", "select 2", []any{1}, ex, false); err != nil {
		t.Fatal(err)
	}

	mgr.CleanupConnection(ctx, "conn1", ex)

	if got := ex.countPrefix("DEALLOCATE"); got != 2 {
		t.Errorf("DEALLOCATE count = %d, want 2", got)
	}

	stats := mgr.Stats()
	if stats.StringKeyedConnections != 0 {
		t.Errorf("expected string-keyed state to be dropped, got %d", stats.StringKeyedConnections)
	}
}
