package pgpool

import (
	"context"
	"errors"
	"sync"

	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/sirupsen/logrus"
)

// fakeConn is a connHandle double shared by queue_test.go, txstate_test.go,
// settings_test.go, and envelope_test.go. It records every statement it is
// asked to run and lets a test script canned failures or probe responses
// without a real server, the same fakeExecutor-style double preparedcache's
// own tests use.
type fakeConn struct {
	mu        sync.Mutex
	execs     []string
	execArgs  [][]any
	failOnce  map[string]error
	probeVals map[string]*string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		failOnce:  make(map[string]error),
		probeVals: make(map[string]*string),
	}
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	f.execArgs = append(f.execArgs, args)

	if err, ok := f.failOnce[sql]; ok {
		delete(f.failOnce, sql)
		return Result{}, err
	}
	return Result{RowsAffected: 1}, nil
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return nil, errors.New("fakeConn: Query not used by these tests")
}

func (f *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	f.mu.Lock()
	f.execs = append(f.execs, sql)
	f.execArgs = append(f.execArgs, args)
	f.mu.Unlock()

	var key string
	if len(args) > 0 {
		key, _ = args[0].(string)
	}
	return &fakeRow{val: f.probeVals[key]}
}

func (f *fakeConn) Release() {}

func (f *fakeConn) cacheKey() preparedcache.ClientKey { return "fake-conn" }

// sqlCount returns how many times sql was passed to Exec.
func (f *fakeConn) sqlCount(sql string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.execs {
		if s == sql {
			n++
		}
	}
	return n
}

type fakeRow struct {
	val *string
}

func (r *fakeRow) Scan(dest ...any) error {
	ptr, ok := dest[0].(**string)
	if !ok {
		return errors.New("fakeRow: unexpected scan target")
	}
	*ptr = r.val
	return nil
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(discardWriter{})
	return logrus.NewEntry(l)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
