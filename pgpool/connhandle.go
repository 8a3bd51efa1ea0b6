package pgpool

import (
	"context"

	"github.com/erlorenz/pgunify/preparedcache"
)

// Row is satisfied directly by *pgx.Row and *sql.Row; no adaptor needed.
type Row interface {
	Scan(dest ...any) error
}

// Rows is satisfied directly by pgx.Rows; database/sql.Rows is wrapped by
// sqlRowsAdapter because its Close returns an error ours discards (mirroring
// how callers already treat Close as best-effort cleanup).
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Result is the backend-agnostic shape of a non-query Exec outcome.
type Result struct {
	RowsAffected int64
}

// connHandle is the minimal per-connection contract every backend adaptor
// implements. Client and the envelope talk only to this — never to a
// concrete *pgx.Conn, *pgxpool.Conn, or *sql.Conn directly — so the
// envelope, transaction state machine, and queueing logic are written once
// and shared across all three backends.
type connHandle interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row

	// Release is a no-op in all three adaptors: each backend's WithPgClient
	// returns the underlying connection itself (pool checkin, or nothing for
	// the single long-lived connection) once the envelope finishes.
	Release()

	// cacheKey identifies this connection to preparedcache.Manager.
	cacheKey() preparedcache.ClientKey
}

// execExecutor adapts a connHandle to preparedcache.Executor so the cache
// manager never needs to know which backend it is driving.
type execExecutor struct {
	conn connHandle
}

func (e execExecutor) Exec(ctx context.Context, sql string, args ...any) (preparedcache.Result, error) {
	res, err := e.conn.Exec(ctx, sql, args...)
	if err != nil {
		return preparedcache.Result{}, err
	}
	return preparedcache.Result{RowCount: res.RowsAffected}, nil
}

// sqlRowsAdapter makes *sql.Rows satisfy Rows.
type sqlRowsAdapter struct {
	rows interface {
		Next() bool
		Scan(dest ...any) error
		Err() error
		Close() error
	}
}

func (a sqlRowsAdapter) Next() bool              { return a.rows.Next() }
func (a sqlRowsAdapter) Scan(dest ...any) error  { return a.rows.Scan(dest...) }
func (a sqlRowsAdapter) Err() error              { return a.rows.Err() }
func (a sqlRowsAdapter) Close()                  { _ = a.rows.Close() }
