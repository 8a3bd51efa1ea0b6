// Package preparedcache implements the LRU server-side prepared-statement
// cache that sits above backends that do not cache PREPAREd statements
// natively. It tracks each statement under a digest of the query text and
// parameter count, mints its server-side name from a per-connection
// counter, evicts the least-recently-used entry via
// DEALLOCATE when a connection's statement set grows past its cap, and
// recovers transparently when the server reports a statement missing
// (e.g. after a connection was silently recycled).
//
// Values are never sent as bind parameters to EXECUTE — the backends this
// cache was built for don't expose parameterized EXECUTE for a named
// prepared statement, so every value is formatted inline as a SQL literal.
package preparedcache

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound names the cache-miss condition. No function in this package
// returns it: connState.lookup reports a miss with a nil entry, so callers
// of Manager never see it.
var ErrNotFound = errors.New("preparedcache: statement not found")

// ClientKey identifies the connection a prepared-statement cache entry
// belongs to. It is either a string (tracked strongly, subject to the
// 100-entry oldest-eviction guard) or one of the recognized connection
// pointer types (*pgx.Conn, *pgxpool.Conn, *sql.Conn — tracked until the
// connection is collected, via runtime.AddCleanup). See manager.go's
// Manager.state for the type switch that dispatches on it.
type ClientKey = any

// Result is the shape every Executor must return: rows and how many were
// affected/returned, passed straight through to the caller.
type Result struct {
	Rows     [][]any
	RowCount int64
}

// Executor runs a single SQL statement (PREPARE, EXECUTE, DEALLOCATE, or a
// direct query) against one physical connection and maps the driver's
// response into a Result. Implementations are provided by the pgpool
// backends; preparedcache never talks to a driver directly.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (Result, error)
}

// isDoesNotExist reports whether err is the class of error PostgreSQL
// raises when EXECUTE targets a statement name the server no longer holds
// (dropped by a RESET, a connection recycle, or an out-of-band DISCARD).
// Matching on the message text mirrors the spec's own recovery rule: the
// condition is "the executor reports an error whose message contains
// 'does not exist'".
func isDoesNotExist(err error) bool {
	return err != nil && strings.Contains(err.Error(), "does not exist")
}
