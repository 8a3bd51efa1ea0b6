package pgpool

import (
	"context"

	"github.com/erlorenz/pgunify/pgpool/pgerr"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/sirupsen/logrus"
)

// Client is a scoped handle to a single logical connection, valid only
// inside a WithPgClient callback (or a WithTransaction callback nested
// therein) — spec's PgClient. It is never safe to retain past the callback
// that received it: the envelope releases the underlying connection the
// moment the callback returns.
type Client struct {
	conn        connHandle
	level       int
	preExisting bool
	alwaysQueue bool
	queue       *queue
	logger      *logrus.Entry
	cache       *preparedcache.Manager
}

// Level reports the current transaction nesting depth: 0 outside any
// transaction, 1 inside a top-level BEGIN (or the pre-existing connection's
// transaction), 2+ inside nested SAVEPOINTs.
func (c *Client) Level() int { return c.level }

// Exec runs sql for side effects, queued behind any operation already in
// flight on this client.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	var res Result
	err := c.queue.run(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.conn.Exec(ctx, sql, args...)
		return err
	})
	return res, err
}

// Query runs sql and returns a cursor, queued behind any operation already
// in flight on this client. Callers must Close the returned Rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	var rows Rows
	err := c.queue.run(ctx, func(ctx context.Context) error {
		var err error
		rows, err = c.conn.Query(ctx, sql, args...)
		return err
	})
	return rows, err
}

// QueryRow runs sql expecting at most one row.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) Row {
	var row Row
	_ = c.queue.run(ctx, func(ctx context.Context) error {
		row = c.conn.QueryRow(ctx, sql, args...)
		return nil
	})
	return row
}

// PreparedQuery runs (text, values) through the LRU prepared-statement
// cache described in spec §4.4: named + parameterized queries are PREPAREd
// once per connection and re-EXECUTEd with inline literals thereafter; an
// empty name or no values short-circuits straight to direct execution.
// arrayMode controls whether a top-level []any in values renders as
// PostgreSQL's ARRAY[...] constructor.
func (c *Client) PreparedQuery(ctx context.Context, name, text string, values []any, arrayMode bool) (preparedcache.Result, error) {
	if c.cache == nil {
		res, err := c.conn.Exec(ctx, text, values...)
		if err != nil {
			return preparedcache.Result{}, err
		}
		return preparedcache.Result{RowCount: res.RowsAffected}, nil
	}

	var result preparedcache.Result
	err := c.queue.run(ctx, func(ctx context.Context) error {
		var err error
		result, err = c.cache.ExecuteQuery(ctx, c.conn.cacheKey(), name, text, values, execExecutor{c.conn}, arrayMode)
		return err
	})
	return result, err
}

// WithTransaction drives the nested-transaction state machine of spec §4.3.
// Every call is queued through the per-client serialization slot
// unconditionally, regardless of alwaysQueue, and holds that slot for the
// full BEGIN..COMMIT/ROLLBACK span so no unrelated operation on this client
// can interleave with it. fn itself runs against a context marked as
// already holding the slot (see queue.heldBy), so any operation fn performs
// through tx — Exec, Query, PreparedQuery, or a further nested
// WithTransaction — runs immediately instead of re-entering queue.run and
// waiting on a slot this very call is still holding (which would deadlock
// forever, since nothing else can close it). On success it commits (or
// releases the savepoint); on any error from fn it rolls back (or rolls
// back to the savepoint) and returns fn's error unchanged — a rollback
// failure is logged but never replaces it.
func (c *Client) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Client) error) error {
	return c.queue.run(ctx, func(ctx context.Context) error {
		begin, commit, rollback := txMarkers(c.level, c.preExisting)

		if _, err := c.conn.Exec(ctx, begin); err != nil {
			return &pgerr.TransactionError{Level: c.level, Op: "begin", Err: err}
		}

		nested := &Client{
			conn:        c.conn,
			level:       c.level + 1,
			preExisting: c.preExisting,
			alwaysQueue: c.alwaysQueue,
			queue:       c.queue,
			logger:      c.logger,
			cache:       c.cache,
		}

		cbErr := fn(heldBy(ctx, c.queue), nested)
		if cbErr != nil {
			if _, rbErr := c.conn.Exec(ctx, rollback); rbErr != nil {
				c.logger.WithError(rbErr).WithField("level", c.level).
					Warn("pgpool: rollback failed, propagating original error")
			}
			return cbErr
		}

		if _, err := c.conn.Exec(ctx, commit); err != nil {
			return &pgerr.TransactionError{Level: c.level, Op: "commit", Err: err}
		}
		return nil
	})
}
