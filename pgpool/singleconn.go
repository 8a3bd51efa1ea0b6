package pgpool

import (
	"context"
	"sync"
	"time"

	"github.com/erlorenz/pgunify/pgpool/pgerr"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// singleConnPool is the BackendSingleConn adaptor: one long-lived *pgx.Conn
// guarded by an exclusive mutex, standing in for the spec's in-process WASM
// engine (see pool.go's package doc and SPEC_FULL.md's non-goals). Every
// WithPgClient call shares the same physical connection, which is why
// settings applied here must be session-level (set_config's local=false)
// and explicitly restored rather than left for a ROLLBACK to undo — the
// connection outlives any one call.
type singleConnPool struct {
	conn *pgx.Conn
	mu   sync.Mutex

	ownsConn bool
	dataDir  string

	cache  *preparedcache.Manager
	sub    *subscriber.Subscriber
	logger *logrus.Entry
	guard  releaseGuard
}

func newSingleConnPool(ctx context.Context, cfg Config) (*singleConnPool, error) {
	conn, ownsConn, err := acquirePgxConn(ctx, cfg)
	if err != nil {
		return nil, err
	}

	cache := preparedcache.NewManager(cfg.ManagerID, cfg.MaxPreparedStatements, cfg.Logger)

	p := &singleConnPool{
		conn: conn, ownsConn: ownsConn, dataDir: cfg.DataDir,
		cache: cache, logger: cfg.Logger,
	}

	// LISTEN needs a connection free to block waiting for notifications;
	// reusing the primary connection would starve every other call for as
	// long as a consumer is parked, so the listener keeps its own dedicated
	// connection to the same DSN, exactly like the pooled and tagged
	// backends' listener connections. A caller-supplied Conn is never used
	// for this: the listener always dials from the DSN.
	listenCfg := cfg
	listenCfg.Conn = nil
	listener := subscriber.NewBackoffListener(func(ctx context.Context) (subscriber.Conn, error) {
		lc, _, err := acquirePgxConn(ctx, listenCfg)
		if err != nil {
			return nil, err
		}
		return &singleConnListenerConn{conn: lc}, nil
	})
	p.sub = subscriber.New(listener, cfg.Logger)

	return p, nil
}

func acquirePgxConn(ctx context.Context, cfg Config) (*pgx.Conn, bool, error) {
	if cfg.Conn != nil {
		return cfg.Conn, false, nil
	}
	if cfg.DSN == "" {
		return nil, false, &pgerr.ConfigurationError{Field: "DSN", Reason: "required when no pre-built *pgx.Conn is supplied"}
	}

	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, false, &pgerr.DriverLoadError{Backend: "singleconn", Err: err}
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, false, &pgerr.DriverLoadError{Backend: "singleconn", Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		conn.Close(ctx)
		return nil, false, &pgerr.DriverLoadError{Backend: "singleconn", Err: err}
	}

	return conn, true, nil
}

// WithPgClient and WithSuperuserPgClient are identical on this backend:
// there is exactly one connection, and no separate superuser DSN concept
// makes sense for a single local/embedded-style connection, so both acquire
// the same mutex-guarded handle.
func (p *singleConnPool) WithPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	return p.withClient(ctx, settings, fn)
}

func (p *singleConnPool) WithSuperuserPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	return p.withClient(ctx, settings, fn)
}

func (p *singleConnPool) withClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	if p.guard.isReleased() {
		return pgerr.ErrPoolReleased
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	h := &singleConnHandle{conn: p.conn}
	return runSessionRestoreEnvelope(ctx, envelopeDeps{conn: h, logger: p.logger, cache: p.cache}, settings, fn)
}

func (p *singleConnPool) Listen(ctx context.Context, channel string) (*subscriber.Consumer, error) {
	c, err := p.sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, translateSubscriberError(err)
	}
	return c, nil
}

// PoolSize is always 1: there is exactly one connection.
func (p *singleConnPool) PoolSize() int { return 1 }

func (p *singleConnPool) CacheStats() preparedcache.Stats { return p.cache.Stats() }
func (p *singleConnPool) SubscriberStats() subscriber.Stats { return p.sub.Stats() }

func (p *singleConnPool) Release() error {
	if err := p.guard.begin(); err != nil {
		return err
	}
	p.sub.Release()
	if p.ownsConn {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.conn.Close(context.Background())
	}
	return nil
}

// singleConnHandle adapts the shared *pgx.Conn to connHandle. Callers reach
// it only while holding singleConnPool.mu, so no further locking happens
// here.
type singleConnHandle struct {
	conn *pgx.Conn
}

func (h *singleConnHandle) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := h.conn.Exec(ctx, sql, args...)
	if err != nil {
		return Result{}, err
	}
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

func (h *singleConnHandle) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := h.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (h *singleConnHandle) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *singleConnHandle) Release() {}

func (h *singleConnHandle) cacheKey() preparedcache.ClientKey { return h.conn }

// singleConnListenerConn adapts the dedicated listener *pgx.Conn to
// subscriber.Conn.
type singleConnListenerConn struct {
	conn *pgx.Conn
}

func (c *singleConnListenerConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, subscriber.ListenSQL(channel))
	return err
}

func (c *singleConnListenerConn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, subscriber.UnlistenSQL(channel))
	return err
}

func (c *singleConnListenerConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *singleConnListenerConn) Release() { c.conn.Close(context.Background()) }

var _ connHandle = (*singleConnHandle)(nil)
var _ subscriber.Conn = (*singleConnListenerConn)(nil)
var _ Pool = (*singleConnPool)(nil)
