package pgpool

import (
	"context"
	"time"

	"github.com/erlorenz/pgunify/pgpool/pgerr"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// pooledPool is the BackendPooled adaptor: a traditional pgxpool.Pool.
// WithPgClient checks a connection out and releases (never ends) it on
// exit; transactions and settings use explicit SQL; LISTEN is backed by a
// dedicated connection held outside the pool for as long as any consumer
// exists, grounded on the teacher's pubsub.Postgres and kv.PostgresStore.
type pooledPool struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	poolSize  int32
	superPool *pgxpool.Pool
	ownsSuper bool

	cache  *preparedcache.Manager
	sub    *subscriber.Subscriber
	logger *logrus.Entry
	guard  releaseGuard
}

func newPooledPool(ctx context.Context, cfg Config) (*pooledPool, error) {
	pool, ownsPool, poolSize, err := acquirePgxPool(ctx, cfg, cfg.DSN, cfg.Pool)
	if err != nil {
		return nil, err
	}

	superPool, ownsSuper := pool, false
	if cfg.SuperuserDSN != "" {
		var err error
		superPool, ownsSuper, _, err = acquirePgxPool(ctx, cfg, cfg.SuperuserDSN, nil)
		if err != nil {
			if ownsPool {
				pool.Close()
			}
			return nil, err
		}
	}

	cache := preparedcache.NewManager(cfg.ManagerID, cfg.MaxPreparedStatements, cfg.Logger)

	p := &pooledPool{
		pool: pool, ownsPool: ownsPool, poolSize: poolSize,
		superPool: superPool, ownsSuper: ownsSuper,
		cache: cache, logger: cfg.Logger,
	}

	listener := subscriber.NewBackoffListener(func(ctx context.Context) (subscriber.Conn, error) {
		conn, err := p.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &pooledListenerConn{conn: conn}, nil
	})
	p.sub = subscriber.New(listener, cfg.Logger)

	return p, nil
}

func acquirePgxPool(ctx context.Context, cfg Config, dsn string, preBuilt *pgxpool.Pool) (*pgxpool.Pool, bool, int32, error) {
	if preBuilt != nil {
		return preBuilt, false, preBuilt.Config().MaxConns, nil
	}
	if dsn == "" {
		return nil, false, 0, &pgerr.ConfigurationError{Field: "DSN", Reason: "required when no pre-built *pgxpool.Pool is supplied"}
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "pooled", Err: err}
	}
	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = cfg.PoolSize
	}
	if cfg.EnableTracing {
		poolConfig.ConnConfig.Tracer = newOtelTracer("pgunify")
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "pooled", Err: err}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "pooled", Err: err}
	}

	return pool, true, poolConfig.MaxConns, nil
}

func (p *pooledPool) WithPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	if p.guard.isReleased() {
		return pgerr.ErrPoolReleased
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return &pgerr.DriverLoadError{Backend: "pooled", Err: err}
	}
	defer conn.Release()

	h := &pooledConnHandle{conn: conn}
	return runTxLocalEnvelope(ctx, envelopeDeps{conn: h, logger: p.logger, cache: p.cache}, settings, fn)
}

func (p *pooledPool) WithSuperuserPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	if p.guard.isReleased() {
		return pgerr.ErrPoolReleased
	}
	conn, err := p.superPool.Acquire(ctx)
	if err != nil {
		return &pgerr.DriverLoadError{Backend: "pooled", Err: err}
	}
	defer conn.Release()

	h := &pooledConnHandle{conn: conn}
	return runTxLocalEnvelope(ctx, envelopeDeps{conn: h, logger: p.logger, cache: p.cache}, settings, fn)
}

func (p *pooledPool) Listen(ctx context.Context, channel string) (*subscriber.Consumer, error) {
	c, err := p.sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, translateSubscriberError(err)
	}
	return c, nil
}

func (p *pooledPool) PoolSize() int { return int(p.poolSize) }

// CacheStats and SubscriberStats satisfy pgmetrics's duck-typed
// statsProvider interface, letting a metrics collector report cache and
// fan-out occupancy without pgpool depending on pgmetrics.
func (p *pooledPool) CacheStats() preparedcache.Stats { return p.cache.Stats() }
func (p *pooledPool) SubscriberStats() subscriber.Stats { return p.sub.Stats() }

func (p *pooledPool) Release() error {
	if err := p.guard.begin(); err != nil {
		return err
	}
	p.sub.Release()
	if p.ownsSuper {
		p.superPool.Close()
	}
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// translateSubscriberError maps subscriber's error taxonomy onto pgerr's,
// so Pool.Listen callers only need to know about pgpool/pgerr.
func translateSubscriberError(err error) error {
	if err == subscriber.ErrReleased {
		return pgerr.ErrSubscriberReleased
	}
	if le, ok := err.(*subscriber.ListenError); ok {
		return &pgerr.ListenError{Channel: le.Channel, Err: le.Err}
	}
	return err
}

// pooledConnHandle adapts *pgxpool.Conn to connHandle.
type pooledConnHandle struct {
	conn *pgxpool.Conn
}

func (h *pooledConnHandle) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	tag, err := h.conn.Exec(ctx, sql, args...)
	if err != nil {
		return Result{}, err
	}
	return Result{RowsAffected: tag.RowsAffected()}, nil
}

func (h *pooledConnHandle) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := h.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (h *pooledConnHandle) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return h.conn.QueryRow(ctx, sql, args...)
}

func (h *pooledConnHandle) Release() {}

func (h *pooledConnHandle) cacheKey() preparedcache.ClientKey { return h.conn }

// pooledListenerConn adapts a dedicated *pgxpool.Conn to subscriber.Conn.
type pooledListenerConn struct {
	conn *pgxpool.Conn
}

func (c *pooledListenerConn) Listen(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, subscriber.ListenSQL(channel))
	return err
}

func (c *pooledListenerConn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.conn.Exec(ctx, subscriber.UnlistenSQL(channel))
	return err
}

func (c *pooledListenerConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.conn.Conn().WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *pooledListenerConn) Release() { c.conn.Release() }

var _ connHandle = (*pooledConnHandle)(nil)
var _ subscriber.Conn = (*pooledListenerConn)(nil)
var _ Pool = (*pooledPool)(nil)
