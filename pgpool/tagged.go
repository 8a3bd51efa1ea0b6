package pgpool

import (
	"context"
	"database/sql"
	"time"

	"github.com/erlorenz/pgunify/pgpool/pgerr"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// taggedPool is the BackendTagged adaptor: the Go analogue of a
// tagged-template driver instance that owns its own internal connection
// pool. It is realized as an sqlx.DB sitting over stdlib.OpenDBFromPool, so
// database/sql's pooling is really pgxpool underneath — matching
// ngnhng-go-backend-template's db/postgres/postgres.go construction.
// WithPgClient pins one physical connection for the scope of the call
// (sqlx.Connx), which incidentally gives the per-call settings isolation
// spec §4.6 asks the tagged adaptor to synchronize through a pool-wide
// queue for: the pin already prevents settings meant for this call from
// leaking onto a connection handling someone else's call.
type taggedPool struct {
	db        *sqlx.DB
	ownsDB    bool
	poolSize  int32
	superDB   *sqlx.DB
	ownsSuper bool

	cache  *preparedcache.Manager
	sub    *subscriber.Subscriber
	logger *logrus.Entry
	guard  releaseGuard
}

func newTaggedPool(ctx context.Context, cfg Config) (*taggedPool, error) {
	db, ownsDB, poolSize, err := acquireSqlxDB(ctx, cfg, cfg.DSN, cfg.DB)
	if err != nil {
		return nil, err
	}

	superDB, ownsSuper := db, false
	if cfg.SuperuserDSN != "" {
		var err error
		superDB, ownsSuper, _, err = acquireSqlxDB(ctx, cfg, cfg.SuperuserDSN, nil)
		if err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, err
		}
	}

	cache := preparedcache.NewManager(cfg.ManagerID, cfg.MaxPreparedStatements, cfg.Logger)

	p := &taggedPool{
		db: db, ownsDB: ownsDB, poolSize: poolSize,
		superDB: superDB, ownsSuper: ownsSuper,
		cache: cache, logger: cfg.Logger,
	}

	listener := subscriber.NewBackoffListener(func(ctx context.Context) (subscriber.Conn, error) {
		conn, err := stdlib.AcquireConn(p.db.DB)
		if err != nil {
			return nil, err
		}
		return &taggedListenerConn{db: p.db.DB, raw: conn}, nil
	})
	p.sub = subscriber.New(listener, cfg.Logger)

	return p, nil
}

func acquireSqlxDB(ctx context.Context, cfg Config, dsn string, preBuilt *sqlx.DB) (*sqlx.DB, bool, int32, error) {
	if preBuilt != nil {
		return preBuilt, false, int32(preBuilt.Stats().MaxOpenConnections), nil
	}
	if dsn == "" {
		return nil, false, 0, &pgerr.ConfigurationError{Field: "DSN", Reason: "required when no pre-built *sqlx.DB is supplied"}
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "tagged", Err: err}
	}
	if cfg.PoolSize > 0 {
		poolConfig.MaxConns = cfg.PoolSize
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "tagged", Err: err}
	}

	db := sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx")

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, false, 0, &pgerr.DriverLoadError{Backend: "tagged", Err: err}
	}

	return db, true, poolConfig.MaxConns, nil
}

func (p *taggedPool) WithPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	if p.guard.isReleased() {
		return pgerr.ErrPoolReleased
	}
	conn, err := p.db.Connx(ctx)
	if err != nil {
		return &pgerr.DriverLoadError{Backend: "tagged", Err: err}
	}
	defer conn.Close()

	h := &taggedConnHandle{conn: conn}
	return runTxLocalEnvelope(ctx, envelopeDeps{conn: h, logger: p.logger, cache: p.cache}, settings, fn)
}

func (p *taggedPool) WithSuperuserPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error {
	if p.guard.isReleased() {
		return pgerr.ErrPoolReleased
	}
	conn, err := p.superDB.Connx(ctx)
	if err != nil {
		return &pgerr.DriverLoadError{Backend: "tagged", Err: err}
	}
	defer conn.Close()

	h := &taggedConnHandle{conn: conn}
	return runTxLocalEnvelope(ctx, envelopeDeps{conn: h, logger: p.logger, cache: p.cache}, settings, fn)
}

func (p *taggedPool) Listen(ctx context.Context, channel string) (*subscriber.Consumer, error) {
	c, err := p.sub.Subscribe(ctx, channel)
	if err != nil {
		return nil, translateSubscriberError(err)
	}
	return c, nil
}

func (p *taggedPool) PoolSize() int { return int(p.poolSize) }

func (p *taggedPool) CacheStats() preparedcache.Stats { return p.cache.Stats() }
func (p *taggedPool) SubscriberStats() subscriber.Stats { return p.sub.Stats() }

func (p *taggedPool) Release() error {
	if err := p.guard.begin(); err != nil {
		return err
	}
	p.sub.Release()
	if p.ownsSuper {
		p.superDB.Close()
	}
	if p.ownsDB {
		p.db.Close()
	}
	return nil
}

// taggedConnHandle adapts a pinned *sqlx.Conn to connHandle.
type taggedConnHandle struct {
	conn *sqlx.Conn
}

func (h *taggedConnHandle) Exec(ctx context.Context, sql string, args ...any) (Result, error) {
	res, err := h.conn.ExecContext(ctx, rebind(sql), args...)
	if err != nil {
		return Result{}, err
	}
	n, _ := res.RowsAffected()
	return Result{RowsAffected: n}, nil
}

func (h *taggedConnHandle) Query(ctx context.Context, sqlText string, args ...any) (Rows, error) {
	rows, err := h.conn.QueryContext(ctx, rebind(sqlText), args...)
	if err != nil {
		return nil, err
	}
	return sqlRowsAdapter{rows: rows}, nil
}

func (h *taggedConnHandle) QueryRow(ctx context.Context, sqlText string, args ...any) Row {
	return h.conn.QueryRowContext(ctx, rebind(sqlText), args...)
}

func (h *taggedConnHandle) Release() {}

func (h *taggedConnHandle) cacheKey() preparedcache.ClientKey { return h.conn.Conn }

// rebind is a passthrough today — queries in this package use PostgreSQL's
// native $1, $2 placeholders already, which is also sqlx's "dollar" bindvar
// style, so no rewriting is needed. Kept as a named seam because it is
// exactly where sqlx.Rebind(sqlx.DOLLAR, query) would go for a caller that
// writes "?" placeholders.
func rebind(sql string) string { return sql }

// taggedListenerConn adapts a connection checked out of the tagged
// backend's pool via stdlib.AcquireConn to subscriber.Conn — the raw
// *pgx.Conn underneath an sqlx/database-sql driver instance exposes
// LISTEN/NOTIFY the same way the pooled backend's does, once unwrapped.
// Releasing hands the same physical connection back to db's pool instead of
// closing it, via stdlib.ReleaseConn.
type taggedListenerConn struct {
	db  *sql.DB
	raw *pgx.Conn
}

func (c *taggedListenerConn) Listen(ctx context.Context, channel string) error {
	_, err := c.raw.Exec(ctx, subscriber.ListenSQL(channel))
	return err
}

func (c *taggedListenerConn) Unlisten(ctx context.Context, channel string) error {
	_, err := c.raw.Exec(ctx, subscriber.UnlistenSQL(channel))
	return err
}

func (c *taggedListenerConn) WaitForNotification(ctx context.Context) (string, error) {
	n, err := c.raw.WaitForNotification(ctx)
	if err != nil {
		return "", err
	}
	return n.Payload, nil
}

func (c *taggedListenerConn) Release() {
	stdlib.ReleaseConn(c.db, c.raw)
}

var _ Pool = (*taggedPool)(nil)
var _ connHandle = (*taggedConnHandle)(nil)
var _ subscriber.Conn = (*taggedListenerConn)(nil)
