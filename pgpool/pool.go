// Package pgpool is the unified PostgreSQL client/pool contract described in
// spec §4.1: one surface (WithPgClient, WithSuperuserPgClient, Listen,
// PoolSize, Release) over three backend families with very different
// concurrency, transaction, and prepared-statement semantics — a pooled TCP
// connection pool, a tagged-template-style driver instance, and a single
// long-lived connection standing in for the spec's in-process WASM engine
// (Go has no such engine; see SPEC_FULL.md's non-goals for what is and
// isn't reproduced).
package pgpool

import (
	"context"
	"sync"

	"github.com/erlorenz/pgunify/pgpool/pgerr"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
)

// Backend selects which of the three adaptors New constructs.
type Backend string

const (
	// BackendPooled is a traditional pooled TCP connection, backed by
	// pgxpool.Pool.
	BackendPooled Backend = "pooled"
	// BackendTagged is a single driver instance that owns its own internal
	// pool, backed by sqlx.DB over the pgx stdlib driver.
	BackendTagged Backend = "tagged"
	// BackendSingleConn is one long-lived connection guarded by a mutex,
	// the Go analogue of the spec's in-process WASM engine.
	BackendSingleConn Backend = "singleconn"
)

// DefaultMaxPreparedStatements is the §6 default for
// PG_PREPARED_STATEMENT_CACHE_SIZE, applied by pgconfig when the
// environment variable is unset.
const DefaultMaxPreparedStatements = 100

// Config is the variant-tagged configuration spec §9 calls for: Backend
// picks which fields are read. Supplying a pre-built driver instance
// (Pool/DB/Conn) instead of a DSN hands New a driver it must never tear
// down on Release (spec §4.1, §7 "release ownership").
type Config struct {
	Backend Backend

	// DSN is required unless a pre-built driver instance is supplied.
	DSN string
	// SuperuserDSN, if set, backs WithSuperuserPgClient with a separate
	// elevated-privilege connection pool; if empty, WithSuperuserPgClient
	// behaves exactly like WithPgClient.
	SuperuserDSN string

	// PoolSize bounds pgxpool's MaxConns (BackendPooled and BackendTagged,
	// whose database/sql handle sits over a pgxpool.Pool). Zero uses
	// pgxpool's own default.
	PoolSize int32

	// MaxPreparedStatements bounds the LRU prepared-statement cache each
	// connection keeps (spec §6's PG_PREPARED_STATEMENT_CACHE_SIZE). Zero
	// disables prepared-statement caching entirely: every PreparedQuery
	// call falls through to direct execution. This is Config's literal
	// zero value by design — New never substitutes a default here, since 0
	// is itself a meaningful, spec-mandated setting. pgconfig.Config is
	// where the env var's documented default of 100 is applied before
	// pgpool.New is ever called.
	MaxPreparedStatements int

	// ManagerID is embedded in every minted prepared-statement name so two
	// Managers sharing a server never collide. Defaults to a fresh UUIDv4.
	ManagerID string

	// EnableTracing attaches an OpenTelemetry pgx.QueryTracer to the
	// BackendPooled adaptor's connections.
	EnableTracing bool

	// DataDir is passed through verbatim for BackendSingleConn callers that
	// want to colocate a data directory with the connection (spec §6
	// "persisted state... this layer passes the path through verbatim").
	// pgunify itself never reads it.
	DataDir string

	// Logger receives structured logs for every place spec.md says
	// "logged and swallowed". Defaults to logrus.StandardLogger().
	Logger *logrus.Entry

	// Pool, DB, and Conn let a caller hand pgunify an already-constructed
	// driver instance instead of a DSN; whichever matches Backend is used,
	// and Release never closes it.
	Pool *pgxpool.Pool
	DB   *sqlx.DB
	Conn *pgx.Conn
}

// withDefaults fills in zero-value fields New relies on.
func (cfg Config) withDefaults() Config {
	if cfg.ManagerID == "" {
		cfg.ManagerID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return cfg
}

// Pool is the spec's PgPool contract.
type Pool interface {
	// WithPgClient acquires a connection, optionally installs pg_settings
	// via the session/transaction envelope (§4.2), invokes fn with a
	// *Client, and guarantees commit/rollback and connection release on
	// every exit path. fn's error propagates unchanged.
	WithPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error

	// WithSuperuserPgClient is WithPgClient against an elevated-privilege
	// connection, for operations an application-role connection can't
	// perform (extension management, role administration). Backends
	// without a configured superuser DSN delegate to WithPgClient.
	WithSuperuserPgClient(ctx context.Context, settings map[string]string, fn func(ctx context.Context, c *Client) error) error

	// Listen subscribes to a PostgreSQL NOTIFY channel, sharing one
	// physical LISTEN across every Consumer for the same channel (§4.5).
	Listen(ctx context.Context, channel string) (*subscriber.Consumer, error)

	// PoolSize reports the configured maximum connection count; 1 for
	// BackendSingleConn.
	PoolSize() int

	// Release tears down owned resources. A caller-supplied driver
	// instance is left alive. Calling Release twice returns
	// pgerr.ErrDoubleRelease.
	Release() error
}

// New constructs the Pool variant named by cfg.Backend.
func New(ctx context.Context, cfg Config) (Pool, error) {
	cfg = cfg.withDefaults()

	switch cfg.Backend {
	case BackendPooled:
		return newPooledPool(ctx, cfg)
	case BackendTagged:
		return newTaggedPool(ctx, cfg)
	case BackendSingleConn:
		return newSingleConnPool(ctx, cfg)
	default:
		return nil, &pgerr.ConfigurationError{Field: "Backend", Reason: "must be one of pooled, tagged, singleconn"}
	}
}

// releaseGuard centralizes the double-release check (§7 "release fails
// with DoubleRelease if called more than once") so every backend shares one
// implementation instead of three copies of the same sync.Once-like check.
type releaseGuard struct {
	mu       sync.Mutex
	released bool
}

// begin returns pgerr.ErrDoubleRelease if Release already ran, otherwise
// marks this the first (and only allowed) release and returns nil.
func (g *releaseGuard) begin() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.released {
		return pgerr.ErrDoubleRelease
	}
	g.released = true
	return nil
}

func (g *releaseGuard) isReleased() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}

var _ preparedcache.Executor = execExecutor{} // compile-time interface check
