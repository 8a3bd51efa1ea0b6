// Package pgconfig loads the settings pgunifyd (and any other embedder)
// needs to construct a pgpool.Pool, using the teacher's reflective
// struct-tag parser (flags > env > defaults; command-line flags are parsed
// unless the caller sets Options.SkipFlags) rather than hand-rolling
// os.Getenv calls.
package pgconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/erlorenz/pgunify/config"
	"github.com/erlorenz/pgunify/pgpool"
)

// Config is the flat, parseable shape; Backend/EnableTracing stay strings
// because config.Parse only knows how to default/convert String and Int
// kinds. The backend, Tracing, and GraceTimer accessors derive the typed
// Backend and bool/duration values callers actually want.
type Config struct {
	Backend string `env:"PG_BACKEND" default:"pooled" desc:"pgpool backend: pooled, tagged, or singleconn"`

	DSN          string `env:"PG_DSN" desc:"postgres connection string"`
	SuperuserDSN string `env:"PG_SUPERUSER_DSN" optional:"true" desc:"elevated-privilege connection string; empty falls back to DSN"`

	PoolSize                   int `env:"PG_POOL_SIZE" default:"10" desc:"maximum pooled connections (BackendPooled/BackendTagged only)"`
	PreparedStatementCacheSize int `env:"PG_PREPARED_STATEMENT_CACHE_SIZE" default:"100" desc:"per-connection LRU prepared statement cap; 0 disables caching"`

	// Environment shortens the withPgClient ref-count grace timer from 5s
	// to 500ms when set to anything other than "production" (spec §6).
	Environment string `env:"GO_ENV" default:"production" desc:"deployment environment; non-production shortens internal grace timers"`

	DataDir string `env:"PG_DATA_DIR" optional:"true" desc:"on-disk data directory, passed through verbatim to BackendSingleConn callers"`

	EnableTracing string `env:"PG_ENABLE_TRACING" default:"false" desc:"attach an OpenTelemetry query tracer to BackendPooled connections (true/false)"`

	ManagerID string `env:"PG_MANAGER_ID" optional:"true" desc:"overrides the random UUID used to namespace prepared statement names"`
}

// Load parses environment variables (and, unless opts.SkipFlags is set,
// command-line flags) into a Config, following config.Parse's precedence:
// flags > env > defaults.
func Load(opts config.Options) (Config, error) {
	cfg := Config{}
	if _, err := config.Parse(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("pgconfig: %w", err)
	}
	return cfg, nil
}

// backend maps the parsed string onto pgpool's enum, defaulting to
// BackendPooled for an empty value so a zero-value Config is still usable.
func (c Config) backend() (pgpool.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(c.Backend)) {
	case "", "pooled":
		return pgpool.BackendPooled, nil
	case "tagged":
		return pgpool.BackendTagged, nil
	case "singleconn":
		return pgpool.BackendSingleConn, nil
	default:
		return "", fmt.Errorf("pgconfig: unknown backend %q", c.Backend)
	}
}

// GraceTimer reports the withPgClient reference-count grace period §6
// describes: 5s in production, shortened to 500ms in every other
// environment so test suites don't pay the full grace delay.
func (c Config) GraceTimer() time.Duration {
	if strings.EqualFold(c.Environment, "production") {
		return 5 * time.Second
	}
	return 500 * time.Millisecond
}

// Tracing reports whether EnableTracing parses as true; an unparseable
// value is treated as false rather than raising, matching the rest of this
// package's "never fail a server start over an optional knob" posture.
func (c Config) Tracing() bool {
	b, err := strconv.ParseBool(c.EnableTracing)
	return err == nil && b
}

// PoolConfig builds the pgpool.Config New expects. It does not fill in
// Pool/DB/Conn/Logger — a caller wanting to hand pgunify a pre-built driver
// instance or a non-default logger sets those fields on the returned value
// before calling pgpool.New.
func (c Config) PoolConfig() (pgpool.Config, error) {
	backend, err := c.backend()
	if err != nil {
		return pgpool.Config{}, err
	}

	return pgpool.Config{
		Backend:               backend,
		DSN:                   c.DSN,
		SuperuserDSN:          c.SuperuserDSN,
		PoolSize:              int32(c.PoolSize),
		MaxPreparedStatements: c.PreparedStatementCacheSize,
		ManagerID:             c.ManagerID,
		EnableTracing:         c.Tracing(),
		DataDir:               c.DataDir,
	}, nil
}
