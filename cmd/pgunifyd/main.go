// Command pgunifyd wires pgconfig -> pgpool -> pgmetrics -> a minimal HTTP
// surface (health + /metrics), demonstrating how an embedder starts and
// tears down a pgunify pool.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erlorenz/pgunify/config"
	"github.com/erlorenz/pgunify/pgconfig"
	"github.com/erlorenz/pgunify/pgmetrics"
	"github.com/erlorenz/pgunify/pgpool"
	"github.com/erlorenz/pgunify/preparedcache"
	"github.com/erlorenz/pgunify/subscriber"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	logger := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := pgconfig.Load(config.Options{UseBuildInfo: true})
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		log.Fatalf("building pool config: %v", err)
	}
	poolCfg.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgpool.New(ctx, poolCfg)
	if err != nil {
		log.Fatalf("connecting to postgres (backend=%s): %v", poolCfg.Backend, err)
	}
	defer func() {
		if err := pool.Release(); err != nil {
			logger.WithError(err).Warn("pgunifyd: pool release failed")
		}
	}()

	metrics := pgmetrics.NewMetrics(prometheus.DefaultRegisterer, "pgunify", logger)
	watchPool(ctx, metrics, pool)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler(pool))
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":8080",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// The server goroutine and the shutdown-on-signal goroutine are run
	// under one errgroup so a failure in either stops the other: if
	// ListenAndServe exits for a reason other than a clean Shutdown, the
	// group's context also cancels, so a caller of g.Wait sees the real
	// cause instead of hanging on an unrelated signal wait.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logger.Infof("pgunifyd listening on %s (backend=%s)", srv.Addr, poolCfg.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("pgunifyd: %v", err)
	}
}

// healthHandler performs a trivial round trip against the pool to confirm
// it can still reach PostgreSQL.
func healthHandler(pool pgpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		err := pool.WithPgClient(reqCtx, nil, func(ctx context.Context, c *pgpool.Client) error {
			_, err := c.Exec(ctx, "SELECT 1")
			return err
		})
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("unhealthy: " + err.Error()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}

// statsProvider mirrors pgmetrics's unexported interface; every concrete
// backend pgpool.New returns satisfies it, even though pgpool.Pool itself
// only promises PoolSize.
type statsProvider interface {
	PoolSize() int
	CacheStats() preparedcache.Stats
	SubscriberStats() subscriber.Stats
}

// watchPool starts pgmetrics' scrape loop if pool exposes the stats
// accessors pgmetrics needs.
func watchPool(ctx context.Context, metrics *pgmetrics.Metrics, pool pgpool.Pool) {
	sp, ok := pool.(statsProvider)
	if !ok {
		return
	}
	go metrics.Watch(ctx, sp, 15*time.Second)
}
