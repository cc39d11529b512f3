// Command server runs the authentication gateway: the browser-facing BFF
// that owns the OIDC login flow, keeps tokens server-side, and proxies
// authorized requests to the resource API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"

	"authgate/internal/audit"
	"authgate/internal/gateway"
	"authgate/internal/oidc"
	"authgate/internal/oidc/loginstate"
	"authgate/internal/platform/config"
	"authgate/internal/platform/httpserver"
	"authgate/internal/platform/logger"
	"authgate/internal/platform/metrics"
	"authgate/internal/platform/redis"
	"authgate/internal/policy"
	"authgate/internal/session"
	"authgate/internal/session/store"
)

func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("gateway exited", "error", err)
		os.Exit(1)
	}
}

// run wires dependencies and owns the server lifecycle. Business logic
// lives in the internal packages; everything here is assembly.
func run(log *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, err := redis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Pending login state: Redis when available so the callback can land on
	// any replica, otherwise in-memory with a background sweeper.
	var states loginstate.Store
	if redisClient != nil {
		states = loginstate.NewRedisStore(redisClient.Client)
	} else {
		mem := loginstate.NewInMemoryStore()
		mem.StartSweeper(time.Minute)
		defer mem.Stop()
		states = mem
	}

	discoveryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	oidcClient, err := oidc.New(discoveryCtx, cfg.OIDC, states, log)
	cancel()
	if err != nil {
		return err
	}

	sessStore, db, err := buildSessionStore(ctx, cfg, redisClient)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	auditor, auditCleanup, err := buildAuditor(ctx, cfg.Audit, log)
	if err != nil {
		return err
	}
	defer auditCleanup()

	m := metrics.New()
	sessions := session.NewManager(
		sessStore, oidcClient, session.NewStaticEnricher(cfg.Roles), auditor, log,
		cfg.Session.TTL, session.WithMetrics(m),
	)

	engine := policy.NewEngine()
	policy.Defaults(engine)

	proxy, err := gateway.NewProxy(cfg.Proxy, m, otel.Tracer("authgate/proxy"))
	if err != nil {
		return err
	}
	handler := gateway.NewHandler(
		oidcClient, sessions, engine, proxy, auditor, m, log,
		cfg.Cookie, cfg.Proxy.Policy,
	)

	var checks []gateway.HealthCheck
	if redisClient != nil {
		checks = append(checks, gateway.HealthCheck{Name: "redis", Probe: redisClient.Health})
	}
	if db != nil {
		checks = append(checks, gateway.HealthCheck{Name: "postgres", Probe: db.PingContext})
	}

	srv := httpserver.New(cfg.Server.Addr, gateway.NewRouter(handler, log, checks...))

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			"addr", cfg.Server.Addr,
			"issuer", cfg.OIDC.Issuer,
			"api", cfg.Proxy.APIBaseURL,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildSessionStore picks the backend by configuration precedence:
// Postgres, then Redis, then in-memory.
func buildSessionStore(ctx context.Context, cfg config.Config, redisClient *redis.Client) (session.Store, *sql.DB, error) {
	if cfg.Postgres.DSN != "" {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return pg, db, nil
	}
	if redisClient != nil {
		return store.NewRedisStore(redisClient.Client), nil, nil
	}
	return store.NewInMemoryStore(), nil, nil
}

// buildAuditor returns the audit pipeline: structured log always, plus an
// async Kafka publisher when brokers are configured.
func buildAuditor(ctx context.Context, cfg config.Audit, log *slog.Logger) (audit.Publisher, func(), error) {
	logSink := audit.NewLogPublisher(log)
	if len(cfg.Brokers) == 0 {
		return logSink, func() {}, nil
	}

	kafka, err := audit.NewKafkaPublisher(cfg.Brokers, cfg.Topic, log)
	if err != nil {
		return nil, nil, err
	}

	async := audit.NewAsyncPublisher(audit.MultiPublisher{logSink, kafka}, 256, log)
	workerCtx, cancel := context.WithCancel(ctx)
	go func() { _ = async.Run(workerCtx) }()

	cleanup := func() {
		cancel()
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFlush()
		if err := kafka.Close(flushCtx); err != nil {
			log.Warn("audit flush failed", "error", err)
		}
	}
	return async, cleanup, nil
}
