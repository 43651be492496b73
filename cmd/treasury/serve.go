package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/helm-treasury/pkg/api"
	"github.com/Mindburn-Labs/helm-treasury/pkg/authz"
	"github.com/Mindburn-Labs/helm-treasury/pkg/config"
	"github.com/Mindburn-Labs/helm-treasury/pkg/events"
	"github.com/Mindburn-Labs/helm-treasury/pkg/observability"
	"github.com/Mindburn-Labs/helm-treasury/pkg/policyrules"
	"github.com/Mindburn-Labs/helm-treasury/pkg/service"
	"github.com/Mindburn-Labs/helm-treasury/pkg/store"
	"github.com/Mindburn-Labs/helm-treasury/pkg/treasury"
)

// app holds everything a command needs, plus how to release it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	store  *store.SQLStore
	redis  *redis.Client
	tp     *observability.Provider
	svc    *service.Service
}

func (rt *app) Close(ctx context.Context) {
	if rt.tp != nil {
		if err := rt.tp.Shutdown(ctx); err != nil {
			rt.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if rt.redis != nil {
		_ = rt.redis.Close()
	}
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

// openStore connects to the configured database and migrates the schema.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sql.DB, *store.SQLStore, error) {
	dialect, err := store.ParseDialect(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(dialect.DriverName(), cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", dialect.DriverName(), err)
	}
	if dialect == store.DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping %s: %w", dialect.DriverName(), err)
	}
	st := store.NewSQLStore(db, dialect)
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Info("database ready", "driver", dialect.DriverName())
	return db, st, nil
}

// loadRules compiles the CEL rules named by RULES_FILE, if any.
func loadRules(cfg *config.Config) ([]treasury.Guard, error) {
	if cfg.RulesFile == "" {
		return nil, nil
	}
	doc, err := config.LoadBootstrap(cfg.RulesFile)
	if err != nil {
		return nil, err
	}
	rs, err := policyrules.Compile(doc.Rules)
	if err != nil {
		return nil, err
	}
	if rs.Len() == 0 {
		return nil, nil
	}
	return []treasury.Guard{rs}, nil
}

// setup wires config, storage, telemetry and the service layer.
func setup(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt := &app{cfg: cfg, logger: newLogger(cfg, stderr)}

	guards, err := loadRules(cfg)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}

	rt.db, rt.store, err = openStore(ctx, cfg, rt.logger)
	if err != nil {
		return nil, err
	}

	tcfg := observability.DefaultConfig()
	tcfg.ServiceVersion = cfg.ServiceVersion
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.Enabled = cfg.OTLPEndpoint != ""
	tcfg.Insecure = cfg.Environment == "development"
	tcfg.ErrorKind = treasury.KindOf
	rt.tp, err = observability.New(ctx, tcfg)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	var publisher events.Publisher
	if cfg.RedisAddr != "" {
		rt.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		publisher = events.NewRedisPublisher(rt.redis, 10_000)
	}

	acl, err := authz.LoadEngine(ctx, rt.store)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.svc, err = service.New(ctx, service.Options{
		Store:     rt.store,
		ACL:       acl,
		Engine:    treasury.NewEngine(guards...),
		Publisher: publisher,
		Issuer:    authz.NewIssuer([]byte(cfg.AdminTokenSecret), cfg.AdminTokenTTL),
		Telemetry: rt.tp,
		Logger:    rt.logger.With("component", "treasury"),
	})
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

func runServer(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}
	defer rt.Close(context.Background())

	limiter := api.NewCallerRateLimiter(rt.cfg.RateLimit, rt.cfg.RateBurst)
	defer limiter.Close()

	var idem api.IdempotencyStore
	if rt.redis != nil {
		idem = api.NewRedisIdempotencyStore(rt.redis, 24*time.Hour)
	} else {
		mem := api.NewMemoryIdempotencyStore(24 * time.Hour)
		defer mem.Close()
		idem = mem
	}

	srv := api.NewServer(rt.svc, authz.NewVerifier([]byte(rt.cfg.AdminTokenSecret)), rt.logger.With("component", "api"))
	httpServer := &http.Server{
		Addr:              ":" + rt.cfg.Port,
		Handler:           srv.Handler(limiter, idem),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("treasury api listening", "addr", httpServer.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		rt.logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "treasury: %v\n", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		rt.logger.Error("shutdown failed", "error", err)
		return 1
	}
	fmt.Fprintln(stdout, "stopped")
	return 0
}

func runMigrateCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	db, _, err := openStore(ctx, cfg, newLogger(cfg, stderr))
	if err != nil {
		fmt.Fprintf(stderr, "treasury: %v\n", err)
		return 1
	}
	_ = db.Close()
	fmt.Fprintln(stdout, "schema up to date")
	return 0
}
