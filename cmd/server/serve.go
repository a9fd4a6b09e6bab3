package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/aihook"
	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/diameter"
	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/guard"
	"github.com/searchforge/pcf/internal/api"
	"github.com/searchforge/pcf/internal/config"
	"github.com/searchforge/pcf/internal/engine"
	"github.com/searchforge/pcf/internal/health"
	"github.com/searchforge/pcf/internal/profiles"
	"github.com/searchforge/pcf/obs"
	"github.com/searchforge/pcf/quota"
	"github.com/searchforge/pcf/store"
	"github.com/searchforge/pcf/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the policy HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

// app holds the wired components and the order they are released in.
type app struct {
	handler http.Handler
	closers []func(context.Context)
}

func (a *app) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := build(ctx, cfg, logger)
	if a != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			a.close(closeCtx)
		}()
	}
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pcf listening", zap.String("addr", cfg.HTTP.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	return nil
}

// build wires every component. The returned app is non-nil whenever
// something was started, even on error, so the caller can release it.
func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{}

	if cfg.Metrics.Tracing {
		shutdown, err := obs.InitTracer(cfg.Metrics.ServiceName, cfg.Metrics.SampleRatio)
		if err != nil {
			logger.Warn("tracer disabled", zap.Error(err))
		} else {
			a.onClose(func(ctx context.Context) {
				if err := shutdown(ctx); err != nil {
					logger.Warn("tracer shutdown error", zap.Error(err))
				}
			})
		}
	}

	metrics := guard.NewMetrics()
	guards, err := guard.NewSet([]guard.UpstreamConfig{
		cfg.OCS.Upstream.Guard,
		cfg.CGF.Upstream.Guard,
		cfg.AI.Upstream.Guard,
	}, metrics)
	if err != nil {
		return a, fmt.Errorf("guards: %w", err)
	}

	publisher, err := buildEvents(a, cfg, logger)
	if err != nil {
		return a, err
	}

	st := store.New(cfg.Store.Shards)
	quotas := quota.NewManager(st, cfg.Quota.Catalog(),
		quota.WithPublisher(publisher),
		quota.WithLogger(logger.Named("quota")),
	)
	chargingEngine := charging.NewEngine(
		charging.NewRegistry(charging.DefaultRules()...),
		charging.DefaultRateTable(),
	)

	ocs, err := buildOCS(cfg, guards)
	if err != nil {
		return a, err
	}

	var sender diameter.Sender = diameter.LogSender{Logger: logger.Named("cgf")}
	if cfg.CGF.Mode == "http" {
		client, err := newUpstreamClient(cfg.CGF.Upstream, guards)
		if err != nil {
			return a, fmt.Errorf("cgf: %w", err)
		}
		sender = upstream.NewCGF(client)
	}
	dispatcher := diameter.NewGzDispatcher(sender, cfg.CGF.Dispatcher, logger.Named("gz"), publisher)
	a.onClose(func(ctx context.Context) {
		if err := dispatcher.Close(ctx); err != nil {
			logger.Warn("charge records lost on shutdown", zap.Error(err))
		}
	})

	var provider aihook.Provider
	if cfg.AI.Enabled {
		client, err := newUpstreamClient(cfg.AI.Upstream, guards)
		if err != nil {
			return a, fmt.Errorf("predictor: %w", err)
		}
		provider = upstream.NewPredictor(client)
	}
	ai := aihook.NewRegistry(provider, cfg.AI.Timeout, logger.Named("aihook"), publisher)

	var checks []health.Check
	deps := engine.Deps{
		Store:     st,
		Quota:     quotas,
		Charging:  chargingEngine,
		OCS:       ocs,
		AI:        ai,
		Records:   dispatcher,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger.Named("engine"),
	}
	if cfg.Postgres.Enabled {
		if err := profiles.Migrate(ctx, cfg.Postgres.Pool.DSN); err != nil {
			return a, fmt.Errorf("migrate: %w", err)
		}
		pool, err := profiles.OpenPool(ctx, cfg.Postgres.Pool)
		if err != nil {
			return a, fmt.Errorf("postgres: %w", err)
		}
		a.onClose(func(context.Context) { pool.Close() })
		repo := profiles.NewRepository(pool)
		deps.Profiles = repo
		checks = append(checks, health.Check{Name: "postgres", Ping: repo.Ping})
	}

	eng, err := engine.New(deps, cfg.Engine)
	if err != nil {
		return a, fmt.Errorf("engine: %w", err)
	}
	if cfg.App.Seed {
		if err := eng.Seed(ctx); err != nil {
			return a, fmt.Errorf("seed: %w", err)
		}
	}

	sessions, sessionChecks, err := buildSessions(ctx, a, cfg, logger)
	if err != nil {
		return a, err
	}
	checks = append(checks, sessionChecks...)

	router, err := api.NewRouter(api.Config{
		Engine:         eng,
		Diameter:       diameter.NewAdapter(eng, sessions, dispatcher, logger.Named("diameter")),
		Ready:          health.Readyz(health.Config{Checks: checks, Upstreams: guards.States}),
		Logger:         logger.Named("http"),
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})
	if err != nil {
		return a, fmt.Errorf("router: %w", err)
	}
	a.handler = router
	return a, nil
}

func buildEvents(a *app, cfg config.Config, logger *zap.Logger) (events.Publisher, error) {
	var sink events.Sink = events.LogSink{Logger: logger.Named("events")}
	if cfg.Kafka.Enabled {
		kafkaSink, err := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.onClose(func(context.Context) {
			if err := kafkaSink.Close(); err != nil {
				logger.Warn("kafka close error", zap.Error(err))
			}
		})
		sink = kafkaSink
	}
	emitter := events.NewEmitter(sink, cfg.Kafka.Events, logger.Named("events"))
	a.onClose(func(context.Context) { emitter.Close() })
	return emitter, nil
}

func buildOCS(cfg config.Config, guards *guard.Set) (charging.BalanceChecker, error) {
	if cfg.OCS.Mode == "http" {
		client, err := newUpstreamClient(cfg.OCS.Upstream, guards)
		if err != nil {
			return nil, fmt.Errorf("ocs: %w", err)
		}
		return upstream.NewOCS(client), nil
	}
	balance, err := decimal.NewFromString(cfg.OCS.DefaultBalance)
	if err != nil {
		return nil, fmt.Errorf("ocs.default_balance: %w", err)
	}
	return charging.NewLedger(balance), nil
}

func buildSessions(ctx context.Context, a *app, cfg config.Config, logger *zap.Logger) (diameter.SessionStore, []health.Check, error) {
	if cfg.Diameter.SessionStore == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.onClose(func(context.Context) { _ = client.Close() })
		rs := diameter.NewRedisSessionStore(client, cfg.Redis.Prefix, cfg.Diameter.SessionTTL)
		return rs, []health.Check{{Name: "redis", Ping: rs.Ping}}, nil
	}

	ms := diameter.NewMemorySessionStore(cfg.Diameter.SessionTTL)
	if cfg.Diameter.SweepInterval > 0 {
		sweepCtx, cancel := context.WithCancel(ctx)
		a.onClose(func(context.Context) { cancel() })
		go func() {
			ticker := time.NewTicker(cfg.Diameter.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-sweepCtx.Done():
					return
				case <-ticker.C:
					if n := ms.Sweep(); n > 0 {
						logger.Debug("expired sessions swept", zap.Int("count", n))
					}
				}
			}
		}()
	}
	return ms, nil, nil
}

func newUpstreamClient(u config.UpstreamConfig, guards *guard.Set) (*upstream.Client, error) {
	policy, ok := guards.Upstream(u.Guard.Name)
	if !ok {
		return nil, fmt.Errorf("no guard for upstream %q", u.Guard.Name)
	}
	return upstream.NewClient(u.Guard.Name, u.URL, newHTTPClient(u.Guard.Timeout), u.RetryMax, policy)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxConnsPerHost:     128,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
