package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/messaging"
	"github.com/rendis/autoflow/internal/metrics"
	"github.com/rendis/autoflow/internal/records"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/triggers"
	"github.com/rendis/autoflow/internal/validation"
)

// app is the wired process: one engine shared by every transport.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   *store.LibSQLStore
	engine  *engine.Engine
	metrics *metrics.Prom
	hub     *streaming.MemoryHub

	closers []func() error
}

func newLogger(cfg Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logging.ParseLevel(cfg.LogLevel)}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

// openStore opens and migrates the database, returning the migration
// versions it applied.
func openStore(ctx context.Context, cfg Config, logger *slog.Logger) (*store.LibSQLStore, []int, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	applied, err := s.Migrate(ctx)
	if err != nil {
		s.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", slog.Any("versions", applied))
	}
	return s, applied, nil
}

// buildApp wires the store, collaborators, metrics and engine from cfg.
func buildApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewMemoryHub()}

	s, _, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)

	recs, err := a.recordStore()
	if err != nil {
		a.Close()
		return nil, err
	}
	sender, err := a.messageSender()
	if err != nil {
		a.Close()
		return nil, err
	}

	timeout, _ := cfg.webhookTimeout()
	executor := actions.NewExecutor(actions.ExecutorConfig{
		Sender:         sender,
		Records:        recs,
		WebhookTimeout: timeout,
		Logger:         logger,
	})

	ev, err := conditions.NewDefaultEvaluator()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("condition evaluator: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(ev)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("workflow validator: %w", err)
	}

	a.metrics, err = metrics.NewProm(cfg.MetricsNamespace, prometheus.NewRegistry())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	a.engine, err = engine.New(engine.Config{
		Store:     s,
		Runner:    executor,
		Matcher:   triggers.NewMatcher(ev, logger),
		Validator: validator,
		PoolSize:  cfg.PoolSize,
		BatchSize: cfg.SweepBatchSize,
		Recorder:  a.metrics,
		Hub:       a.hub,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.metrics.RegisterPool(a.engine.PoolMetrics); err != nil {
		a.Close()
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return a, nil
}

func (a *app) recordStore() (actions.RecordStore, error) {
	if a.cfg.RedisURL == "" {
		a.logger.Warn("no redis_url set, using in-memory record store")
		return records.NewMemoryStore(), nil
	}
	rs, err := records.NewRedisStore(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis record store: %w", err)
	}
	a.closers = append(a.closers, rs.Close)
	return rs, nil
}

func (a *app) messageSender() (actions.MessageSender, error) {
	if a.cfg.NATSURL == "" {
		a.logger.Warn("no nats_url set, outbound messages are only logged")
		return messaging.NewLogSender(a.logger), nil
	}
	nc, err := messaging.Dial(a.cfg.NATSURL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("nats: %w", err)
	}
	a.closers = append(a.closers, func() error { return drain(nc) })
	return messaging.NewNATSSender(nc, a.cfg.MessageSubjectPrefix, a.logger), nil
}

func drain(nc *nats.Conn) error {
	if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	return nil
}

// Close stops the engine, then releases connections in reverse order.
func (a *app) Close() error {
	if a.engine != nil {
		a.engine.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
