package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/autoflow/internal/engine"
)

// DefaultSchedule sweeps once a minute.
const DefaultSchedule = "@every 60s"

// Target is what the sweeper ticks. Satisfied by *engine.Engine.
type Target interface {
	Sweep(ctx context.Context, now time.Time) (engine.SweepResult, error)
}

// Config holds Sweeper settings.
type Config struct {
	Schedule string // cron spec or descriptor; empty means DefaultSchedule
	Now      func() time.Time
	Logger   *slog.Logger
}

// Sweeper drives periodic sweeps on a cron schedule. Ticks never overlap:
// a tick that fires while the previous sweep is still running is skipped.
type Sweeper struct {
	target   Target
	schedule cron.Schedule
	spec     string
	now      func() time.Time
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflight atomic.Bool
	skipped  atomic.Int64
}

// parser accepts standard five-field specs plus descriptors such as
// "@hourly" and "@every 30s".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a sweep schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return sched, nil
}

// NewSweeper creates a Sweeper. The schedule is parsed up front so a bad
// spec fails at startup.
func NewSweeper(target Target, cfg Config) (*Sweeper, error) {
	if target == nil {
		return nil, fmt.Errorf("sweeper: target is required")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	spec := cfg.Schedule
	if spec == "" {
		spec = DefaultSchedule
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{target: target, schedule: sched, spec: spec, now: now, logger: logger}, nil
}

// Start launches the background loop. An initial sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sweeper started", slog.String("schedule", s.spec))
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	var wg sync.WaitGroup
	defer wg.Wait()

	fire := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Tick(ctx)
		}()
	}

	fire()
	for {
		wait := time.Until(s.schedule.Next(time.Now()))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fire()
		}
	}
}

// Tick runs one sweep unless one is already in flight. It reports whether
// the sweep ran.
func (s *Sweeper) Tick(ctx context.Context) bool {
	if !s.inflight.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.logger.Warn("sweep still running, skipping tick")
		return false
	}
	defer s.inflight.Store(false)

	result, err := s.target.Sweep(ctx, s.now())
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed",
			slog.String("error", err.Error()),
			slog.Int("due", result.Due),
			slog.Int("claimed", result.Claimed),
		)
	}
	return true
}

// Skipped returns how many ticks were dropped by the overlap guard.
func (s *Sweeper) Skipped() int64 { return s.skipped.Load() }

// Next returns when the schedule fires after from.
func (s *Sweeper) Next(from time.Time) time.Time { return s.schedule.Next(from) }

// Stop cancels the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
	return nil
}
