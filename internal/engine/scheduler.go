package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/actions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultBatchSize bounds how many due steps one sweep picks up.
const DefaultBatchSize = 100

// StepRunner executes one step's action. Satisfied by *actions.Executor.
type StepRunner interface {
	Run(ctx context.Context, kind schema.ActionKind, config map[string]any, vars expressions.Vars) (actions.Result, error)
}

// startGrace is how old a pending execution without step rows must be
// before a sweep restarts it. Younger ones may still be starting elsewhere.
const startGrace = time.Minute

// recordTimeout bounds the store writes that record a step's outcome.
// They run detached from the sweep's context once the step is claimed.
const recordTimeout = 30 * time.Second

// SweepResult summarizes one sweep.
type SweepResult struct {
	Resumed   int `json:"resumed"` // stalled executions whose start was retried
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Lost      int `json:"lost"`   // not claimed here: taken elsewhere or unreadable
	Errors    int `json:"errors"` // persistence errors after the claim; the step stays running
}

type stepOutcome int

const (
	outcomeLost stepOutcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeError
)

// Scheduler persists step runs as due-time rows and executes the due ones
// on each sweep. It keeps no timers; every delay lives in the store.
type Scheduler struct {
	store     store.Store
	runner    StepRunner
	pool      *WorkerPool
	execFSM   *ExecutionFSM
	stepFSM   *StepFSM
	now       func() time.Time
	batchSize int
	recorder  Recorder
	hub       streaming.Hub
	logger    *slog.Logger
}

// SchedulerConfig holds the scheduler's collaborators.
type SchedulerConfig struct {
	Store     store.Store
	Runner    StepRunner
	Pool      *WorkerPool
	ExecFSM   *ExecutionFSM
	StepFSM   *StepFSM
	Now       func() time.Time
	BatchSize int
	Recorder  Recorder
	Hub       streaming.Hub
	Logger    *slog.Logger
}

// NewScheduler creates a Scheduler. Missing FSMs, clock, recorder and
// logger get defaults; Store, Runner and Pool are required.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExecFSM == nil {
		cfg.ExecFSM = NewExecutionFSM(cfg.Now)
	}
	if cfg.StepFSM == nil {
		cfg.StepFSM = NewStepFSM(cfg.Now)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		store:     cfg.Store,
		runner:    cfg.Runner,
		pool:      cfg.Pool,
		execFSM:   cfg.ExecFSM,
		stepFSM:   cfg.StepFSM,
		now:       cfg.Now,
		batchSize: cfg.BatchSize,
		recorder:  cfg.Recorder,
		hub:       cfg.Hub,
		logger:    cfg.Logger,
	}
}

// Start schedules the first step of a pending execution and flips it to
// running. An execution whose workflow has no steps completes immediately.
func (s *Scheduler) Start(ctx context.Context, exec *store.Execution) error {
	ctx = logging.WithIDs(ctx, exec.TenantID, exec.ID, "")
	steps, err := s.store.ListStepDefinitions(ctx, exec.WorkflowID)
	if err != nil {
		return schema.PersistenceError("list step definitions", err)
	}
	now := s.now().UTC()

	if len(steps) == 0 {
		ev, err := s.execFSM.Transition(exec.ID, exec.Status, schema.ExecutionCompleted, map[string]any{"steps": 0})
		if err != nil {
			return err
		}
		if err := s.store.TransitionExecution(ctx, store.ExecutionTransition{
			ExecutionID: exec.ID,
			From:        []schema.ExecutionStatus{schema.ExecutionPending},
			To:          schema.ExecutionCompleted,
			At:          now,
		}, ev); err != nil {
			return err
		}
		s.commitExecution(ctx, exec.Status, schema.ExecutionCompleted)
		s.publish(ctx, exec.TenantID, ev)
		exec.Status = schema.ExecutionCompleted
		return nil
	}

	first := newStepExecution(steps[0], now)
	started, err := s.execFSM.Transition(exec.ID, exec.Status, schema.ExecutionRunning, nil)
	if err != nil {
		return err
	}
	scheduled := s.stepFSM.Scheduled(exec.ID, first.ID, scheduledPayload(first))
	if err := s.store.StartExecution(ctx, exec.ID, first, now, started, scheduled); err != nil {
		return err
	}
	s.commitExecution(ctx, exec.Status, schema.ExecutionRunning)
	s.publish(ctx, exec.TenantID, started, scheduled)
	exec.Status = schema.ExecutionRunning

	logging.LogWith(ctx, s.logger).Debug("execution started",
		slog.String("first_step", first.StepDefinitionID),
		slog.Time("scheduled_at", *first.ScheduledAt),
	)
	return nil
}

// Sweep claims and runs every step due at now, concurrently across
// executions and bounded by the worker pool. It returns once every step it
// dispatched has finished.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	started := time.Now()
	var result SweepResult

	result.Resumed = s.resumeStalled(ctx, now.UTC())

	due, err := s.store.DueSteps(ctx, now.UTC(), s.batchSize)
	if err != nil {
		return result, schema.PersistenceError("select due steps", err)
	}
	result.Due = len(due)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(o stepOutcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeLost:
			result.Lost++
			return
		case outcomeCompleted:
			result.Completed++
		case outcomeFailed:
			result.Failed++
		case outcomeError:
			result.Errors++
		}
		result.Claimed++
	}

	var submitErr error
	for _, st := range due {
		wg.Add(1)
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer wg.Done()
			outcome, err := s.runStep(ctx, st)
			record(outcome)
			return err
		})
		if err != nil {
			// Unsubmitted steps stay pending for the next sweep.
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()

	s.recorder.SweepFinished(result.Due, result.Claimed, result.Completed, result.Failed, result.Lost, time.Since(started))
	if result.Due > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			slog.Int("due", result.Due),
			slog.Int("claimed", result.Claimed),
			slog.Int("completed", result.Completed),
			slog.Int("failed", result.Failed),
			slog.Int("lost", result.Lost),
			slog.Int("errors", result.Errors),
		)
	}
	if submitErr != nil && !errors.Is(submitErr, context.Canceled) {
		return result, fmt.Errorf("dispatch due steps: %w", submitErr)
	}
	return result, nil
}

// resumeStalled retries Start for pending executions that never got their
// first step row, e.g. because the store failed mid-trigger.
func (s *Scheduler) resumeStalled(ctx context.Context, now time.Time) int {
	stalled, err := s.store.StalledExecutions(ctx, now.Add(-startGrace), s.batchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "select stalled executions", slog.String("error", err.Error()))
		return 0
	}
	resumed := 0
	for _, exec := range stalled {
		if err := s.Start(ctx, exec); err != nil {
			log := logging.LogWith(logging.WithIDs(ctx, exec.TenantID, exec.ID, ""), s.logger)
			if schema.IsCode(err, schema.ErrCodeInvalidTransition) {
				log.Debug("stalled execution started elsewhere")
			} else {
				log.Error("restart stalled execution", slog.String("error", err.Error()))
			}
			continue
		}
		resumed++
	}
	if resumed > 0 {
		s.logger.InfoContext(ctx, "restarted stalled executions", slog.Int("count", resumed))
	}
	return resumed
}

// runStep claims one due step, runs its action and records the outcome.
// Everything the action needs is read before the claim, so a read failure
// leaves the step pending for the next sweep.
func (s *Scheduler) runStep(ctx context.Context, st *store.StepExecution) (stepOutcome, error) {
	exec, err := s.store.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load execution", slog.String("execution_id", st.ExecutionID), slog.String("error", err.Error()))
		return outcomeLost, err
	}
	ctx = logging.WithIDs(ctx, exec.TenantID, exec.ID, st.ID)
	log := logging.LogWith(ctx, s.logger)

	defs, err := s.store.ListStepDefinitions(ctx, exec.WorkflowID)
	if err != nil {
		log.Error("load step definitions", slog.String("error", err.Error()))
		return outcomeLost, err
	}
	vars, err := s.buildVars(ctx, exec)
	if err != nil {
		log.Error("build variables", slog.String("error", err.Error()))
		return outcomeLost, err
	}

	startEv, err := s.stepFSM.Transition(exec.ID, st.ID, st.Status, schema.StepRunning, nil)
	if err != nil {
		return outcomeLost, err
	}
	claimed, err := s.store.ClaimStep(ctx, st.ID, s.now().UTC(), startEv)
	if err != nil {
		log.Error("claim step", slog.String("error", err.Error()))
		return outcomeLost, err
	}
	if !claimed {
		log.Debug("step already claimed")
		return outcomeLost, nil
	}
	// Once claimed, the step must reach a terminal status: a cancelled sweep
	// no longer interrupts the action or the writes that record it.
	ctx = context.WithoutCancel(ctx)
	s.publish(ctx, exec.TenantID, startEv)

	current, next := locateStep(defs, st.StepDefinitionID)
	if current == nil {
		return s.fail(ctx, exec, st, schema.NewErrorf(schema.ErrCodeNotFound,
			"step definition %q no longer exists", st.StepDefinitionID))
	}

	began := time.Now()
	res, runErr := s.execute(ctx, *current, vars)
	elapsed := time.Since(began)

	if runErr != nil {
		s.recorder.StepFinished(string(current.ActionKind), string(schema.StepFailed), elapsed)
		log.Warn("step failed",
			slog.String("action", string(current.ActionKind)),
			slog.String("error", runErr.Error()),
		)
		return s.fail(ctx, exec, st, runErr)
	}
	s.recorder.StepFinished(string(current.ActionKind), string(schema.StepCompleted), elapsed)
	return s.complete(ctx, exec, st, res, next, elapsed)
}

// execute runs the action, converting a panic into a step failure so the
// step never stays running.
func (s *Scheduler) execute(ctx context.Context, def schema.StepDefinition, vars expressions.Vars) (res actions.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.ActionError(def.ActionKind, "panic: %v", r)
		}
	}()
	return s.runner.Run(ctx, def.ActionKind, def.ActionConfig, vars)
}

func (s *Scheduler) complete(ctx context.Context, exec *store.Execution, st *store.StepExecution, res actions.Result, next *schema.StepDefinition, elapsed time.Duration) (stepOutcome, error) {
	at := s.now().UTC()
	stepEv, err := s.stepFSM.Transition(exec.ID, st.ID, schema.StepRunning, schema.StepCompleted,
		map[string]any{"action": string(st.ActionKind), "duration_ms": elapsed.Milliseconds()})
	if err != nil {
		return outcomeError, err
	}

	c := store.StepCompletion{
		StepID:      st.ID,
		ExecutionID: exec.ID,
		Result:      map[string]any(res),
		At:          at,
		StepEvents:  []*store.Event{stepEv},
	}
	if next != nil {
		c.Next = newStepExecution(*next, at)
		c.ChainEvents = []*store.Event{s.stepFSM.Scheduled(exec.ID, c.Next.ID, scheduledPayload(c.Next))}
	} else {
		done, err := s.execFSM.Transition(exec.ID, schema.ExecutionRunning, schema.ExecutionCompleted, nil)
		if err != nil {
			return outcomeError, err
		}
		c.ChainEvents = []*store.Event{done}
	}

	wctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	status, err := s.store.CompleteStep(wctx, c)
	if err != nil {
		logging.LogWith(ctx, s.logger).Error("record step completion", slog.String("error", err.Error()))
		return outcomeError, err
	}
	_ = s.stepFSM.Committed(schema.StepRunning, schema.StepCompleted)
	s.publish(ctx, exec.TenantID, c.StepEvents...)
	if status == schema.ExecutionRunning || status == schema.ExecutionCompleted {
		s.publish(ctx, exec.TenantID, c.ChainEvents...)
	}
	if next == nil && status == schema.ExecutionCompleted {
		s.commitExecution(ctx, schema.ExecutionRunning, schema.ExecutionCompleted)
	}
	return outcomeCompleted, nil
}

func (s *Scheduler) fail(ctx context.Context, exec *store.Execution, st *store.StepExecution, cause error) (stepOutcome, error) {
	msg := cause.Error()
	stepEv, err := s.stepFSM.Transition(exec.ID, st.ID, schema.StepRunning, schema.StepFailed,
		map[string]any{"action": string(st.ActionKind), "error": msg})
	if err != nil {
		return outcomeError, err
	}
	execEv, err := s.execFSM.Transition(exec.ID, schema.ExecutionRunning, schema.ExecutionFailed,
		map[string]any{"step_id": st.ID, "error": msg})
	if err != nil {
		return outcomeError, err
	}

	wctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	status, err := s.store.FailStep(wctx, store.StepFailure{
		StepID:          st.ID,
		ExecutionID:     exec.ID,
		Error:           msg,
		At:              s.now().UTC(),
		StepEvents:      []*store.Event{stepEv},
		ExecutionEvents: []*store.Event{execEv},
	})
	if err != nil {
		logging.LogWith(ctx, s.logger).Error("record step failure", slog.String("error", err.Error()))
		return outcomeError, err
	}
	_ = s.stepFSM.Committed(schema.StepRunning, schema.StepFailed)
	s.publish(ctx, exec.TenantID, stepEv)
	if status == schema.ExecutionFailed {
		s.publish(ctx, exec.TenantID, execEv)
	}
	if status == schema.ExecutionFailed {
		s.commitExecution(ctx, schema.ExecutionRunning, schema.ExecutionFailed)
	}
	return outcomeFailed, nil
}

// buildVars assembles {trigger, steps, previous, ids} for a step run from
// the immutable trigger snapshot and the completed step results.
func (s *Scheduler) buildVars(ctx context.Context, exec *store.Execution) (expressions.Vars, error) {
	steps, err := s.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return nil, schema.PersistenceError("list step executions", err)
	}
	var outputs []expressions.StepOutput
	for _, st := range steps {
		if st.Status == schema.StepCompleted {
			outputs = append(outputs, expressions.StepOutput{Order: st.StepOrder, Output: st.Result})
		}
	}
	return expressions.BuildVars(exec.TriggerData, outputs, map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"tenant_id":    exec.TenantID,
	}), nil
}

func (s *Scheduler) commitExecution(ctx context.Context, from, to schema.ExecutionStatus) {
	if err := s.execFSM.Committed(from, to); err != nil {
		logging.LogWith(ctx, s.logger).Warn("execution hook failed",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
	}
}

// publish relays committed audit events to live subscribers. Delivery is
// best effort; the audit log stays authoritative.
func (s *Scheduler) publish(ctx context.Context, tenantID string, events ...*store.Event) {
	if s.hub == nil {
		return
	}
	for _, ev := range events {
		if err := s.hub.Publish(ctx, streaming.FromStore(tenantID, ev)); err != nil {
			s.logger.DebugContext(ctx, "publish event", slog.String("event_type", ev.Type), slog.String("error", err.Error()))
			return
		}
	}
}

// locateStep returns the definition with the given ID and the one after it
// in order, if any. defs must be sorted by order.
func locateStep(defs []schema.StepDefinition, id string) (current, next *schema.StepDefinition) {
	for i := range defs {
		if defs[i].ID != id {
			continue
		}
		current = &defs[i]
		if i+1 < len(defs) {
			next = &defs[i+1]
		}
		return current, next
	}
	return nil, nil
}

// newStepExecution builds the pending row for def, due at from + def's delay.
func newStepExecution(def schema.StepDefinition, from time.Time) *store.StepExecution {
	due := from.Add(def.Delay())
	return &store.StepExecution{
		ID:               uuid.NewString(),
		StepDefinitionID: def.ID,
		StepOrder:        def.Order,
		ActionKind:       def.ActionKind,
		Status:           schema.StepPending,
		ScheduledAt:      &due,
		CreatedAt:        from,
	}
}

func scheduledPayload(st *store.StepExecution) map[string]any {
	p := map[string]any{
		"step_definition_id": st.StepDefinitionID,
		"step_order":         st.StepOrder,
		"action":             string(st.ActionKind),
	}
	if st.ScheduledAt != nil {
		p["scheduled_at"] = st.ScheduledAt.UTC().Format(time.RFC3339)
	}
	return p
}
