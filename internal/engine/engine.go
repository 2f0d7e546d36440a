package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/internal/logging"
	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/internal/streaming"
	"github.com/rendis/autoflow/internal/triggers"
	"github.com/rendis/autoflow/pkg/schema"
)

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefinitionValidator checks a workflow definition before it is stored.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Recorder receives engine measurements. Implemented by the metrics package.
type Recorder interface {
	ExecutionStarted(triggerType string)
	ExecutionFinished(status string)
	StepFinished(kind, status string, d time.Duration)
	SweepFinished(due, claimed, completed, failed, lost int, d time.Duration)
}

// NopRecorder discards every measurement.
type NopRecorder struct{}

func (NopRecorder) ExecutionStarted(string) {}
func (NopRecorder) ExecutionFinished(string) {}
func (NopRecorder) StepFinished(string, string, time.Duration) {}
func (NopRecorder) SweepFinished(int, int, int, int, int, time.Duration) {}

// Config holds the engine's collaborators and tuning.
type Config struct {
	Store     store.Store
	Runner    StepRunner
	Matcher   *triggers.Matcher   // nil = CEL/expr-backed default
	Validator DefinitionValidator // nil = definitions are stored unchecked
	PoolSize  int
	BatchSize int
	Now       func() time.Time
	Recorder  Recorder
	Hub       streaming.Hub // nil = no live event relay
	Logger    *slog.Logger
}

// ExecutionReport is a snapshot of one execution and its step runs.
type ExecutionReport struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.StepExecution `json:"steps"`
}

// Engine is the workflow engine facade. It is built once by the process
// entry point and passed to every transport.
type Engine struct {
	store     store.Store
	matcher   *triggers.Matcher
	validator DefinitionValidator
	pool      *WorkerPool
	execFSM   *ExecutionFSM
	scheduler *Scheduler
	now       func() time.Time
	recorder  Recorder
	logger    *slog.Logger
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("engine: step runner is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = NopRecorder{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Matcher == nil {
		ev, err := conditions.NewDefaultEvaluator()
		if err != nil {
			return nil, fmt.Errorf("engine: condition evaluator: %w", err)
		}
		cfg.Matcher = triggers.NewMatcher(ev, cfg.Logger)
	}

	logger := cfg.Logger
	pool := NewWorkerPool(cfg.PoolSize, func(recovered any) {
		logger.Error("worker panic", slog.Any("panic", recovered))
	})

	execFSM := NewExecutionFSM(cfg.Now)
	rec := cfg.Recorder
	for from, targets := range ValidExecutionTransitions {
		for _, to := range targets {
			if !to.Terminal() {
				continue
			}
			execFSM.OnAfter(from, to, func(_, to string) error {
				rec.ExecutionFinished(to)
				return nil
			})
		}
	}

	e := &Engine{
		store:     cfg.Store,
		matcher:   cfg.Matcher,
		validator: cfg.Validator,
		pool:      pool,
		execFSM:   execFSM,
		now:       cfg.Now,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
	}
	e.scheduler = NewScheduler(SchedulerConfig{
		Store:     cfg.Store,
		Runner:    cfg.Runner,
		Pool:      pool,
		ExecFSM:   execFSM,
		StepFSM:   NewStepFSM(cfg.Now),
		Now:       cfg.Now,
		BatchSize: cfg.BatchSize,
		Recorder:  cfg.Recorder,
		Hub:       cfg.Hub,
		Logger:    cfg.Logger,
	})
	return e, nil
}

// TriggerWorkflow matches an incoming event against the tenant's active
// workflows and starts one execution per match. It returns the IDs of the
// executions it created; executions that could not be started stay pending,
// are reported in the joined error and are restarted by a later sweep.
func (e *Engine) TriggerWorkflow(ctx context.Context, tenantID string, triggerType schema.TriggerType, payload map[string]any) ([]string, error) {
	if tenantID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tenant_id is required")
	}
	if !triggerType.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", triggerType)
	}
	ctx = logging.WithTenantID(ctx, tenantID)

	defs, err := e.store.ListDefinitions(ctx, store.DefinitionFilter{
		TenantID:    tenantID,
		TriggerType: triggerType,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, schema.PersistenceError("list definitions", err)
	}
	matched := e.matcher.Match(ctx, triggerType, payload, defs)

	ids := make([]string, 0, len(matched))
	var errs []error
	for _, def := range matched {
		id, err := e.startExecution(ctx, def, triggerType, payload)
		if id != "" {
			ids = append(ids, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
		}
	}

	e.logger.InfoContext(ctx, "event processed",
		slog.String("trigger_type", string(triggerType)),
		slog.Int("candidates", len(defs)),
		slog.Int("executions", len(ids)),
	)
	return ids, errors.Join(errs...)
}

func (e *Engine) startExecution(ctx context.Context, def *schema.WorkflowDefinition, triggerType schema.TriggerType, payload map[string]any) (string, error) {
	exec := &store.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  def.ID,
		TenantID:    def.TenantID,
		TriggerType: triggerType,
		TriggerData: expressions.DeepCopyMap(payload),
		Status:      schema.ExecutionPending,
		CreatedAt:   e.now().UTC(),
	}
	created := e.execFSM.Created(exec.ID, map[string]any{"workflow_id": def.ID, "trigger_type": string(triggerType)})
	if err := e.store.CreateExecution(ctx, exec, created); err != nil {
		return "", err
	}
	e.recorder.ExecutionStarted(string(triggerType))
	e.scheduler.publish(ctx, exec.TenantID, created)

	if err := e.scheduler.Start(ctx, exec); err != nil {
		logging.LogWith(logging.WithExecutionID(ctx, exec.ID), e.logger).Error("start execution",
			slog.String("workflow_id", def.ID),
			slog.String("error", err.Error()),
		)
		return exec.ID, err
	}
	return exec.ID, nil
}

// Sweep runs every step due at now. Safe to call concurrently, from this
// and other processes.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	return e.scheduler.Sweep(ctx, now)
}

// Cancel moves a pending or running execution to cancelled. A step already
// in flight runs to completion but nothing is chained after it.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, exec.TenantID, exec.ID, "")

	payload := map[string]any{}
	if reason != "" {
		payload["reason"] = reason
	}
	ev, err := e.execFSM.Transition(exec.ID, exec.Status, schema.ExecutionCancelled, payload)
	if err != nil {
		return nil, err
	}
	if err := e.store.TransitionExecution(ctx, store.ExecutionTransition{
		ExecutionID: exec.ID,
		From:        []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning},
		To:          schema.ExecutionCancelled,
		At:          e.now().UTC(),
	}, ev); err != nil {
		return nil, err
	}
	e.scheduler.commitExecution(ctx, exec.Status, schema.ExecutionCancelled)
	e.scheduler.publish(ctx, exec.TenantID, ev)
	logging.LogWith(ctx, e.logger).Info("execution cancelled", slog.String("reason", reason))

	return e.store.GetExecution(ctx, executionID)
}

// Status returns an execution with its step runs in order.
func (e *Engine) Status(ctx context.Context, executionID string) (*ExecutionReport, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, schema.PersistenceError("list step executions", err)
	}
	if steps == nil {
		steps = []*store.StepExecution{}
	}
	return &ExecutionReport{Execution: exec, Steps: steps}, nil
}

// ListExecutions returns executions matching filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Events returns an execution's audit events with sequence > since.
func (e *Engine) Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListEvents(ctx, executionID, since)
}

// DefineWorkflow validates and stores a new workflow definition with its
// steps. Steps without explicit orders are numbered by position.
func (e *Engine) DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	normalizeSteps(def)
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	e.logger.InfoContext(logging.WithTenantID(ctx, def.TenantID), "workflow defined",
		slog.String("workflow_id", def.ID),
		slog.String("trigger_type", string(def.TriggerType)),
		slog.Int("steps", len(def.Steps)),
	)
	return e.store.GetDefinition(ctx, def.ID)
}

// GetWorkflow returns a definition with its steps.
func (e *Engine) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return e.store.GetDefinition(ctx, id)
}

// ListWorkflows returns definitions matching filter.
func (e *Engine) ListWorkflows(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error) {
	return e.store.ListDefinitions(ctx, filter)
}

// SetWorkflowActive activates or deactivates a definition. Executions
// already running are not affected.
func (e *Engine) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	return e.store.SetDefinitionActive(ctx, id, active)
}

// DeleteWorkflow soft-deletes a definition.
func (e *Engine) DeleteWorkflow(ctx context.Context, id string) error {
	return e.store.SoftDeleteDefinition(ctx, id)
}

// PoolMetrics returns a snapshot of the step worker pool.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Close waits for in-flight steps and stops accepting new ones.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// normalizeSteps numbers steps by position when none carries an order and
// sorts them by order.
func normalizeSteps(def *schema.WorkflowDefinition) {
	explicit := false
	for _, st := range def.Steps {
		if st.Order != 0 {
			explicit = true
			break
		}
	}
	if !explicit {
		for i := range def.Steps {
			def.Steps[i].Order = i + 1
		}
	}
	sort.SliceStable(def.Steps, func(i, j int) bool { return def.Steps[i].Order < def.Steps[j].Order })
}
