package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// The FSMs validate a transition and produce the audit event for it. The
// store persists both in one transaction with a conditional update, so the
// table here decides what the engine may ask for and the database decides
// who wins a race.

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages workflow execution lifecycle transitions.
type ExecutionFSM struct {
	mu     sync.Mutex
	before map[executionHookKey][]TransitionHook
	after  map[executionHookKey][]TransitionHook
	now    func() time.Time
}

// NewExecutionFSM creates an ExecutionFSM.
func NewExecutionFSM(now func() time.Time) *ExecutionFSM {
	if now == nil {
		now = time.Now
	}
	return &ExecutionFSM{
		before: make(map[executionHookKey][]TransitionHook),
		after:  make(map[executionHookKey][]TransitionHook),
		now:    now,
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called once a transition has been persisted.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs the before hooks and returns the
// audit event for the store to write with the state change.
func (f *ExecutionFSM) Transition(executionID string, from, to schema.ExecutionStatus, payload map[string]any) (*store.Event, error) {
	if !isValidExecutionTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := f.before[executionHookKey{from, to}]
	f.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil {
			return nil, err
		}
	}

	return &store.Event{
		ExecutionID: executionID,
		Type:        executionEventType(to),
		Payload:     marshalPayload(payload),
		Timestamp:   f.now().UTC(),
	}, nil
}

// Created returns the audit event for a newly inserted pending execution.
func (f *ExecutionFSM) Created(executionID string, payload map[string]any) *store.Event {
	return &store.Event{
		ExecutionID: executionID,
		Type:        schema.EventExecutionCreated,
		Payload:     marshalPayload(payload),
		Timestamp:   f.now().UTC(),
	}
}

// Committed runs the after hooks for a persisted transition. Hook errors
// cannot undo the transition and are returned for logging only.
func (f *ExecutionFSM) Committed(from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	hooks := f.after[executionHookKey{from, to}]
	f.mu.Unlock()
	var firstErr error
	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		return schema.EventExecutionStarted
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return schema.EventExecutionCreated
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step execution lifecycle transitions.
type StepFSM struct {
	mu     sync.Mutex
	before map[stepHookKey][]TransitionHook
	after  map[stepHookKey][]TransitionHook
	now    func() time.Time
}

// NewStepFSM creates a StepFSM.
func NewStepFSM(now func() time.Time) *StepFSM {
	if now == nil {
		now = time.Now
	}
	return &StepFSM{
		before: make(map[stepHookKey][]TransitionHook),
		after:  make(map[stepHookKey][]TransitionHook),
		now:    now,
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called once a step transition has been persisted.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs the before hooks and returns the
// audit event for the store to write with the state change.
func (f *StepFSM) Transition(executionID, stepID string, from, to schema.StepStatus, payload map[string]any) (*store.Event, error) {
	if !isValidStepTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := f.before[stepHookKey{from, to}]
	f.mu.Unlock()
	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil {
			return nil, err
		}
	}

	return &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        stepEventType(to),
		Payload:     marshalPayload(payload),
		Timestamp:   f.now().UTC(),
	}, nil
}

// Scheduled returns the audit event for a newly inserted pending step.
func (f *StepFSM) Scheduled(executionID, stepID string, payload map[string]any) *store.Event {
	return &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        schema.EventStepScheduled,
		Payload:     marshalPayload(payload),
		Timestamp:   f.now().UTC(),
	}
}

// Committed runs the after hooks for a persisted step transition.
func (f *StepFSM) Committed(from, to schema.StepStatus) error {
	f.mu.Lock()
	hooks := f.after[stepHookKey{from, to}]
	f.mu.Unlock()
	var firstErr error
	for _, hook := range hooks {
		if err := hook(string(from), string(to)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepRunning:
		return schema.EventStepStarted
	case schema.StepCompleted:
		return schema.EventStepCompleted
	case schema.StepFailed:
		return schema.EventStepFailed
	case schema.StepSkipped:
		return schema.EventStepSkipped
	default:
		return schema.EventStepScheduled
	}
}

func marshalPayload(payload map[string]any) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return b
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
// pending -> completed covers a workflow with no steps.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCompleted, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending:   {schema.StepRunning, schema.StepSkipped},
	schema.StepRunning:   {schema.StepCompleted, schema.StepFailed},
	schema.StepCompleted: {},
	schema.StepFailed:    {},
	schema.StepSkipped:   {},
}
