package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Execution is the persisted record of one workflow run.
type Execution struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	TenantID    string                 `json:"tenant_id"`
	TriggerType schema.TriggerType     `json:"trigger_type"`
	TriggerData map[string]any         `json:"trigger_data"`
	Status      schema.ExecutionStatus `json:"status"`
	Error       string                 `json:"error_message,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// StepExecution is the persisted record of one step run. At most one exists
// per (execution, step definition).
type StepExecution struct {
	ID               string            `json:"id"`
	ExecutionID      string            `json:"execution_id"`
	StepDefinitionID string            `json:"step_definition_id"`
	StepOrder        int               `json:"step_order"`
	ActionKind       schema.ActionKind `json:"action_kind"`
	Status           schema.StepStatus `json:"status"`
	ScheduledAt      *time.Time        `json:"scheduled_at,omitempty"`
	Result           map[string]any    `json:"result,omitempty"`
	Error            string            `json:"error_message,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// Event is an immutable entry in an execution's audit log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// DefinitionFilter narrows ListDefinitions.
type DefinitionFilter struct {
	TenantID       string
	TriggerType    schema.TriggerType
	ActiveOnly     bool
	IncludeDeleted bool
	WithSteps      bool
	Limit          int
	Offset         int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	TenantID   string
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
	Offset     int
}

// ExecutionTransition is a conditional status change: it applies only while
// the execution is in one of From.
type ExecutionTransition struct {
	ExecutionID string
	From        []schema.ExecutionStatus
	To          schema.ExecutionStatus
	Error       string
	At          time.Time
}

// StepCompletion marks a running step completed. While the execution is
// still running, Next is inserted in the same transaction, or the execution
// completes when Next is nil. StepEvents are always written; ChainEvents
// only when the execution was still running.
type StepCompletion struct {
	StepID      string
	ExecutionID string
	Result      map[string]any
	At          time.Time
	Next        *StepExecution
	StepEvents  []*Event
	ChainEvents []*Event
}

// StepFailure marks a running step failed and, if it is still running,
// fails its execution with the same message.
type StepFailure struct {
	StepID          string
	ExecutionID     string
	Error           string
	At              time.Time
	StepEvents      []*Event
	ExecutionEvents []*Event
}
