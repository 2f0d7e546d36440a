package store

import (
	"context"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use, including by several
// processes sweeping the same database.
type Store interface {
	// Workflow definitions
	CreateDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	SetDefinitionActive(ctx context.Context, id string, active bool) error
	SoftDeleteDefinition(ctx context.Context, id string) error
	ListStepDefinitions(ctx context.Context, workflowID string) ([]schema.StepDefinition, error)

	// Executions
	CreateExecution(ctx context.Context, exec *Execution, events ...*Event) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	TransitionExecution(ctx context.Context, t ExecutionTransition, events ...*Event) error

	// Step executions
	StartExecution(ctx context.Context, executionID string, first *StepExecution, at time.Time, events ...*Event) error
	DueSteps(ctx context.Context, now time.Time, limit int) ([]*StepExecution, error)
	StalledExecutions(ctx context.Context, before time.Time, limit int) ([]*Execution, error)
	ClaimStep(ctx context.Context, id string, at time.Time, events ...*Event) (bool, error)
	CompleteStep(ctx context.Context, c StepCompletion) (schema.ExecutionStatus, error)
	FailStep(ctx context.Context, f StepFailure) (schema.ExecutionStatus, error)
	GetStepExecution(ctx context.Context, id string) (*StepExecution, error)
	ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error)

	// Audit log
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) ([]int, error)
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
