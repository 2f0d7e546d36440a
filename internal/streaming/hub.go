// Package streaming relays committed execution events to live in-process
// subscribers. The audit log stays the source of truth; a subscriber that
// misses an event catches up by reading the log.
package streaming

import (
	"context"

	"github.com/rendis/autoflow/internal/store"
)

// Event is an audit event that has been committed to the store.
type Event struct {
	TenantID    string `json:"tenant_id,omitempty"`
	ExecutionID string `json:"execution_id"`
	StepID      string `json:"step_id,omitempty"`
	Type        string `json:"event_type"`
}

// FromStore converts a persisted audit event.
func FromStore(tenantID string, ev *store.Event) Event {
	return Event{
		TenantID:    tenantID,
		ExecutionID: ev.ExecutionID,
		StepID:      ev.StepID,
		Type:        ev.Type,
	}
}

// Filter selects which events a subscriber receives. Empty fields match
// everything.
type Filter struct {
	TenantID    string   `json:"tenant_id,omitempty"`
	ExecutionID string   `json:"execution_id,omitempty"`
	Types       []string `json:"event_types,omitempty"`
}

// Hub is a pub/sub fan-out for committed execution events.
type Hub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}
