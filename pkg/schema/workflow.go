package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is a tenant-authored automation: a trigger plus an
// ordered list of steps. The engine only reads definitions at run time.
type WorkflowDefinition struct {
	ID            string           `json:"id" yaml:"id"`
	TenantID      string           `json:"tenant_id" yaml:"tenant_id"`
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	TriggerType   TriggerType      `json:"trigger_type" yaml:"trigger_type"`
	TriggerConfig map[string]any   `json:"trigger_config,omitempty" yaml:"trigger_config,omitempty"`
	Conditions    *Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Active        bool             `json:"active" yaml:"active"`
	Deleted       bool             `json:"deleted,omitempty" yaml:"-"`
	Steps         []StepDefinition `json:"steps" yaml:"steps"`
	CreatedAt     time.Time        `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt     time.Time        `json:"updated_at,omitempty" yaml:"-"`
}

// StepDefinition is one ordered step of a workflow.
type StepDefinition struct {
	ID           string         `json:"id" yaml:"id"`
	WorkflowID   string         `json:"workflow_id,omitempty" yaml:"-"`
	Name         string         `json:"name,omitempty" yaml:"name,omitempty"`
	Order        int            `json:"order" yaml:"order"`
	ActionKind   ActionKind     `json:"action_kind" yaml:"action_kind"`
	ActionConfig map[string]any `json:"action_config,omitempty" yaml:"action_config,omitempty"`
	DelayMinutes int            `json:"delay_minutes" yaml:"delay_minutes"`
}

// Delay returns the pause applied before this step runs.
func (s StepDefinition) Delay() time.Duration {
	return time.Duration(s.DelayMinutes) * time.Minute
}

// ConfigJSON returns the action config as raw JSON ("{}" when empty).
func (s StepDefinition) ConfigJSON() (json.RawMessage, error) {
	if len(s.ActionConfig) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(s.ActionConfig)
}

// TriggerType names the business event a workflow listens for.
type TriggerType string

const (
	TriggerRecordCreated        TriggerType = "record_created"
	TriggerRecordUpdated        TriggerType = "record_updated"
	TriggerFieldChanged         TriggerType = "field_changed"
	TriggerStageChanged         TriggerType = "stage_changed"
	TriggerContactCreated       TriggerType = "contact_created"
	TriggerDealCreated          TriggerType = "deal_created"
	TriggerFormSubmitted        TriggerType = "form_submitted"
	TriggerTagAdded             TriggerType = "tag_added"
	TriggerTagRemoved           TriggerType = "tag_removed"
	TriggerAppointmentScheduled TriggerType = "appointment_scheduled"
	TriggerInvoicePaid          TriggerType = "invoice_paid"
	TriggerManual               TriggerType = "manual"
)

// TriggerTypes lists every trigger type the engine accepts.
var TriggerTypes = []TriggerType{
	TriggerRecordCreated, TriggerRecordUpdated, TriggerFieldChanged, TriggerStageChanged,
	TriggerContactCreated, TriggerDealCreated, TriggerFormSubmitted, TriggerTagAdded,
	TriggerTagRemoved, TriggerAppointmentScheduled, TriggerInvoicePaid, TriggerManual,
}

// IsChangeTrigger reports whether the trigger carries a previous/current value pair.
func (t TriggerType) IsChangeTrigger() bool {
	return t == TriggerFieldChanged || t == TriggerStageChanged
}

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	for _, known := range TriggerTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ActionKind is the closed set of step actions.
type ActionKind string

const (
	ActionSendEmail           ActionKind = "send_email"
	ActionSendSMS             ActionKind = "send_sms"
	ActionCreateTask          ActionKind = "create_task"
	ActionUpdateField         ActionKind = "update_field"
	ActionChangeStage         ActionKind = "change_stage"
	ActionAssignUser          ActionKind = "assign_user"
	ActionAddTag              ActionKind = "add_tag"
	ActionRemoveTag           ActionKind = "remove_tag"
	ActionWebhook             ActionKind = "webhook"
	ActionWait                ActionKind = "wait"
	ActionCreateRelatedRecord ActionKind = "create_related_record"
)

// ActionKinds lists every action kind in declaration order.
var ActionKinds = []ActionKind{
	ActionSendEmail, ActionSendSMS, ActionCreateTask, ActionUpdateField, ActionChangeStage,
	ActionAssignUser, ActionAddTag, ActionRemoveTag, ActionWebhook, ActionWait,
	ActionCreateRelatedRecord,
}

// Condition is a boolean tree evaluated against an event payload.
// Exactly one of All, Any, Not, Field or Expression should be set.
type Condition struct {
	All        []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any        []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not        *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value      any         `json:"value,omitempty" yaml:"value,omitempty"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
	Engine     string      `json:"engine,omitempty" yaml:"engine,omitempty"` // cel | expr (default: cel)
}
