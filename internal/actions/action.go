package actions

import (
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// Action is one decoded step action. The set of implementations is closed:
// only this package can satisfy the interface.
type Action interface {
	Kind() schema.ActionKind
	isAction()
}

// Result is the JSON object stored as a completed step's output.
type Result map[string]any

// Target names the record an action operates on. Empty fields fall back to
// the trigger snapshot's entity_type / entity_id.
type Target struct {
	EntityType string
	EntityID   string
}

// SendEmail sends one email through the MessageSender.
type SendEmail struct {
	To      string
	CC      []string
	From    string
	Subject string
	Body    string
}

// SendSMS sends one text message through the MessageSender.
type SendSMS struct {
	To   string
	Body string
}

// CreateTask creates a task record linked to the target.
type CreateTask struct {
	Target
	Title       string
	Description string
	AssigneeID  string
	DueInDays   int
}

// UpdateField mutates a single field on the target.
type UpdateField struct {
	Target
	Field    string
	Operator string // set | add | subtract | append
	Value    any
}

// ChangeStage moves the target to another pipeline stage.
type ChangeStage struct {
	Target
	Field string
	Stage string
}

// AssignUser sets the owner of the target.
type AssignUser struct {
	Target
	Field  string
	UserID string
}

// AddTag unions tags into the target's tag list.
type AddTag struct {
	Target
	Tags []string
}

// RemoveTag removes tags from the target's tag list.
type RemoveTag struct {
	Target
	Tags []string
}

// Webhook performs one outbound HTTP call.
type Webhook struct {
	URL          string
	Method       string
	Headers      map[string]string
	Auth         *WebhookAuth
	Payload      any
	Timeout      time.Duration
	ResponsePath string
}

// WebhookAuth is the optional credential attached to a webhook request.
type WebhookAuth struct {
	Type        string // bearer | basic | api_key
	Token       string
	Username    string
	Password    string
	HeaderName  string
	HeaderValue string
}

// Wait does nothing; the pause is the next step's delay.
type Wait struct {
	Note string
}

// CreateRelatedRecord creates a record of another type, optionally linked
// back to a parent record.
type CreateRelatedRecord struct {
	EntityType string
	Fields     map[string]any
	ParentType string
	ParentID   string
	LinkField  string
}

func (SendEmail) Kind() schema.ActionKind           { return schema.ActionSendEmail }
func (SendSMS) Kind() schema.ActionKind             { return schema.ActionSendSMS }
func (CreateTask) Kind() schema.ActionKind          { return schema.ActionCreateTask }
func (UpdateField) Kind() schema.ActionKind         { return schema.ActionUpdateField }
func (ChangeStage) Kind() schema.ActionKind         { return schema.ActionChangeStage }
func (AssignUser) Kind() schema.ActionKind          { return schema.ActionAssignUser }
func (AddTag) Kind() schema.ActionKind              { return schema.ActionAddTag }
func (RemoveTag) Kind() schema.ActionKind           { return schema.ActionRemoveTag }
func (Webhook) Kind() schema.ActionKind             { return schema.ActionWebhook }
func (Wait) Kind() schema.ActionKind                { return schema.ActionWait }
func (CreateRelatedRecord) Kind() schema.ActionKind { return schema.ActionCreateRelatedRecord }

func (SendEmail) isAction()           {}
func (SendSMS) isAction()             {}
func (CreateTask) isAction()          {}
func (UpdateField) isAction()         {}
func (ChangeStage) isAction()         {}
func (AssignUser) isAction()          {}
func (AddTag) isAction()              {}
func (RemoveTag) isAction()           {}
func (Webhook) isAction()             {}
func (Wait) isAction()                {}
func (CreateRelatedRecord) isAction() {}
