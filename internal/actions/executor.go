// Package actions decodes and runs the closed set of step actions a
// workflow can perform.
package actions

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

// EmailMessage is what a send_email step hands to the MessageSender.
type EmailMessage struct {
	To      string   `json:"to"`
	CC      []string `json:"cc,omitempty"`
	From    string   `json:"from,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// SMSMessage is what a send_sms step hands to the MessageSender.
type SMSMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SMSReceipt is the provider acknowledgement for a text message.
type SMSReceipt struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// MessageSender delivers outbound email and SMS.
type MessageSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
	SendSMS(ctx context.Context, msg SMSMessage) (SMSReceipt, error)
}

// RecordStore is the tenant's business-record CRUD surface.
type RecordStore interface {
	Get(ctx context.Context, entityType, id string) (map[string]any, error)
	Update(ctx context.Context, entityType, id string, patch map[string]any) (map[string]any, error)
	Create(ctx context.Context, entityType string, fields map[string]any) (string, error)
}

// ExecutorConfig wires the Executor's collaborators.
type ExecutorConfig struct {
	Sender          MessageSender
	Records         RecordStore
	HTTPClient      *http.Client
	JQ              *expressions.GoJQEngine
	WebhookTimeout  time.Duration
	MaxResponseBody int64
	Logger          *slog.Logger
	Now             func() time.Time
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultWebhookTimeout  = 30 * time.Second
	bodyExcerptLen         = 512

	taskEntityType = "task"
	tagsField      = "tags"
)

// Executor runs one decoded Action. It never retries.
type Executor struct {
	sender  MessageSender
	records RecordStore
	client  *http.Client
	jq      *expressions.GoJQEngine
	timeout time.Duration
	maxBody int64
	logger  *slog.Logger
	now     func() time.Time
}

// NewExecutor creates an Executor. Missing collaborators make the actions
// that need them fail with an ActionError.
func NewExecutor(cfg ExecutorConfig) *Executor {
	e := &Executor{
		sender:  cfg.Sender,
		records: cfg.Records,
		client:  cfg.HTTPClient,
		jq:      cfg.JQ,
		timeout: cfg.WebhookTimeout,
		maxBody: cfg.MaxResponseBody,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if e.client == nil {
		// Fresh transport so callers never share mutated state with DefaultClient.
		e.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if e.jq == nil {
		e.jq = expressions.NewGoJQEngine()
	}
	if e.timeout <= 0 {
		e.timeout = defaultWebhookTimeout
	}
	if e.maxBody <= 0 {
		e.maxBody = defaultMaxResponseBody
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Run interpolates a step's action config against vars, decodes it and
// executes it.
func (e *Executor) Run(ctx context.Context, kind schema.ActionKind, config map[string]any, vars expressions.Vars) (Result, error) {
	rendered := expressions.InterpolateMap(config, vars)
	action, err := Decode(kind, rendered)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, action, vars)
}

// Execute dispatches action to its handler. vars supplies the trigger
// snapshot used for target defaults.
func (e *Executor) Execute(ctx context.Context, action Action, vars expressions.Vars) (Result, error) {
	switch a := action.(type) {
	case SendEmail:
		return e.sendEmail(ctx, a)
	case SendSMS:
		return e.sendSMS(ctx, a)
	case CreateTask:
		return e.createTask(ctx, a, vars)
	case UpdateField:
		return e.updateField(ctx, a, vars)
	case ChangeStage:
		return e.changeStage(ctx, a, vars)
	case AssignUser:
		return e.assignUser(ctx, a, vars)
	case AddTag:
		return e.addTag(ctx, a, vars)
	case RemoveTag:
		return e.removeTag(ctx, a, vars)
	case Webhook:
		return e.webhook(ctx, a)
	case Wait:
		return Result{"waited": true, "note": a.Note}, nil
	case CreateRelatedRecord:
		return e.createRelated(ctx, a, vars)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeAction, "unsupported action %T", action)
	}
}

func (e *Executor) sendEmail(ctx context.Context, a SendEmail) (Result, error) {
	if e.sender == nil {
		return nil, schema.ActionError(a.Kind(), "no message sender configured")
	}
	id, err := e.sender.SendEmail(ctx, EmailMessage{To: a.To, CC: a.CC, From: a.From, Subject: a.Subject, Body: a.Body})
	if err != nil {
		return nil, schema.ActionError(a.Kind(), "send to %s: %v", a.To, err).WithCause(err)
	}
	return Result{"message_id": id, "to": a.To}, nil
}

func (e *Executor) sendSMS(ctx context.Context, a SendSMS) (Result, error) {
	if e.sender == nil {
		return nil, schema.ActionError(a.Kind(), "no message sender configured")
	}
	receipt, err := e.sender.SendSMS(ctx, SMSMessage{To: a.To, Body: a.Body})
	if err != nil {
		return nil, schema.ActionError(a.Kind(), "send to %s: %v", a.To, err).WithCause(err)
	}
	return Result{"message_id": receipt.ID, "status": receipt.Status, "to": a.To}, nil
}

func (e *Executor) createTask(ctx context.Context, a CreateTask, vars expressions.Vars) (Result, error) {
	if e.records == nil {
		return nil, schema.ActionError(a.Kind(), "no record store configured")
	}
	fields := map[string]any{
		"title":  a.Title,
		"status": "open",
	}
	if a.Description != "" {
		fields["description"] = a.Description
	}
	if a.AssigneeID != "" {
		fields["assignee_id"] = a.AssigneeID
	}
	if a.DueInDays > 0 {
		fields["due_date"] = e.now().UTC().AddDate(0, 0, a.DueInDays).Format(time.DateOnly)
	}
	// A task is linked to the target when one can be resolved; it is not required.
	if t, ok := resolveTarget(a.Target, vars); ok {
		fields["related_type"] = t.EntityType
		fields["related_id"] = t.EntityID
	}
	id, err := e.records.Create(ctx, taskEntityType, fields)
	if err != nil {
		return nil, schema.ActionError(a.Kind(), "create task: %v", err).WithCause(err)
	}
	return Result{"task_id": id, "title": a.Title}, nil
}

func (e *Executor) updateField(ctx context.Context, a UpdateField, vars expressions.Vars) (Result, error) {
	t, err := e.target(a.Kind(), a.Target, vars)
	if err != nil {
		return nil, err
	}

	value := a.Value
	var previous any
	if a.Operator != "set" {
		rec, err := e.records.Get(ctx, t.EntityType, t.EntityID)
		if err != nil {
			return nil, schema.ActionError(a.Kind(), "read %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
		}
		previous = rec[a.Field]
		value, err = applyFieldOperator(a, previous)
		if err != nil {
			return nil, err
		}
	}

	if _, err := e.records.Update(ctx, t.EntityType, t.EntityID, map[string]any{a.Field: value}); err != nil {
		return nil, schema.ActionError(a.Kind(), "update %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
	}
	res := Result{
		"entity_type": t.EntityType,
		"entity_id":   t.EntityID,
		"field":       a.Field,
		"operator":    a.Operator,
		"value":       value,
	}
	if previous != nil {
		res["previous_value"] = previous
	}
	return res, nil
}

// applyFieldOperator computes the read-modify-write value. A missing
// numeric field counts as zero; a missing string field as empty.
func applyFieldOperator(a UpdateField, current any) (any, error) {
	switch a.Operator {
	case "add", "subtract":
		operand, ok := conditions.ToFloat(a.Value)
		if !ok {
			return nil, schema.ActionError(a.Kind(), "%s needs a numeric value, got %v", a.Operator, a.Value)
		}
		base := 0.0
		if current != nil {
			base, ok = conditions.ToFloat(current)
			if !ok {
				return nil, schema.ActionError(a.Kind(), "field %s is not numeric (%v)", a.Field, current)
			}
		}
		if a.Operator == "subtract" {
			return base - operand, nil
		}
		return base + operand, nil
	case "append":
		return conditions.Stringify(current) + conditions.Stringify(a.Value), nil
	default:
		return a.Value, nil
	}
}

func (e *Executor) changeStage(ctx context.Context, a ChangeStage, vars expressions.Vars) (Result, error) {
	t, err := e.target(a.Kind(), a.Target, vars)
	if err != nil {
		return nil, err
	}
	if _, err := e.records.Update(ctx, t.EntityType, t.EntityID, map[string]any{a.Field: a.Stage}); err != nil {
		return nil, schema.ActionError(a.Kind(), "update %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
	}
	return Result{"entity_type": t.EntityType, "entity_id": t.EntityID, "stage": a.Stage}, nil
}

func (e *Executor) assignUser(ctx context.Context, a AssignUser, vars expressions.Vars) (Result, error) {
	t, err := e.target(a.Kind(), a.Target, vars)
	if err != nil {
		return nil, err
	}
	if _, err := e.records.Update(ctx, t.EntityType, t.EntityID, map[string]any{a.Field: a.UserID}); err != nil {
		return nil, schema.ActionError(a.Kind(), "update %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
	}
	return Result{"entity_type": t.EntityType, "entity_id": t.EntityID, "field": a.Field, "user_id": a.UserID}, nil
}

func (e *Executor) addTag(ctx context.Context, a AddTag, vars expressions.Vars) (Result, error) {
	return e.rewriteTags(ctx, a.Kind(), a.Target, vars, func(current []string) []string {
		return unionTags(current, a.Tags)
	})
}

func (e *Executor) removeTag(ctx context.Context, a RemoveTag, vars expressions.Vars) (Result, error) {
	return e.rewriteTags(ctx, a.Kind(), a.Target, vars, func(current []string) []string {
		return subtractTags(current, a.Tags)
	})
}

func (e *Executor) rewriteTags(ctx context.Context, kind schema.ActionKind, target Target, vars expressions.Vars, apply func([]string) []string) (Result, error) {
	t, err := e.target(kind, target, vars)
	if err != nil {
		return nil, err
	}
	rec, err := e.records.Get(ctx, t.EntityType, t.EntityID)
	if err != nil {
		return nil, schema.ActionError(kind, "read %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
	}
	tags := apply(stringsParam(rec, tagsField))
	out := make([]any, len(tags))
	for i, tag := range tags {
		out[i] = tag
	}
	if _, err := e.records.Update(ctx, t.EntityType, t.EntityID, map[string]any{tagsField: out}); err != nil {
		return nil, schema.ActionError(kind, "update %s/%s: %v", t.EntityType, t.EntityID, err).WithCause(err)
	}
	return Result{"entity_type": t.EntityType, "entity_id": t.EntityID, "tags": out}, nil
}

func unionTags(current, add []string) []string {
	seen := make(map[string]bool, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, list := range [][]string{current, add} {
		for _, tag := range list {
			if !seen[tag] {
				seen[tag] = true
				out = append(out, tag)
			}
		}
	}
	return out
}

func subtractTags(current, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, tag := range remove {
		drop[tag] = true
	}
	out := make([]string, 0, len(current))
	for _, tag := range current {
		if !drop[tag] {
			out = append(out, tag)
		}
	}
	return out
}

func (e *Executor) createRelated(ctx context.Context, a CreateRelatedRecord, vars expressions.Vars) (Result, error) {
	if e.records == nil {
		return nil, schema.ActionError(a.Kind(), "no record store configured")
	}
	fields := make(map[string]any, len(a.Fields)+1)
	for k, v := range a.Fields {
		fields[k] = v
	}
	if a.LinkField != "" {
		parent, ok := resolveTarget(Target{EntityType: a.ParentType, EntityID: a.ParentID}, vars)
		if !ok {
			return nil, schema.ActionError(a.Kind(), "link_field %s set but no parent record", a.LinkField)
		}
		fields[a.LinkField] = parent.EntityID
	}
	id, err := e.records.Create(ctx, a.EntityType, fields)
	if err != nil {
		return nil, schema.ActionError(a.Kind(), "create %s: %v", a.EntityType, err).WithCause(err)
	}
	return Result{"record_id": id, "entity_type": a.EntityType}, nil
}

// target resolves the record an action mutates and checks a record store
// is available.
func (e *Executor) target(kind schema.ActionKind, t Target, vars expressions.Vars) (Target, error) {
	if e.records == nil {
		return Target{}, schema.ActionError(kind, "no record store configured")
	}
	resolved, ok := resolveTarget(t, vars)
	if !ok {
		return Target{}, schema.ActionError(kind, "no target record: set entity_type and entity_id or trigger with them")
	}
	return resolved, nil
}

// resolveTarget fills empty target fields from the trigger snapshot.
func resolveTarget(t Target, vars expressions.Vars) (Target, bool) {
	if t.EntityType == "" {
		if v, ok := vars.Lookup("trigger.entity_type"); ok {
			t.EntityType = conditions.Stringify(v)
		}
	}
	if t.EntityID == "" {
		if v, ok := vars.Lookup("trigger.entity_id"); ok {
			t.EntityID = conditions.Stringify(v)
		}
	}
	return t, t.EntityType != "" && t.EntityID != ""
}
