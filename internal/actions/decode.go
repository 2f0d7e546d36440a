package actions

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/autoflow/internal/conditions"
	"github.com/rendis/autoflow/pkg/schema"
)

// Decode turns an (already interpolated) action config into its typed
// Action. Unknown kinds and missing required fields are ActionErrors.
func Decode(kind schema.ActionKind, cfg map[string]any) (Action, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	switch kind {
	case schema.ActionSendEmail:
		a := SendEmail{
			To:      stringParam(cfg, "to", ""),
			CC:      stringsParam(cfg, "cc"),
			From:    stringParam(cfg, "from", ""),
			Subject: stringParam(cfg, "subject", ""),
			Body:    stringParam(cfg, "body", ""),
		}
		return a, requireFields(kind, required{"to", a.To})

	case schema.ActionSendSMS:
		a := SendSMS{To: stringParam(cfg, "to", ""), Body: stringParam(cfg, "body", "")}
		return a, requireFields(kind, required{"to", a.To}, required{"body", a.Body})

	case schema.ActionCreateTask:
		a := CreateTask{
			Target:      targetParam(cfg),
			Title:       stringParam(cfg, "title", ""),
			Description: stringParam(cfg, "description", ""),
			AssigneeID:  stringParam(cfg, "assignee_id", ""),
			DueInDays:   intParam(cfg, "due_in_days", 0),
		}
		return a, requireFields(kind, required{"title", a.Title})

	case schema.ActionUpdateField:
		a := UpdateField{
			Target:   targetParam(cfg),
			Field:    stringParam(cfg, "field", ""),
			Operator: stringParam(cfg, "operator", "set"),
			Value:    cfg["value"],
		}
		if err := requireFields(kind, required{"field", a.Field}); err != nil {
			return nil, err
		}
		switch a.Operator {
		case "set", "add", "subtract", "append":
		default:
			return nil, schema.ActionError(kind, "unknown operator %q", a.Operator)
		}
		return a, nil

	case schema.ActionChangeStage:
		a := ChangeStage{
			Target: targetParam(cfg),
			Field:  stringParam(cfg, "field", "stage"),
			Stage:  stringParam(cfg, "stage", ""),
		}
		return a, requireFields(kind, required{"stage", a.Stage})

	case schema.ActionAssignUser:
		a := AssignUser{
			Target: targetParam(cfg),
			Field:  stringParam(cfg, "field", "assigned_to"),
			UserID: stringParam(cfg, "user_id", ""),
		}
		return a, requireFields(kind, required{"user_id", a.UserID})

	case schema.ActionAddTag, schema.ActionRemoveTag:
		tags := stringsParam(cfg, "tags")
		if t := stringParam(cfg, "tag", ""); t != "" {
			tags = append(tags, t)
		}
		if len(tags) == 0 {
			return nil, schema.ActionError(kind, "tag or tags is required")
		}
		if kind == schema.ActionAddTag {
			return AddTag{Target: targetParam(cfg), Tags: tags}, nil
		}
		return RemoveTag{Target: targetParam(cfg), Tags: tags}, nil

	case schema.ActionWebhook:
		return decodeWebhook(cfg)

	case schema.ActionWait:
		return Wait{Note: stringParam(cfg, "note", "")}, nil

	case schema.ActionCreateRelatedRecord:
		a := CreateRelatedRecord{
			EntityType: stringParam(cfg, "entity_type", ""),
			Fields:     mapParam(cfg, "fields"),
			ParentType: stringParam(cfg, "parent_type", ""),
			ParentID:   stringParam(cfg, "parent_id", ""),
			LinkField:  stringParam(cfg, "link_field", ""),
		}
		return a, requireFields(kind, required{"entity_type", a.EntityType})

	default:
		return nil, schema.NewErrorf(schema.ErrCodeAction, "unknown action kind %q", kind).
			WithDetails(map[string]any{"action": string(kind)})
	}
}

func decodeWebhook(cfg map[string]any) (Action, error) {
	a := Webhook{
		URL:          stringParam(cfg, "url", ""),
		Method:       strings.ToUpper(stringParam(cfg, "method", "POST")),
		Headers:      map[string]string{},
		Payload:      cfg["payload"],
		ResponsePath: stringParam(cfg, "response_path", ""),
	}
	if err := requireFields(schema.ActionWebhook, required{"url", a.URL}); err != nil {
		return nil, err
	}
	for k, v := range mapParam(cfg, "headers") {
		a.Headers[k] = conditions.Stringify(v)
	}
	if raw := stringParam(cfg, "timeout", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, schema.ActionError(schema.ActionWebhook, "invalid timeout %q", raw).WithCause(err)
		}
		a.Timeout = d
	}
	if auth := mapParam(cfg, "auth"); len(auth) > 0 {
		a.Auth = &WebhookAuth{
			Type:        stringParam(auth, "type", ""),
			Token:       stringParam(auth, "token", ""),
			Username:    stringParam(auth, "username", ""),
			Password:    stringParam(auth, "password", ""),
			HeaderName:  stringParam(auth, "header_name", ""),
			HeaderValue: stringParam(auth, "header_value", ""),
		}
		var err error
		switch a.Auth.Type {
		case "bearer":
			err = requireFields(schema.ActionWebhook, required{"auth.token", a.Auth.Token})
		case "basic":
			err = requireFields(schema.ActionWebhook, required{"auth.username", a.Auth.Username})
		case "api_key":
			err = requireFields(schema.ActionWebhook,
				required{"auth.header_name", a.Auth.HeaderName}, required{"auth.header_value", a.Auth.HeaderValue})
		default:
			err = schema.ActionError(schema.ActionWebhook, "unsupported auth type %q", a.Auth.Type)
		}
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

type required struct{ name, value string }

// requireFields reports the first blank field, in argument order.
func requireFields(kind schema.ActionKind, fields ...required) error {
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return schema.ActionError(kind, "%s is required", f.name)
		}
	}
	return nil
}

func targetParam(cfg map[string]any) Target {
	return Target{
		EntityType: stringParam(cfg, "entity_type", ""),
		EntityID:   stringParam(cfg, "entity_id", ""),
	}
}

// Param helpers. Interpolation may turn a template into a number or bool,
// so scalars are stringified rather than rejected.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	switch s := v.(type) {
	case string:
		return s
	case map[string]any, []any:
		return defaultVal
	default:
		return conditions.Stringify(s)
	}
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	case string:
		if f, ok := conditions.ToFloat(n); ok {
			return int(f)
		}
		return defaultVal
	default:
		return defaultVal
	}
}

func stringsParam(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := conditions.Stringify(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	default:
		return nil
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}
