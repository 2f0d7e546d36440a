package actions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/pkg/schema"
)

func TestDecode_AllKinds(t *testing.T) {
	tests := []struct {
		kind schema.ActionKind
		cfg  map[string]any
		want Action
	}{
		{schema.ActionSendEmail, map[string]any{"to": "a@b.c", "subject": "s", "body": "b", "cc": "x@y.z, w@y.z"},
			SendEmail{To: "a@b.c", CC: []string{"x@y.z", "w@y.z"}, Subject: "s", Body: "b"}},
		{schema.ActionSendSMS, map[string]any{"to": "+1", "body": "hi"}, SendSMS{To: "+1", Body: "hi"}},
		{schema.ActionCreateTask, map[string]any{"title": "t", "due_in_days": float64(3)}, CreateTask{Title: "t", DueInDays: 3}},
		{schema.ActionUpdateField, map[string]any{"field": "score", "value": 5}, UpdateField{Field: "score", Operator: "set", Value: 5}},
		{schema.ActionChangeStage, map[string]any{"stage": "won"}, ChangeStage{Field: "stage", Stage: "won"}},
		{schema.ActionAssignUser, map[string]any{"user_id": 42}, AssignUser{Field: "assigned_to", UserID: "42"}},
		{schema.ActionAddTag, map[string]any{"tags": []any{"a"}, "tag": "b"}, AddTag{Tags: []string{"a", "b"}}},
		{schema.ActionRemoveTag, map[string]any{"tag": "a"}, RemoveTag{Tags: []string{"a"}}},
		{schema.ActionWait, nil, Wait{}},
		{schema.ActionCreateRelatedRecord, map[string]any{"entity_type": "invoice"}, CreateRelatedRecord{EntityType: "invoice"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got, err := Decode(tt.kind, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.kind, got.Kind())
		})
	}
}

func TestDecode_Webhook(t *testing.T) {
	got, err := Decode(schema.ActionWebhook, map[string]any{
		"url":           "https://hooks.example.com/x",
		"method":        "put",
		"headers":       map[string]any{"X-Count": float64(2)},
		"auth":          map[string]any{"type": "bearer", "token": "tok"},
		"payload":       map[string]any{"id": "d1"},
		"timeout":       "5s",
		"response_path": ".data.id",
	})
	require.NoError(t, err)
	wh := got.(Webhook)
	assert.Equal(t, "PUT", wh.Method)
	assert.Equal(t, "2", wh.Headers["X-Count"])
	assert.Equal(t, 5*time.Second, wh.Timeout)
	assert.Equal(t, "tok", wh.Auth.Token)
	assert.Equal(t, ".data.id", wh.ResponsePath)
}

func TestDecode_FirstMissingFieldIsReported(t *testing.T) {
	for i := 0; i < 20; i++ {
		_, err := Decode(schema.ActionSendSMS, map[string]any{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "to is required")
	}

	_, err := Decode(schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "api_key"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.header_name is required")
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		kind schema.ActionKind
		cfg  map[string]any
	}{
		{"unknown kind", schema.ActionKind("launch_rocket"), map[string]any{}},
		{"email without to", schema.ActionSendEmail, map[string]any{"subject": "x"}},
		{"sms without body", schema.ActionSendSMS, map[string]any{"to": "+1"}},
		{"task without title", schema.ActionCreateTask, map[string]any{}},
		{"update without field", schema.ActionUpdateField, map[string]any{"value": 1}},
		{"update bad operator", schema.ActionUpdateField, map[string]any{"field": "x", "operator": "multiply"}},
		{"tag without tags", schema.ActionAddTag, map[string]any{}},
		{"webhook without url", schema.ActionWebhook, map[string]any{}},
		{"webhook bad timeout", schema.ActionWebhook, map[string]any{"url": "http://x", "timeout": "soon"}},
		{"webhook bad auth", schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "oauth"}}},
		{"bearer without token", schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "bearer"}}},
		{"basic without username", schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "basic", "password": "p"}}},
		{"api_key without header", schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "api_key", "header_value": "k"}}},
		{"api_key without value", schema.ActionWebhook, map[string]any{"url": "http://x", "auth": map[string]any{"type": "api_key", "header_name": "X-Api-Key"}}},
		{"related without type", schema.ActionCreateRelatedRecord, map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.cfg)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeAction))
		})
	}
}
