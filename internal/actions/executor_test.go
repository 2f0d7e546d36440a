package actions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/expressions"
	"github.com/rendis/autoflow/pkg/schema"
)

type fakeSender struct {
	mu     sync.Mutex
	emails []EmailMessage
	sms    []SMSMessage
	err    error
}

func (f *fakeSender) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.emails = append(f.emails, msg)
	return fmt.Sprintf("em-%d", len(f.emails)), nil
}

func (f *fakeSender) SendSMS(_ context.Context, msg SMSMessage) (SMSReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return SMSReceipt{}, f.err
	}
	f.sms = append(f.sms, msg)
	return SMSReceipt{ID: fmt.Sprintf("sms-%d", len(f.sms)), Status: "queued"}, nil
}

type fakeRecords struct {
	mu      sync.Mutex
	data    map[string]map[string]any
	created []string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{data: map[string]map[string]any{}}
}

func (f *fakeRecords) put(entityType, id string, fields map[string]any) {
	f.data[entityType+"/"+id] = fields
}

func (f *fakeRecords) Get(_ context.Context, entityType, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[entityType+"/"+id]
	if !ok {
		return nil, errors.New("record not found")
	}
	return rec, nil
}

func (f *fakeRecords) Update(_ context.Context, entityType, id string, patch map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.data[entityType+"/"+id]
	if !ok {
		return nil, errors.New("record not found")
	}
	for k, v := range patch {
		rec[k] = v
	}
	return rec, nil
}

func (f *fakeRecords) Create(_ context.Context, entityType string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("%s-%d", entityType, len(f.created)+1)
	f.created = append(f.created, id)
	f.data[entityType+"/"+id] = fields
	return id, nil
}

func dealVars() expressions.Vars {
	return expressions.BuildVars(map[string]any{
		"entity_type": "deal",
		"entity_id":   "d1",
		"contact":     map[string]any{"first_name": "Ana", "email": "ana@example.com"},
	}, nil, map[string]any{"execution_id": "ex-1", "workflow_id": "wf-1", "tenant_id": "acme"})
}

func newTestExecutor(t *testing.T) (*Executor, *fakeSender, *fakeRecords) {
	t.Helper()
	sender := &fakeSender{}
	recs := newFakeRecords()
	recs.put("deal", "d1", map[string]any{"amount": float64(100), "tags": []any{"new"}, "notes": "a"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ex := NewExecutor(ExecutorConfig{
		Sender:  sender,
		Records: recs,
		Now:     func() time.Time { return now },
	})
	return ex, sender, recs
}

func TestRun_SendEmailInterpolates(t *testing.T) {
	ex, sender, _ := newTestExecutor(t)

	res, err := ex.Run(context.Background(), schema.ActionSendEmail, map[string]any{
		"to":      "{{contact.email}}",
		"subject": "Welcome {{contact.first_name}}",
		"body":    "Hi {{contact.first_name}}, your ref is {{contact.missing}}",
	}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, "em-1", res["message_id"])

	require.Len(t, sender.emails, 1)
	assert.Equal(t, "ana@example.com", sender.emails[0].To)
	assert.Equal(t, "Welcome Ana", sender.emails[0].Subject)
	assert.Equal(t, "Hi Ana, your ref is {{contact.missing}}", sender.emails[0].Body)
}

func TestRun_SendSMS(t *testing.T) {
	ex, sender, _ := newTestExecutor(t)
	res, err := ex.Run(context.Background(), schema.ActionSendSMS, map[string]any{"to": "+100", "body": "hi"}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, "queued", res["status"])
	assert.Len(t, sender.sms, 1)
}

func TestRun_SenderFailureIsActionError(t *testing.T) {
	ex, sender, _ := newTestExecutor(t)
	sender.err = errors.New("smtp down")

	_, err := ex.Run(context.Background(), schema.ActionSendEmail, map[string]any{"to": "x@y.z"}, dealVars())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAction))
	assert.Contains(t, err.Error(), "smtp down")
}

func TestExecute_UpdateFieldOperators(t *testing.T) {
	tests := []struct {
		name  string
		op    string
		field string
		value any
		want  any
	}{
		{"set", "set", "status", "won", "won"},
		{"add", "add", "amount", 25, float64(125)},
		{"subtract", "subtract", "amount", "40", float64(60)},
		{"add to missing field", "add", "visits", 1, float64(1)},
		{"append", "append", "notes", "b", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, _, recs := newTestExecutor(t)
			_, err := ex.Execute(context.Background(), UpdateField{Field: tt.field, Operator: tt.op, Value: tt.value}, dealVars())
			require.NoError(t, err)
			assert.Equal(t, tt.want, recs.data["deal/d1"][tt.field])
		})
	}
}

func TestExecute_UpdateFieldNonNumeric(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	_, err := ex.Execute(context.Background(), UpdateField{Field: "notes", Operator: "add", Value: 1}, dealVars())
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAction))
}

func TestExecute_ExplicitTargetWins(t *testing.T) {
	ex, _, recs := newTestExecutor(t)
	recs.put("contact", "c9", map[string]any{})

	_, err := ex.Execute(context.Background(), ChangeStage{
		Target: Target{EntityType: "contact", EntityID: "c9"},
		Field:  "stage",
		Stage:  "customer",
	}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, "customer", recs.data["contact/c9"]["stage"])
	assert.NotContains(t, recs.data["deal/d1"], "stage")
}

func TestExecute_MissingTarget(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	vars := expressions.BuildVars(map[string]any{"source": "web"}, nil, nil)

	_, err := ex.Execute(context.Background(), AssignUser{Field: "assigned_to", UserID: "u1"}, vars)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeAction))
}

func TestExecute_AddTagIdempotent(t *testing.T) {
	ex, _, recs := newTestExecutor(t)
	add := AddTag{Tags: []string{"vip", "new"}}

	_, err := ex.Execute(context.Background(), add, dealVars())
	require.NoError(t, err)
	first := recs.data["deal/d1"]["tags"]

	_, err = ex.Execute(context.Background(), add, dealVars())
	require.NoError(t, err)
	assert.Equal(t, first, recs.data["deal/d1"]["tags"])
	assert.Equal(t, []any{"new", "vip"}, recs.data["deal/d1"]["tags"])
}

func TestExecute_RemoveTag(t *testing.T) {
	ex, _, recs := newTestExecutor(t)

	_, err := ex.Execute(context.Background(), RemoveTag{Tags: []string{"absent"}}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, []any{"new"}, recs.data["deal/d1"]["tags"])

	_, err = ex.Execute(context.Background(), RemoveTag{Tags: []string{"new"}}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, []any{}, recs.data["deal/d1"]["tags"])
}

func TestExecute_CreateTask(t *testing.T) {
	ex, _, recs := newTestExecutor(t)

	res, err := ex.Execute(context.Background(), CreateTask{Title: "Call Ana", DueInDays: 2, AssigneeID: "u1"}, dealVars())
	require.NoError(t, err)
	id := res["task_id"].(string)

	task := recs.data["task/"+id]
	assert.Equal(t, "Call Ana", task["title"])
	assert.Equal(t, "2026-03-03", task["due_date"])
	assert.Equal(t, "deal", task["related_type"])
	assert.Equal(t, "d1", task["related_id"])
}

func TestExecute_CreateRelatedRecord(t *testing.T) {
	ex, _, recs := newTestExecutor(t)

	res, err := ex.Execute(context.Background(), CreateRelatedRecord{
		EntityType: "invoice",
		Fields:     map[string]any{"total": float64(10)},
		LinkField:  "deal_id",
	}, dealVars())
	require.NoError(t, err)

	rec := recs.data["invoice/"+res["record_id"].(string)]
	assert.Equal(t, "d1", rec["deal_id"])
	assert.Equal(t, float64(10), rec["total"])
}

func TestExecute_Wait(t *testing.T) {
	ex, _, _ := newTestExecutor(t)
	res, err := ex.Execute(context.Background(), Wait{Note: "cool off"}, dealVars())
	require.NoError(t, err)
	assert.Equal(t, true, res["waited"])
}

func TestExecute_NoRecordStore(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{})
	_, err := ex.Execute(context.Background(), ChangeStage{Field: "stage", Stage: "won"}, dealVars())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no record store")
}
