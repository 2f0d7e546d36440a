package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/store"
)

const seedYAML = `
workflows:
  - tenant_id: acme
    name: welcome
    trigger_type: contact_created
    trigger_config:
      source: web
    active: true
    steps:
      - order: 1
        action_kind: add_tag
        action_config:
          tag: welcomed
      - order: 2
        action_kind: create_task
        delay_minutes: 1440
        action_config:
          title: "Call {{contact.first_name}}"
  - tenant_id: acme
    name: big deals
    trigger_type: deal_created
    conditions:
      field: deal.value
      operator: greater_than
      value: 10000
    active: true
    steps:
      - order: 1
        action_kind: add_tag
        action_config:
          tag: big
`

func testApp(t *testing.T) *app {
	t.Helper()
	cfg := defaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "autoflow.db")
	a, err := buildApp(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestParseSeed(t *testing.T) {
	defs, err := parseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "welcome", defs[0].Name)
	require.Len(t, defs[0].Steps, 2)
	assert.Equal(t, 1440, defs[0].Steps[1].DelayMinutes)
	require.NotNil(t, defs[1].Conditions)
	assert.Equal(t, "greater_than", defs[1].Conditions.Operator)
}

func TestParseSeed_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":          ``,
		"unknown field":  "workflows:\n  - tenant_id: acme\n    name: x\n    colour: red\n",
		"missing tenant": "workflows:\n  - name: x\n",
		"not yaml":       "workflows: [",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseSeed(strings.NewReader(in))
			assert.Error(t, err)
		})
	}
}

func TestSeed_CreatesThenSkips(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	defs, err := parseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)

	first, err := seed(ctx, a.engine, defs, a.logger)
	require.NoError(t, err)
	assert.Len(t, first.Created, 2)
	assert.Empty(t, first.Skipped)

	defs, err = parseSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	second, err := seed(ctx, a.engine, defs, a.logger)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Equal(t, []string{"welcome", "big deals"}, second.Skipped)

	all, err := a.engine.ListWorkflows(ctx, store.DefinitionFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSeed_StopsOnInvalidDefinition(t *testing.T) {
	a := testApp(t)
	defs, err := parseSeed(strings.NewReader(`
workflows:
  - tenant_id: acme
    name: broken
    trigger_type: not_a_trigger
    steps: []
`))
	require.NoError(t, err)

	summary, err := seed(context.Background(), a.engine, defs, a.logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, summary.Created)
}
