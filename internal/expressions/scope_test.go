package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_NestedMaps(t *testing.T) {
	v := Vars{"a": map[string]any{"b": map[string]any{"c": "deep"}}}

	got, ok := v.Lookup("a.b.c")
	require.True(t, ok)
	assert.Equal(t, "deep", got)

	_, ok = v.Lookup("a.b.x")
	assert.False(t, ok)

	_, ok = v.Lookup("a.b.c.d")
	assert.False(t, ok, "cannot traverse into a scalar")
}

func TestLookup_PresentNilIsFound(t *testing.T) {
	v := Vars{"a": map[string]any{"b": nil}}
	got, ok := v.Lookup("a.b")
	assert.True(t, ok)
	assert.Nil(t, got)
}

func TestLookup_SliceBounds(t *testing.T) {
	v := Vars{"list": []any{"x", "y"}}

	got, ok := v.Lookup("list.1")
	require.True(t, ok)
	assert.Equal(t, "y", got)

	for _, path := range []string{"list.2", "list.-1", "list.first"} {
		_, ok := v.Lookup(path)
		assert.False(t, ok, path)
	}
}

func TestLookup_DottedKeyWins(t *testing.T) {
	v := Vars{"custom.field": "direct", "custom": map[string]any{"field": "nested"}}
	got, ok := v.Lookup("custom.field")
	require.True(t, ok)
	assert.Equal(t, "direct", got)
}

func TestLookup_EmptySegments(t *testing.T) {
	v := Vars{"a": map[string]any{"b": "c"}}
	for _, path := range []string{"", " ", "a..b", ".a", "a."} {
		_, ok := v.Lookup(path)
		assert.False(t, ok, path)
	}
}

func TestBuildVars(t *testing.T) {
	trigger := map[string]any{
		"type":    "contact_created",
		"contact": map[string]any{"phone": "+1"},
	}
	outputs := []StepOutput{
		{Order: 1, Output: map[string]any{"id": "msg-1"}},
		{Order: 2, Output: map[string]any{"status": "sent"}},
	}
	v := BuildVars(trigger, outputs, map[string]any{"execution_id": "exec-1"})

	got, ok := v.Lookup("trigger.contact.phone")
	require.True(t, ok)
	assert.Equal(t, "+1", got)

	got, ok = v.Lookup("contact.phone")
	require.True(t, ok)
	assert.Equal(t, "+1", got)

	got, ok = v.Lookup("steps.1.id")
	require.True(t, ok)
	assert.Equal(t, "msg-1", got)

	got, ok = v.Lookup("previous.status")
	require.True(t, ok)
	assert.Equal(t, "sent", got)

	got, ok = v.Lookup("execution_id")
	require.True(t, ok)
	assert.Equal(t, "exec-1", got)
}

func TestBuildVars_SnapshotIsCopied(t *testing.T) {
	trigger := map[string]any{"contact": map[string]any{"phone": "+1"}}
	v := BuildVars(trigger, nil, nil)

	trigger["contact"].(map[string]any)["phone"] = "+2"

	got, _ := v.Lookup("trigger.contact.phone")
	assert.Equal(t, "+1", got)
	prev, ok := v.Lookup("previous")
	require.True(t, ok)
	assert.Equal(t, map[string]any{}, prev)
}

func TestVarsClone(t *testing.T) {
	v := Vars{"a": map[string]any{"b": []any{"x"}}}
	cp := v.Clone()
	cp["a"].(map[string]any)["b"].([]any)[0] = "y"

	got, _ := v.Lookup("a.b.0")
	assert.Equal(t, "x", got)
}
