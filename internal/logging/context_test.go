package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", TenantID(ctx))

	ctx = WithExecutionID(ctx, "exec-123")
	ctx = WithStepID(ctx, "stepx-1")
	ctx = WithTenantID(ctx, "acme")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "stepx-1", StepID(ctx))
	assert.Equal(t, "acme", TenantID(ctx))
}

func TestWithIDs(t *testing.T) {
	ctx := WithIDs(context.Background(), "acme", "exec-1", "stepx-2")
	assert.Equal(t, "acme", TenantID(ctx))
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "stepx-2", StepID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "acme", "exec-abc", "stepx-x")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "tenant_id=acme")
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "step_id=stepx-x")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecutionID(context.Background(), "exec-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "step_id")
	assert.NotContains(t, output, "tenant_id")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "acme", "exec-auto", "stepx-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"tenant_id":"acme"`)
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"step_id":"stepx-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "execution_id")
	assert.NotContains(t, output, "tenant_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "scheduler")}).WithGroup("sweep"))

	ctx := WithExecutionID(context.Background(), "exec-attr")
	logger.InfoContext(ctx, "with attrs", "claimed", 3)

	output := buf.String()
	assert.Contains(t, output, `"component":"scheduler"`)
	assert.Contains(t, output, "exec-attr")
	assert.Contains(t, output, "with attrs")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}
