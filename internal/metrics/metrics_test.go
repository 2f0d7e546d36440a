package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/autoflow/internal/engine"
)

func newTestProm(t *testing.T) (*Prom, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	p, err := NewProm("autoflow", reg)
	require.NoError(t, err)
	return p, reg
}

// sample returns the counter or gauge value of the series with the given
// labels, or -1 when absent. Histograms report their sample count.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if !labelsMatch(m.GetLabel(), labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				return m.GetCounter().GetValue()
			case m.Gauge != nil:
				return m.GetGauge().GetValue()
			case m.Histogram != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return -1
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, lp := range pairs {
		if want[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestProm_ExecutionCounters(t *testing.T) {
	p, reg := newTestProm(t)
	p.ExecutionStarted("contact_created")
	p.ExecutionStarted("contact_created")
	p.ExecutionFinished("completed")

	assert.Equal(t, 2.0, sample(t, reg, "autoflow_executions_started_total", map[string]string{"trigger_type": "contact_created"}))
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_executions_finished_total", map[string]string{"status": "completed"}))
}

func TestProm_StepFinished(t *testing.T) {
	p, reg := newTestProm(t)
	p.StepFinished("send_email", "completed", 20*time.Millisecond)
	p.StepFinished("webhook", "failed", time.Second)

	assert.Equal(t, 1.0, sample(t, reg, "autoflow_steps_executed_total", map[string]string{"action_kind": "send_email", "status": "completed"}))
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_steps_executed_total", map[string]string{"action_kind": "webhook", "status": "failed"}))
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_step_duration_seconds", map[string]string{"action_kind": "webhook"}))
}

func TestProm_SweepFinished(t *testing.T) {
	p, reg := newTestProm(t)
	p.SweepFinished(5, 4, 3, 1, 1, 50*time.Millisecond)
	p.SweepFinished(2, 2, 2, 0, 0, 10*time.Millisecond)

	assert.Equal(t, 2.0, sample(t, reg, "autoflow_sweep_due_steps", nil), "gauge holds the latest sweep")
	assert.Equal(t, 6.0, sample(t, reg, "autoflow_sweep_steps_total", map[string]string{"outcome": "claimed"}))
	assert.Equal(t, 5.0, sample(t, reg, "autoflow_sweep_steps_total", map[string]string{"outcome": "completed"}))
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_sweep_steps_total", map[string]string{"outcome": "lost"}))
	assert.Equal(t, 2.0, sample(t, reg, "autoflow_sweep_duration_seconds", nil))
}

func TestProm_ObserveRequest(t *testing.T) {
	p, reg := newTestProm(t)
	p.ObserveRequest(http.MethodPost, "/api/events", 202, time.Millisecond)
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_http_requests_total",
		map[string]string{"method": "POST", "route": "/api/events", "status": "202"}))
}

func TestProm_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewProm("autoflow", reg)
	require.NoError(t, err)
	_, err = NewProm("autoflow", reg)
	assert.Error(t, err)
}

func TestProm_RegisterPool(t *testing.T) {
	p, reg := newTestProm(t)
	stats := engine.PoolMetrics{Size: 8, Active: 3, Panics: 1}
	require.NoError(t, p.RegisterPool(func() engine.PoolMetrics { return stats }))

	assert.Equal(t, 8.0, sample(t, reg, "autoflow_worker_pool_size", nil))
	assert.Equal(t, 3.0, sample(t, reg, "autoflow_steps_in_flight", nil))
	assert.Equal(t, 1.0, sample(t, reg, "autoflow_worker_panics_total", nil))

	stats.Active = 0
	assert.Equal(t, 0.0, sample(t, reg, "autoflow_steps_in_flight", nil), "read at scrape time")

	assert.Error(t, p.RegisterPool(func() engine.PoolMetrics { return stats }), "second pool collides")
}

func TestProm_NilRegistry(t *testing.T) {
	a, err := NewProm("", nil)
	require.NoError(t, err)
	b, err := NewProm("", nil)
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestProm_Handler(t *testing.T) {
	p, _ := newTestProm(t)
	p.ExecutionStarted("deal_created")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `autoflow_executions_started_total{trigger_type="deal_created"} 1`)
}
