package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalSingleton(t *testing.T) {
	assert.Same(t, Global(), Global())
}

func TestRecordHunks(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordHunks(3, 1)
	m.RecordHunks(0, 0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Hunks.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Hunks.WithLabelValues("skipped")))
}

func TestRecordTransitionAndUsage(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordTransition("RetrievingContext", "GeneratingPatch")
	m.RecordTransition("RetrievingContext", "GeneratingPatch")
	m.RecordUsage(100, 20)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("RetrievingContext", "GeneratingPatch")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.CompletionUsage.WithLabelValues("input")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.CompletionUsage.WithLabelValues("output")))
}

func TestHandlerExposition(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordStage("GeneratingPatch", 150*time.Millisecond)
	m.ApplyErrors.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "fraude_workflow_stage_duration_seconds_bucket")
	assert.Contains(t, string(body), "fraude_staging_apply_errors_total 1")
}
