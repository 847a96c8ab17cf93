package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/videoflow/conductor/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()
	reg, m := metrics.NewRegistry()

	m.SetHolder(true)
	m.SetQueueLength(2)
	m.ObserveAcquire("granted", 150*time.Millisecond)
	m.StepStarted()
	m.StepFinished("tracking", "completed", 3*time.Second)
	m.SequenceOutcome("manual", "success")
	m.Relaunched()

	require.Equal(t, 1.0, testutil.ToFloat64(m.AcceleratorHeld))
	require.Equal(t, 2.0, testutil.ToFloat64(m.AcceleratorQueue))
	require.Equal(t, 0.0, testutil.ToFloat64(m.StepsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepRuns.WithLabelValues("tracking", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.SequenceOutcomes.WithLabelValues("manual", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Relaunches))

	srv := httptest.NewServer(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, err = io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	require.Contains(t, sb.String(), "conductor_step_runs_total")
}

func TestMetrics_Nil(t *testing.T) {
	t.Parallel()
	var m *metrics.Metrics
	require.NotPanics(t, func() {
		m.SetHolder(true)
		m.SetQueueLength(1)
		m.ObserveAcquire("timeout", time.Second)
		m.StepStarted()
		m.StepFinished("a", "failed", 0)
		m.SequenceOutcome("automatic", "failed")
		m.Relaunched()
	})
}
