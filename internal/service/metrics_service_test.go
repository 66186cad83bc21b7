package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceCountsTransitions(t *testing.T) {
	m := NewMetricsService()
	m.ObserveTransition("proposal", "approve", OutcomeSuccess, 10*time.Millisecond)
	m.ObserveTransition("proposal", "approve", OutcomeSuccess, 5*time.Millisecond)
	m.ObserveTransition("proposal", "approve", OutcomeRejected, time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("proposal", "approve", OutcomeSuccess)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("proposal", "approve", OutcomeRejected)))
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	require.NotPanics(t, func() {
		m.ObserveTransition("melp", "deny", OutcomeError, time.Second)
		m.RecordNotification("APPROVED", "sent")
		m.RecordCacheOperation(true, time.Millisecond)
		m.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	})
	require.Nil(t, m.Registry())
}
