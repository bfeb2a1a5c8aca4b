package metrics

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritor/internal/approval"
	"veritor/internal/config"
)

func TestHistogramBucketsAndQuantile(t *testing.T) {
	var h Histogram
	for _, s := range []float64{0.05, 0.3, 0.3, 0.9, 2.0} {
		h.Observe(s)
	}
	buckets := h.Buckets()
	assert.Equal(t, 1, buckets["0.1"])
	assert.Equal(t, 3, buckets["0.5"])
	assert.Equal(t, 4, buckets["1"])
	assert.Equal(t, 5, buckets["2.5"])
	assert.Equal(t, 5, buckets["+Inf"])

	p95, ok := h.Quantile(0.95)
	require.True(t, ok)
	assert.Equal(t, 2.5, p95)

	median, ok := h.Quantile(0.5)
	require.True(t, ok)
	assert.Equal(t, 0.5, median)
}

func TestHistogramQuantileUnbounded(t *testing.T) {
	var h Histogram
	h.Observe(30)
	p95, ok := h.Quantile(0.95)
	require.True(t, ok)
	assert.True(t, math.IsInf(p95, 1))

	s := h.Summary()
	assert.Equal(t, 1, s.Count)
	assert.Nil(t, s.P95)
	require.NotNil(t, s.Average)
	assert.Equal(t, 30.0, *s.Average)
}

func TestHistogramEmpty(t *testing.T) {
	var h Histogram
	_, ok := h.Quantile(0.95)
	assert.False(t, ok)
	s := h.Summary()
	assert.Zero(t, s.Count)
	assert.Nil(t, s.Average)
	assert.Nil(t, s.P95)
}

func TestRegistryCountersAndRates(t *testing.T) {
	reg := NewRegistry()
	reg.IncRequests()
	reg.IncRequests()
	reg.ObserveAnswer("default", "accept", 200*time.Millisecond, 50*time.Millisecond)
	reg.ObserveAnswer("default", "abstain", 400*time.Millisecond, 0)
	reg.ObserveAnswer("medical", "iterate", time.Second, 0)
	reg.ObserveUQ("default", -1.2, 0.7, 5)

	c := NewCollector(reg, nil, nil, config.DefaultAlertsConfig(), 0.05)
	report := c.Report()

	assert.Equal(t, int64(2), report.Requests)
	assert.Equal(t, int64(3), report.Answers)
	assert.Equal(t, int64(1), report.Accept)
	assert.Equal(t, int64(1), report.Iterate)
	assert.Equal(t, int64(1), report.Abstain)
	require.NotNil(t, report.Rates)
	assert.InDelta(t, 1.0/3.0, report.Rates.Abstain, 1e-9)

	require.Contains(t, report.ByDomain, "medical")
	assert.Equal(t, int64(1), report.ByDomain["medical"].Iterate)
	assert.InDelta(t, 1.0, report.RatesByDomain["medical"].Iterate, 1e-9)

	require.NotNil(t, report.Latency)
	assert.Equal(t, 3, report.Latency.Count)
	require.NotNil(t, report.FirstTokenLatency)
	assert.Equal(t, 3, report.FirstTokenLatency.Count)
	require.Contains(t, report.LatencyByDomain, "default")
	assert.Equal(t, 2, report.LatencyByDomain["default"].Count)

	require.NotNil(t, report.UQ)
	assert.Equal(t, int64(1), report.UQ.Events)
	require.NotNil(t, report.UQ.AvgRaw)
	assert.InDelta(t, -1.2, *report.UQ.AvgRaw, 1e-9)
	assert.Equal(t, int64(5), report.UQ.SamplesTotal)

	// Below min-answer floors, nothing alerts.
	assert.Nil(t, report.Alerts)
}

func TestAbstainAlert(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveAnswer("default", "abstain", time.Millisecond, 0)
	reg.ObserveAnswer("default", "abstain", time.Millisecond, 0)
	reg.ObserveAnswer("default", "accept", time.Millisecond, 0)

	cfg := config.DefaultAlertsConfig()
	cfg.AbstainAlertMinAnswers = 3
	cfg.AbstainAlertRate = 0.3

	report := NewCollector(reg, nil, nil, cfg, 0.05).Report()
	require.NotNil(t, report.Alerts)
	require.Contains(t, report.Alerts.Abstain, "global")
	assert.InDelta(t, 2.0/3.0, report.Alerts.Abstain["global"].Rate, 1e-9)
	require.Contains(t, report.Alerts.Abstain, "default")
}

func TestLatencyAlertUnboundedP95(t *testing.T) {
	reg := NewRegistry()
	reg.ObserveAnswer("default", "accept", 30*time.Second, 0)

	cfg := config.DefaultAlertsConfig()
	cfg.LatencyAlertMinRequests = 1

	report := NewCollector(reg, nil, nil, cfg, 0.05).Report()
	require.NotNil(t, report.Alerts)
	require.Contains(t, report.Alerts.Latency, "global")
	assert.Nil(t, report.Alerts.Latency["global"].P95)
	assert.Equal(t, cfg.LatencyP95AlertSeconds, report.Alerts.Latency["global"].Threshold)
}

func TestApprovalsAlert(t *testing.T) {
	approvals := approval.NewStore(time.Hour)
	for i := 0; i < 6; i++ {
		approvals.Create("WEB_FETCH", map[string]string{"url": "https://example.com"})
	}

	cfg := config.DefaultAlertsConfig()
	report := NewCollector(NewRegistry(), nil, approvals, cfg, 0.05).Report()

	require.NotNil(t, report.Approvals)
	assert.Equal(t, 6, report.Approvals.Pending)
	require.NotNil(t, report.Alerts)
	require.NotNil(t, report.Alerts.Approvals)
	require.NotNil(t, report.Alerts.Approvals.Pending)
	assert.Equal(t, 6.0, report.Alerts.Approvals.Pending.Current)
}

func TestPrometheusExposition(t *testing.T) {
	reg := NewRegistry()
	reg.IncRequests()
	reg.ObserveAnswer("default", "abstain", 300*time.Millisecond, 0)
	reg.ObserveAnswer("default", "accept", 700*time.Millisecond, 0)
	reg.ObserveUQ("default", -0.5, 0.8, 4)

	text := NewCollector(reg, nil, nil, config.DefaultAlertsConfig(), 0.05).Prometheus()

	assert.Contains(t, text, "veritor_requests_total 1")
	assert.Contains(t, text, "veritor_answers_total 2")
	assert.Contains(t, text, "veritor_abstain_total 1")
	assert.Contains(t, text, `veritor_answers_by_domain_total{domain="default"} 2`)
	assert.Contains(t, text, `veritor_answer_latency_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, text, `veritor_answer_latency_seconds_bucket{le="+Inf"} 2`)
	assert.Contains(t, text, "veritor_answer_latency_seconds_count 2")
	assert.Contains(t, text, "veritor_abstain_rate 0.5")
	assert.Contains(t, text, "veritor_uq_events_total 1")
	assert.Contains(t, text, "veritor_uq_samples_total 4")
	assert.True(t, strings.Contains(text, "# TYPE veritor_answer_latency_seconds histogram"))
}
