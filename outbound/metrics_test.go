package outbound

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestMetricsWritePrometheus(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveClaim()
	metrics.ObserveEmptyPoll()
	metrics.ObserveDelivered(120 * time.Millisecond)
	metrics.ObserveSendFailure()
	metrics.ObserveLeaseAcquired()
	metrics.ObserveLeaseContended()
	metrics.ObserveLeaseLost()
	metrics.ObserveHeartbeatOK()
	metrics.ObserveLoopError()

	var buf bytes.Buffer
	metrics.WritePrometheus(&buf)
	out := buf.String()

	for _, want := range []string{
		"courier_outbound_claims_total 1",
		"courier_outbound_empty_polls_total 1",
		"courier_heartbeats_total 1",
		`courier_outbound_jobs_total{outcome="delivered"} 1`,
		`courier_outbound_jobs_total{outcome="send_failed"} 1`,
		`courier_lease_events_total{event="acquired"} 1`,
		`courier_lease_events_total{event="contended"} 1`,
		`courier_lease_events_total{event="lost"} 1`,
		"courier_loop_errors_total 1",
		"courier_send_duration_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected exposition to contain %q, got:\n%s", want, out)
		}
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveClaim()
	metrics.ObserveDelivered(time.Second)
	metrics.ObserveLoopError()
	var buf bytes.Buffer
	metrics.WritePrometheus(&buf)
	if buf.Len() != 0 {
		t.Fatalf("expected nil metrics to write nothing")
	}
}

func TestHistogramBuckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1})
	h.observe(0.05)
	h.observe(0.5)
	h.observe(5)
	if h.count != 3 {
		t.Fatalf("expected count 3, got %d", h.count)
	}
	if h.counts[0] != 1 || h.counts[1] != 2 {
		t.Fatalf("unexpected bucket counts %v", h.counts)
	}
}
