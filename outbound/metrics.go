package outbound

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"
)

// Metrics tracks delivery-runtime metrics for Prometheus.
type Metrics struct {
	mu sync.Mutex

	claims     uint64
	emptyPolls uint64

	delivered      uint64
	edited         uint64
	sendFailures   uint64
	permanentFails uint64

	leaseAcquired   uint64
	leaseContended  uint64
	leaseLost       uint64
	heartbeatsOK    uint64
	heartbeatsNoOwn uint64
	heartbeatsError uint64

	loopErrors uint64

	sendDuration histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	count   uint64
	sum     float64
}

var durationBucketsSend = []float64{
	0.05,
	0.1,
	0.25,
	0.5,
	1,
	2.5,
	5,
	10,
	30,
}

// NewMetrics constructs a Metrics registry with default histogram buckets.
func NewMetrics() *Metrics {
	return &Metrics{
		sendDuration: newHistogram(durationBucketsSend),
	}
}

// ObserveClaim records a non-empty claim.
func (m *Metrics) ObserveClaim() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.claims++
	m.mu.Unlock()
}

// ObserveEmptyPoll records a claim that found no queued work.
func (m *Metrics) ObserveEmptyPoll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.emptyPolls++
	m.mu.Unlock()
}

// ObserveDelivered records a successful send and its duration.
func (m *Metrics) ObserveDelivered(duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.delivered++
	m.sendDuration.observe(duration.Seconds())
	m.mu.Unlock()
}

// ObserveEdited records a successful streamed-update edit.
func (m *Metrics) ObserveEdited() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.edited++
	m.mu.Unlock()
}

// ObserveSendFailure records a retryable send failure.
func (m *Metrics) ObserveSendFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sendFailures++
	m.mu.Unlock()
}

// ObservePermanentFailure records a non-retryable job defect.
func (m *Metrics) ObservePermanentFailure() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.permanentFails++
	m.mu.Unlock()
}

// ObserveLeaseAcquired records a successful lease acquisition.
func (m *Metrics) ObserveLeaseAcquired() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.leaseAcquired++
	m.mu.Unlock()
}

// ObserveLeaseContended records an acquisition attempt that lost to an
// incumbent owner.
func (m *Metrics) ObserveLeaseContended() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.leaseContended++
	m.mu.Unlock()
}

// ObserveLeaseLost records a lease-lost transition.
func (m *Metrics) ObserveLeaseLost() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.leaseLost++
	m.mu.Unlock()
}

// ObserveHeartbeatOK records a heartbeat that confirmed ownership.
func (m *Metrics) ObserveHeartbeatOK() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.heartbeatsOK++
	m.mu.Unlock()
}

// ObserveHeartbeatRejected records a heartbeat that found the lease no
// longer owned.
func (m *Metrics) ObserveHeartbeatRejected() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.heartbeatsNoOwn++
	m.mu.Unlock()
}

// ObserveHeartbeatError records a heartbeat transport failure.
func (m *Metrics) ObserveHeartbeatError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.heartbeatsError++
	m.mu.Unlock()
}

// ObserveLoopError records an unexpected loop-level store failure.
func (m *Metrics) ObserveLoopError() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.loopErrors++
	m.mu.Unlock()
}

// WritePrometheus writes metrics in Prometheus exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	if m == nil {
		return
	}

	m.mu.Lock()
	claims := m.claims
	emptyPolls := m.emptyPolls
	delivered := m.delivered
	edited := m.edited
	sendFailures := m.sendFailures
	permanentFails := m.permanentFails
	leaseAcquired := m.leaseAcquired
	leaseContended := m.leaseContended
	leaseLost := m.leaseLost
	heartbeatsOK := m.heartbeatsOK
	heartbeatsNoOwn := m.heartbeatsNoOwn
	heartbeatsError := m.heartbeatsError
	loopErrors := m.loopErrors
	sendDuration := copyHistogram(m.sendDuration)
	m.mu.Unlock()

	fmt.Fprintf(w, "# HELP courier_outbound_claims_total Jobs claimed from the queue.\n")
	fmt.Fprintf(w, "# TYPE courier_outbound_claims_total counter\n")
	fmt.Fprintf(w, "courier_outbound_claims_total %d\n", claims)

	fmt.Fprintf(w, "# HELP courier_outbound_empty_polls_total Claim calls that found no work.\n")
	fmt.Fprintf(w, "# TYPE courier_outbound_empty_polls_total counter\n")
	fmt.Fprintf(w, "courier_outbound_empty_polls_total %d\n", emptyPolls)

	fmt.Fprintf(w, "# HELP courier_outbound_jobs_total Terminal job outcomes.\n")
	fmt.Fprintf(w, "# TYPE courier_outbound_jobs_total counter\n")
	fmt.Fprintf(w, "courier_outbound_jobs_total{outcome=%q} %d\n", "delivered", delivered)
	fmt.Fprintf(w, "courier_outbound_jobs_total{outcome=%q} %d\n", "edited", edited)
	fmt.Fprintf(w, "courier_outbound_jobs_total{outcome=%q} %d\n", "send_failed", sendFailures)
	fmt.Fprintf(w, "courier_outbound_jobs_total{outcome=%q} %d\n", "permanent_failure", permanentFails)

	fmt.Fprintf(w, "# HELP courier_lease_events_total Lease lifecycle events.\n")
	fmt.Fprintf(w, "# TYPE courier_lease_events_total counter\n")
	fmt.Fprintf(w, "courier_lease_events_total{event=%q} %d\n", "acquired", leaseAcquired)
	fmt.Fprintf(w, "courier_lease_events_total{event=%q} %d\n", "contended", leaseContended)
	fmt.Fprintf(w, "courier_lease_events_total{event=%q} %d\n", "lost", leaseLost)

	fmt.Fprintf(w, "# HELP courier_heartbeats_total Heartbeats that confirmed ownership.\n")
	fmt.Fprintf(w, "# TYPE courier_heartbeats_total counter\n")
	fmt.Fprintf(w, "courier_heartbeats_total %d\n", heartbeatsOK)

	fmt.Fprintf(w, "# HELP courier_heartbeat_failures_total Heartbeats that did not confirm ownership.\n")
	fmt.Fprintf(w, "# TYPE courier_heartbeat_failures_total counter\n")
	fmt.Fprintf(w, "courier_heartbeat_failures_total{kind=%q} %d\n", "rejected", heartbeatsNoOwn)
	fmt.Fprintf(w, "courier_heartbeat_failures_total{kind=%q} %d\n", "error", heartbeatsError)

	fmt.Fprintf(w, "# HELP courier_loop_errors_total Unexpected store failures at the loop boundary.\n")
	fmt.Fprintf(w, "# TYPE courier_loop_errors_total counter\n")
	fmt.Fprintf(w, "courier_loop_errors_total %d\n", loopErrors)

	writeHistogram(w, "courier_send_duration_seconds", "Channel send duration in seconds.", sendDuration)
}

func newHistogram(buckets []float64) histogram {
	return histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func copyHistogram(h histogram) histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		count:   h.count,
		sum:     h.sum,
	}
}

func writeHistogram(w io.Writer, name, help string, h histogram) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s histogram\n", name)
	for i, bound := range h.buckets {
		fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, formatFloat(bound), h.counts[i])
	}
	fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", name, "+Inf", h.count)
	fmt.Fprintf(w, "%s_sum %s\n", name, formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count %d\n", name, h.count)
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
