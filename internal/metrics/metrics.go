// ============================================================================
// Attendance Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metrics:
//   attendance_captures_total{result}        capture attempts by outcome
//                                            (ok, panel_unavailable,
//                                            no_participants, timeout, error,
//                                            busy)
//   attendance_capture_duration_seconds      capture latency
//   attendance_snapshots                     snapshots in the active session
//   attendance_last_participants             roster size of the last snapshot
//   attendance_tracking_active               1 while a session is running
//   attendance_exports_total{result}         export deliveries (ok, failed)
//   attendance_skipped_rows_total            rows dropped for lack of a name
//
// Example queries:
//   # share of ticks that were skipped in the last hour
//   1 - rate(attendance_captures_total{result="ok"}[1h])
//     / rate(attendance_captures_total[1h])
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Capture outcomes used as the result label.
const (
	ResultOK               = "ok"
	ResultPanelUnavailable = "panel_unavailable"
	ResultNoParticipants   = "no_participants"
	ResultTimeout          = "timeout"
	ResultError            = "error"
	ResultBusy             = "busy"
	ResultFailed           = "failed"
)

// Collector Prometheus metrics collector
type Collector struct {
	captures        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	snapshots       prometheus.Gauge
	lastRoster      prometheus.Gauge
	trackingActive  prometheus.Gauge
	exports         *prometheus.CounterVec
	skippedRows     prometheus.Counter
}

// NewCollector creates the collector and registers it on the default registerer
func NewCollector() *Collector {
	c := &Collector{
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_captures_total",
			Help: "Total number of capture attempts by result",
		}, []string{"result"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "attendance_capture_duration_seconds",
			Help:    "Roster capture latency in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}),
		snapshots: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_snapshots",
			Help: "Snapshots accumulated in the active tracking session",
		}),
		lastRoster: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_last_participants",
			Help: "Participants in the most recent snapshot",
		}),
		trackingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attendance_tracking_active",
			Help: "1 while a tracking session is running",
		}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_exports_total",
			Help: "Total number of export deliveries by result",
		}, []string{"result"}),
		skippedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "attendance_skipped_rows_total",
			Help: "Roster rows dropped because no name could be extracted",
		}),
	}

	prometheus.MustRegister(c.captures)
	prometheus.MustRegister(c.captureDuration)
	prometheus.MustRegister(c.snapshots)
	prometheus.MustRegister(c.lastRoster)
	prometheus.MustRegister(c.trackingActive)
	prometheus.MustRegister(c.exports)
	prometheus.MustRegister(c.skippedRows)

	return c
}

// RecordCapture records one capture attempt
func (c *Collector) RecordCapture(result string, seconds float64) {
	c.captures.WithLabelValues(result).Inc()
	if result != ResultBusy {
		c.captureDuration.Observe(seconds)
	}
}

// RecordSnapshot records an accepted snapshot
func (c *Collector) RecordSnapshot(total, participants int) {
	c.snapshots.Set(float64(total))
	c.lastRoster.Set(float64(participants))
}

// SetTracking flips the tracking gauge and resets the session snapshot count
func (c *Collector) SetTracking(active bool) {
	if active {
		c.trackingActive.Set(1)
	} else {
		c.trackingActive.Set(0)
	}
	c.snapshots.Set(0)
}

// RecordExport records one export delivery
func (c *Collector) RecordExport(ok bool) {
	if ok {
		c.exports.WithLabelValues(ResultOK).Inc()
	} else {
		c.exports.WithLabelValues(ResultFailed).Inc()
	}
}

// RecordSkippedRow counts a nameless roster row
func (c *Collector) RecordSkippedRow() {
	c.skippedRows.Inc()
}

// Handler returns the /metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the Prometheus metrics HTTP server
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
