// Package metrics exposes Prometheus metrics for billing scans.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScanMetrics holds the pipeline metrics. A nil *ScanMetrics is a no-op.
type ScanMetrics struct {
	ScansTotal          *prometheus.CounterVec
	StageSeconds        *prometheus.HistogramVec
	CompletionsTotal    *prometheus.CounterVec
	RegexFallbacksTotal *prometheus.CounterVec
	LedgerRowsTotal     prometheus.Counter
	MailboxCallsTotal   *prometheus.CounterVec
	DetectedServices    *prometheus.HistogramVec
}

// NewScanMetrics registers the scan metrics on reg.
func NewScanMetrics(reg prometheus.Registerer) *ScanMetrics {
	factory := promauto.With(reg)

	return &ScanMetrics{
		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billscan_scans_total",
				Help: "Total scan runs by outcome",
			},
			[]string{"outcome"},
		),
		StageSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billscan_stage_seconds",
				Help:    "Duration of each pipeline stage",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"stage"},
		),
		CompletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billscan_completions_total",
				Help: "Structured completion calls by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		RegexFallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billscan_regex_fallbacks_total",
				Help: "Catalog extractions that fell back to regex, by cause",
			},
			[]string{"cause"},
		),
		LedgerRowsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billscan_ledger_rows_total",
				Help: "Processed-message rows written to the ledger",
			},
		),
		MailboxCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billscan_mailbox_calls_total",
				Help: "Mailbox API calls by operation and status",
			},
			[]string{"op", "status"},
		),
		DetectedServices: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billscan_detected_services",
				Help:    "Services detected per scan",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
			},
			[]string{"source"},
		),
	}
}

func (m *ScanMetrics) ObserveStage(stage string, started time.Time) {
	if m == nil {
		return
	}
	m.StageSeconds.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}

func (m *ScanMetrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.ScansTotal.WithLabelValues(outcome).Inc()
}

func (m *ScanMetrics) Completion(mode, outcome string) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *ScanMetrics) RegexFallback(cause string) {
	if m == nil {
		return
	}
	m.RegexFallbacksTotal.WithLabelValues(cause).Inc()
}

func (m *ScanMetrics) LedgerRows(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.LedgerRowsTotal.Add(float64(n))
}

func (m *ScanMetrics) MailboxCall(op, status string) {
	if m == nil {
		return
	}
	m.MailboxCallsTotal.WithLabelValues(op, status).Inc()
}

func (m *ScanMetrics) Detected(source string, n int) {
	if m == nil {
		return
	}
	m.DetectedServices.WithLabelValues(source).Observe(float64(n))
}
