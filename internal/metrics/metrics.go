// Package metrics registers the fixed Prometheus instrument set emitted
// by the pipeline. Names are stable; dashboards and tests depend on them.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Set holds every instrument the system emits.
type Set struct {
	incidentsDetected  *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	fixesApplied       *prometheus.CounterVec
	shadowVerification *prometheus.CounterVec
	shadowActive       *prometheus.GaugeVec
	shadowRetries      *prometheus.CounterVec
	securityBlocks     *prometheus.CounterVec
	rollbacks          *prometheus.CounterVec
	analysisDuration   *prometheus.HistogramVec
	leakedNamespaces   prometheus.Gauge
}

var (
	defaultSet  *Set
	defaultOnce sync.Once
)

// Default returns the process-wide set registered against the default
// Prometheus registry. Tests construct their own with NewSet.
func Default() *Set {
	defaultOnce.Do(func() {
		defaultSet = NewSet(prometheus.DefaultRegisterer)
	})
	return defaultSet
}

// NewSet builds and registers the instrument set against reg.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		incidentsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "incidents_detected_total",
				Help: "Incidents detected by the watchers, partitioned by severity and resource.",
			},
			[]string{"severity", "kind", "namespace"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "incident_queue_depth",
				Help: "Current incident queue depth per priority.",
			},
			[]string{"priority"},
		),
		fixesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fixes_applied_total",
				Help: "Fix proposals applied to the cluster.",
			},
			[]string{"kind", "namespace", "success"},
		),
		shadowVerification: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_verifications_total",
				Help: "Shadow verification runs partitioned by result.",
			},
			[]string{"result", "kind"},
		),
		shadowActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shadow_environments_active",
				Help: "Shadow environments currently alive per runtime.",
			},
			[]string{"runtime"},
		),
		shadowRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadow_retries_total",
				Help: "Shadow verification retry attempts partitioned by outcome.",
			},
			[]string{"outcome", "attempt"},
		),
		securityBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "security_blocks_total",
				Help: "Verifications blocked by a security scanner.",
			},
			[]string{"scanner", "severity"},
		),
		rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rollbacks_total",
				Help: "Post-apply rollbacks partitioned by trigger reason.",
			},
			[]string{"resource_kind", "namespace", "reason"},
		),
		analysisDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "incident_analysis_duration_seconds",
				Help:    "Duration of each analysis stage.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),
		leakedNamespaces: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "shadow_namespaces_leaked",
				Help: "Shadow namespaces whose cleanup failed and may need manual removal.",
			},
		),
	}

	reg.MustRegister(
		s.incidentsDetected,
		s.queueDepth,
		s.fixesApplied,
		s.shadowVerification,
		s.shadowActive,
		s.shadowRetries,
		s.securityBlocks,
		s.rollbacks,
		s.analysisDuration,
		s.leakedNamespaces,
	)

	return s
}

func (s *Set) RecordIncidentDetected(severity, kind, namespace string) {
	if s == nil {
		return
	}
	s.incidentsDetected.WithLabelValues(severity, kind, namespace).Inc()
}

// UpdateQueueDepth sets the per-priority depth gauges from a snapshot.
func (s *Set) UpdateQueueDepth(depths map[string]int) {
	if s == nil {
		return
	}
	for priority, depth := range depths {
		s.queueDepth.WithLabelValues(priority).Set(float64(depth))
	}
}

func (s *Set) RecordFixApplied(kind, namespace string, success bool) {
	if s == nil {
		return
	}
	s.fixesApplied.WithLabelValues(kind, namespace, strconv.FormatBool(success)).Inc()
}

func (s *Set) RecordShadowVerification(result, kind string) {
	if s == nil {
		return
	}
	s.shadowVerification.WithLabelValues(result, kind).Inc()
}

func (s *Set) SetShadowActive(runtime string, count int) {
	if s == nil {
		return
	}
	s.shadowActive.WithLabelValues(runtime).Set(float64(count))
}

func (s *Set) RecordShadowRetry(outcome string, attempt int) {
	if s == nil {
		return
	}
	s.shadowRetries.WithLabelValues(outcome, strconv.Itoa(attempt)).Inc()
}

func (s *Set) RecordSecurityBlock(scanner, severity string) {
	if s == nil {
		return
	}
	s.securityBlocks.WithLabelValues(scanner, severity).Inc()
}

func (s *Set) RecordRollback(resourceKind, namespace, reason string) {
	if s == nil {
		return
	}
	s.rollbacks.WithLabelValues(resourceKind, namespace, reason).Inc()
}

func (s *Set) ObserveAnalysisDuration(stage string, d time.Duration) {
	if s == nil {
		return
	}
	seconds := d.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	s.analysisDuration.WithLabelValues(stage).Observe(seconds)
}

func (s *Set) IncLeakedNamespaces() {
	if s == nil {
		return
	}
	s.leakedNamespaces.Inc()
}
