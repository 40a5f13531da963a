// Package metrics exposes Prometheus instrumentation for collection,
// alerting and scheduling.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Fetch and job outcomes used as label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultBusy    = "busy"
	ResultPanic   = "panic"
)

// Metrics holds all collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	FetchTotal       *prometheus.CounterVec
	FetchDuration    *prometheus.HistogramVec
	RatesPersisted   prometheus.Counter
	HistoryAppended  prometheus.Counter
	PersistErrors    prometheus.Counter
	LastCollect      prometheus.Gauge
	AlertsTriggered  prometheus.Counter
	DeliveryTotal    *prometheus.CounterVec
	JobRuns          *prometheus.CounterVec
	JobDuration      *prometheus.HistogramVec
	NotificationsGCd prometheus.Counter
}

// New registers every collector on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "aprhunter"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "fetch_total",
			Help:      "Connector fetches by source and result",
		}, []string{"source", "result"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "fetch_duration_seconds",
			Help:      "Connector fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
		RatesPersisted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "rates_persisted_total",
			Help:      "Observations upserted into the current table",
		}),
		HistoryAppended: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "history_appended_total",
			Help:      "History rows appended on value change",
		}),
		PersistErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "persist_errors_total",
			Help:      "Observations that failed to persist",
		}),
		LastCollect: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "last_collect_timestamp_seconds",
			Help:      "Unix time of the last completed collection run",
		}),
		AlertsTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "triggered_total",
			Help:      "Alerts that produced a notification",
		}),
		DeliveryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerting",
			Name:      "delivery_total",
			Help:      "Out-of-band notification deliveries by channel and result",
		}, []string{"channel", "result"}),
		JobRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_runs_total",
			Help:      "Scheduler ticks by job and result",
		}, []string{"job", "result"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "job_duration_seconds",
			Help:      "Job run duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"job"}),
		NotificationsGCd: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "notifications_deleted_total",
			Help:      "Notifications removed by the cleanup job",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFetch counts one connector fetch.
func (m *Metrics) RecordFetch(source, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.FetchTotal.WithLabelValues(source, result).Inc()
	if result != ResultSkipped {
		m.FetchDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	}
}

// RecordPersist counts one persisted observation.
func (m *Metrics) RecordPersist(historyAppended bool, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.PersistErrors.Inc()
		return
	}
	m.RatesPersisted.Inc()
	if historyAppended {
		m.HistoryAppended.Inc()
	}
}

// MarkCollected stamps the last completed collection.
func (m *Metrics) MarkCollected(at time.Time) {
	if m == nil {
		return
	}
	m.LastCollect.Set(float64(at.Unix()))
}

// RecordAlert counts one triggered alert.
func (m *Metrics) RecordAlert() {
	if m == nil {
		return
	}
	m.AlertsTriggered.Inc()
}

// RecordDelivery counts one out-of-band delivery attempt.
func (m *Metrics) RecordDelivery(channel string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.DeliveryTotal.WithLabelValues(channel, result).Inc()
}

// RecordJob counts one scheduler tick.
func (m *Metrics) RecordJob(job, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, result).Inc()
	if result != ResultBusy {
		m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	}
}

// RecordCleanup counts removed notifications.
func (m *Metrics) RecordCleanup(removed int64) {
	if m == nil || removed <= 0 {
		return
	}
	m.NotificationsGCd.Add(float64(removed))
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
