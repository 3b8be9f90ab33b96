package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type DBMetrics struct {
	QueryDuration *prometheus.HistogramVec
}

type LifecycleMetrics struct {
	AccrualsTotal   *prometheus.CounterVec
	DemandsTotal    *prometheus.CounterVec
	RepaymentsTotal *prometheus.CounterVec
	RepostsTotal    *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
}

var (
	HTTP = HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_engine_http_requests_total",
				Help: "Total number of HTTP requests received.",
			},
			[]string{"method", "path", "code"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_engine_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "code"},
		),
	}

	DB = DBMetrics{
		QueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_engine_db_query_duration_seconds",
				Help:    "Histogram of database query latencies.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"query_name", "status"},
		),
	}

	Lifecycle = LifecycleMetrics{
		AccrualsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_engine_accruals_total",
				Help: "Total number of per-loan interest accrual runs.",
			},
			[]string{"status"},
		),
		DemandsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_engine_demands_total",
				Help: "Total number of per-loan demand generation runs.",
			},
			[]string{"status"},
		),
		RepaymentsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_engine_repayments_total",
				Help: "Total number of repayments posted.",
			},
			[]string{"repayment_type"},
		),
		RepostsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lending_engine_reposts_total",
				Help: "Total number of loan history reposts.",
			},
			[]string{"status"},
		),
		BatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lending_engine_batch_duration_seconds",
				Help:    "Histogram of scheduled batch run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"job"},
		),
	}
)

func RecordHTTPRequest(method, path, code string, duration time.Duration) {
	HTTP.RequestsTotal.WithLabelValues(method, path, code).Inc()
	HTTP.RequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

func RecordDBQuery(queryName, status string, duration time.Duration) {
	DB.QueryDuration.WithLabelValues(queryName, status).Observe(duration.Seconds())
}

func RecordAccrual(status string) {
	Lifecycle.AccrualsTotal.WithLabelValues(status).Inc()
}

func RecordDemand(status string) {
	Lifecycle.DemandsTotal.WithLabelValues(status).Inc()
}

func RecordRepayment(repaymentType string) {
	Lifecycle.RepaymentsTotal.WithLabelValues(repaymentType).Inc()
}

func RecordRepost(status string) {
	Lifecycle.RepostsTotal.WithLabelValues(status).Inc()
}

func RecordBatchRun(job string, duration time.Duration) {
	Lifecycle.BatchDuration.WithLabelValues(job).Observe(duration.Seconds())
}
