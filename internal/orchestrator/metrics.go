package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	jobsTotal           *prometheus.CounterVec
	jobDuration         *prometheus.HistogramVec
	activeJobs          prometheus.Gauge
	pagesConvertedTotal prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docflow_jobs_total",
			Help: "Total conversion jobs by final status.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docflow_job_duration_seconds",
			Help:    "Total processing duration for each conversion job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docflow_active_jobs",
			Help: "Current number of jobs holding a conversion slot.",
		}),
		pagesConvertedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docflow_pages_converted_total",
			Help: "Total document pages converted across successful jobs.",
		}),
	}

	reg.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.pagesConvertedTotal,
	)
	return m
}
