package codeinterpreter

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var runBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_interpreter_runs_total",
			Help: "Code interpreter runs by backend and outcome",
		},
		[]string{"backend", "status"},
	)

	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datachat_interpreter_run_duration_seconds",
			Help:    "Code interpreter run duration",
			Buckets: runBuckets,
		},
		[]string{"backend"},
	)

	filesDownloaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datachat_interpreter_files_downloaded_total",
			Help: "Files downloaded from the execution environment",
		},
		[]string{"backend"},
	)
)

// Collectors returns the interpreter metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{runsTotal, runDuration, filesDownloaded}
}

// ObserveRun records a finished run. Backends call it once per Run.
func ObserveRun(backend string, start time.Time, files int, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrCapacity):
		status = "capacity"
	case err != nil:
		status = "error"
	}
	runsTotal.WithLabelValues(backend, status).Inc()
	runDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	if files > 0 {
		filesDownloaded.WithLabelValues(backend).Add(float64(files))
	}
}
