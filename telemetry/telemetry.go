// Package telemetry records migration metrics in a Prometheus registry and
// writes them in the node_exporter textfile format.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "schemaforge"

// Recorder holds the engine metrics. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	Operations       *prometheus.CounterVec
	OperationSeconds *prometheus.HistogramVec
	Scripts          *prometheus.CounterVec
	Steps            *prometheus.CounterVec
	LockWaitSeconds  prometheus.Histogram
	SchemaVersion    *prometheus.GaugeVec
	LastRun          prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by result",
		}, []string{"operation", "result"}),
		OperationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of engine operations in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Scripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scripts_total",
			Help:      "Migration scripts executed by direction and outcome",
		}, []string{"direction", "outcome"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Migration steps executed by result",
		}, []string{"result"}),
		LockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring the migration lock",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60},
		}),
		SchemaVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "schema_version_info",
			Help:      "Current schema version of the target database",
		}, []string{"version"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last engine operation",
		}),
	}

	reg.MustRegister(r.Operations, r.OperationSeconds, r.Scripts, r.Steps, r.LockWaitSeconds, r.SchemaVersion, r.LastRun)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveOperation records one engine operation.
func (r *Recorder) ObserveOperation(operation string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.Operations.WithLabelValues(operation, result).Inc()
	r.OperationSeconds.WithLabelValues(operation).Observe(d.Seconds())
	r.LastRun.SetToCurrentTime()
}

// ObserveScript records a finished script.
func (r *Recorder) ObserveScript(direction, outcome string) {
	if r == nil {
		return
	}
	r.Scripts.WithLabelValues(direction, outcome).Inc()
}

// ObserveStep records one executed step.
func (r *Recorder) ObserveStep(err error) {
	if r == nil {
		return
	}
	if err != nil {
		r.Steps.WithLabelValues("error").Inc()
		return
	}
	r.Steps.WithLabelValues("success").Inc()
}

// ObserveLockWait records how long acquiring the lock took.
func (r *Recorder) ObserveLockWait(d time.Duration) {
	if r == nil {
		return
	}
	r.LockWaitSeconds.Observe(d.Seconds())
}

// SetVersion exposes v as the current schema version.
func (r *Recorder) SetVersion(v string) {
	if r == nil || v == "" {
		return
	}
	r.SchemaVersion.Reset()
	r.SchemaVersion.WithLabelValues(v).Set(1)
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}
