package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// Recorder exports diffusion counters to Prometheus. It is a simulation
// observer; one Recorder serves every run of a process.
type Recorder struct {
	registry *prometheus.Registry

	Iterations *prometheus.CounterVec
	Actions    *prometheus.CounterVec
	Transfers  *prometheus.CounterVec
	Active     *prometheus.GaugeVec
	Runs       *prometheus.GaugeVec
	Checkpoint *prometheus.CounterVec
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder(namespace string) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		Iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Committed diffusion iterations",
		}, []string{"run_id"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Per-user piece actions by kind",
		}, []string{"run_id", "action"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Delivered candidates",
		}, []string{"run_id"}),
		Active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_records",
			Help:      "Active records after the last iteration",
		}, []string{"run_id"}),
		Runs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs",
			Help:      "Runs by status",
		}, []string{"status"}),
		Checkpoint: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint writes by result",
		}, []string{"result"}),
	}
	r.registry.MustRegister(r.Iterations, r.Actions, r.Transfers, r.Active, r.Runs, r.Checkpoint)
	return r
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) OnIteration(runID string, it *history.Iteration) {
	r.Iterations.WithLabelValues(runID).Inc()
	r.Actions.WithLabelValues(runID, MetricSeen).Add(float64(len(it.Seen)))
	r.Actions.WithLabelValues(runID, MetricPropagated).Add(float64(len(it.Propagated)))
	r.Actions.WithLabelValues(runID, MetricRepropagated).Add(float64(len(it.Repropagated)))
	r.Actions.WithLabelValues(runID, MetricIgnored).Add(float64(len(it.Ignored)))
	r.Actions.WithLabelValues(runID, MetricExpired).Add(float64(len(it.Expired)))
	r.Transfers.WithLabelValues(runID).Add(float64(len(it.Transfers)))
	r.Active.WithLabelValues(runID).Set(float64(it.Active))
}

// Transition moves one run from one status gauge to another. from may be empty.
func (r *Recorder) Transition(from, to models.RunStatus) {
	if from != "" {
		r.Runs.WithLabelValues(string(from)).Dec()
	}
	r.Runs.WithLabelValues(string(to)).Inc()
}

// CheckpointResult counts a checkpoint write.
func (r *Recorder) CheckpointResult(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.Checkpoint.WithLabelValues(result).Inc()
}

// Forget drops the per-run series of a run that is no longer tracked.
func (r *Recorder) Forget(runID string) {
	r.Iterations.DeleteLabelValues(runID)
	r.Transfers.DeleteLabelValues(runID)
	r.Active.DeleteLabelValues(runID)
	r.Actions.DeletePartialMatch(prometheus.Labels{"run_id": runID})
}
