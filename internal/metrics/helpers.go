package metrics

import (
	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
)

// Per-iteration metric names
const (
	MetricSeen         = "seen"
	MetricPropagated   = "propagated"
	MetricRepropagated = "repropagated"
	MetricTransfers    = "transfers"
	MetricIgnored      = "ignored"
	MetricReReceived   = "rereceived"
	MetricExpired      = "expired"
	MetricActive       = "active_records"
	MetricPending      = "pending_records"
)

// RecordIteration records every count of a committed iteration
func RecordIteration(collector *Collector, it *history.Iteration, labels map[string]string) {
	n := it.Number
	collector.Record(MetricSeen, float64(len(it.Seen)), n, labels)
	collector.Record(MetricPropagated, float64(len(it.Propagated)), n, labels)
	collector.Record(MetricRepropagated, float64(len(it.Repropagated)), n, labels)
	collector.Record(MetricTransfers, float64(len(it.Transfers)), n, labels)
	collector.Record(MetricIgnored, float64(len(it.Ignored)), n, labels)
	collector.Record(MetricReReceived, float64(len(it.ReReceived)), n, labels)
	collector.Record(MetricExpired, float64(len(it.Expired)), n, labels)
	collector.Record(MetricActive, float64(it.Active), n, labels)
	collector.Record(MetricPending, float64(it.Pending), n, labels)
}

// RecordHistory records a whole history, e.g. one restored from a checkpoint
func RecordHistory(collector *Collector, iters []history.Iteration, labels map[string]string) {
	for i := range iters {
		RecordIteration(collector, &iters[i], labels)
	}
}

// RunLabels creates a labels map for a run
func RunLabels(runID string) map[string]string {
	return map[string]string{
		"run_id": runID,
	}
}

// DiffusionCurve returns the cumulative number of newly seen pieces after
// each iteration.
func DiffusionCurve(collector *Collector, labels map[string]string) []float64 {
	values := collector.Values(MetricSeen, labels)
	total := 0.0
	for i, v := range values {
		total += v
		values[i] = total
	}
	return values
}

// PeakIteration returns the iteration with the largest value of a metric,
// the earliest on ties, and false when the series is empty.
func PeakIteration(collector *Collector, name string, labels map[string]string) (int32, bool) {
	points := collector.GetTimeSeries(name, labels)
	if len(points) == 0 {
		return 0, false
	}
	best := points[0]
	for _, p := range points[1:] {
		if p.Value > best.Value {
			best = p
		}
	}
	return best.Iteration, true
}

// Aggregations returns the cached aggregation of every series of a run,
// keyed by metric name.
func Aggregations(collector *Collector, labels map[string]string) map[string]*models.Aggregation {
	out := make(map[string]*models.Aggregation)
	for _, name := range collector.GetMetricNames() {
		if agg := collector.GetOrComputeAggregation(name, labels); agg != nil {
			out[name] = agg
		}
	}
	return out
}
