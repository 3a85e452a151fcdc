package metrics

import (
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/GoSim-25-26J-441/diffusion-core/internal/history"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/models"
	"github.com/GoSim-25-26J-441/diffusion-core/pkg/utils"
)

// Collector collects per-iteration series during a run. It is a
// simulation observer.
type Collector struct {
	mu sync.RWMutex

	lastIteration int32

	// Series: metric name -> labels -> points in iteration order
	timeSeries map[string]map[string][]*models.MetricPoint

	// Cached aggregations: metric name -> labels -> Aggregation
	aggregations map[string]map[string]*models.Aggregation
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		lastIteration: -1,
		timeSeries:    make(map[string]map[string][]*models.MetricPoint),
		aggregations:  make(map[string]map[string]*models.Aggregation),
	}
}

// OnIteration records the diffusion counts of a committed iteration.
func (c *Collector) OnIteration(runID string, it *history.Iteration) {
	RecordIteration(c, it, RunLabels(runID))
}

// Record records a metric value for an iteration
func (c *Collector) Record(name string, value float64, iteration int32, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := labelKey(labels)
	if c.timeSeries[name] == nil {
		c.timeSeries[name] = make(map[string][]*models.MetricPoint)
	}
	c.timeSeries[name][key] = append(c.timeSeries[name][key], &models.MetricPoint{
		Iteration: iteration,
		Name:      name,
		Value:     value,
		Labels:    maps.Clone(labels),
	})
	if iteration > c.lastIteration {
		c.lastIteration = iteration
	}
	// new data invalidates the cached aggregation
	if c.aggregations[name] != nil {
		delete(c.aggregations[name], key)
	}
}

// GetTimeSeries returns all points for a metric
func (c *Collector) GetTimeSeries(name string, labels map[string]string) []*models.MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	points := c.getPointsUnsafe(name, labelKey(labels))
	if points == nil {
		return nil
	}
	result := make([]*models.MetricPoint, len(points))
	for i, p := range points {
		cp := *p
		cp.Labels = maps.Clone(p.Labels)
		result[i] = &cp
	}
	return result
}

// Values returns the values of a series in iteration order
func (c *Collector) Values(name string, labels map[string]string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	points := c.getPointsUnsafe(name, labelKey(labels))
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return values
}

// GetOrComputeAggregation gets cached aggregation or computes it
func (c *Collector) GetOrComputeAggregation(name string, labels map[string]string) *models.Aggregation {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := labelKey(labels)
	if c.aggregations[name] == nil {
		c.aggregations[name] = make(map[string]*models.Aggregation)
	}
	if agg, ok := c.aggregations[name][key]; ok {
		return agg
	}
	agg := calculateAggregation(c.getPointsUnsafe(name, key))
	if agg != nil {
		c.aggregations[name][key] = agg
	}
	return agg
}

// GetSummary returns every series, merged across labels, with its aggregation
func (c *Collector) GetSummary() *models.MetricsSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := &models.MetricsSummary{
		Iterations:   c.lastIteration + 1,
		Metrics:      make(map[string][]float64),
		Aggregations: make(map[string]*models.Aggregation),
	}
	for name, labelMap := range c.timeSeries {
		var all []*models.MetricPoint
		for _, key := range sortedKeys(labelMap) {
			all = append(all, labelMap[key]...)
		}
		values := make([]float64, len(all))
		for i, p := range all {
			values[i] = p.Value
		}
		summary.Metrics[name] = values
		if agg := calculateAggregation(all); agg != nil {
			summary.Aggregations[name] = agg
		}
	}
	return summary
}

// GetMetricNames returns all metric names that have been collected, sorted
func (c *Collector) GetMetricNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.timeSeries)
}

// Clear drops every collected series, e.g. once a run is evicted
func (c *Collector) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timeSeries = make(map[string]map[string][]*models.MetricPoint)
	c.aggregations = make(map[string]map[string]*models.Aggregation)
	c.lastIteration = -1
}

// getPointsUnsafe returns points without locking (caller must hold lock)
func (c *Collector) getPointsUnsafe(name, key string) []*models.MetricPoint {
	if c.timeSeries[name] == nil {
		return nil
	}
	return c.timeSeries[name][key]
}

// labelKey creates a key from labels for map lookup
func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	var b strings.Builder
	for _, k := range sortedKeys(labels) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// calculateAggregation calculates aggregated statistics from metric points
func calculateAggregation(points []*models.MetricPoint) *models.Aggregation {
	if len(points) == 0 {
		return nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	sort.Float64s(values)

	return &models.Aggregation{
		Count: int64(len(values)),
		Sum:   utils.Sum(values),
		Min:   values[0],
		Max:   values[len(values)-1],
		Mean:  utils.Mean(values),
		P50:   calculatePercentile(values, 0.50),
		P95:   calculatePercentile(values, 0.95),
		P99:   calculatePercentile(values, 0.99),
	}
}

// calculatePercentile takes p as a fraction in [0, 1]
func calculatePercentile(values []float64, p float64) float64 {
	return utils.Percentile(values, p*100)
}
