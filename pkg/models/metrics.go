package models

// MetricPoint is one value of a per-iteration series
type MetricPoint struct {
	Iteration int32             `json:"iteration"`
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Aggregation contains aggregated statistics for a metric
type Aggregation struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// MetricsSummary contains every collected series and its aggregation
type MetricsSummary struct {
	Iterations   int32                   `json:"iterations"`
	Metrics      map[string][]float64    `json:"metrics"`
	Aggregations map[string]*Aggregation `json:"aggregations"`
}
