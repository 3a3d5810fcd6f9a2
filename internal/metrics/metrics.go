package metrics

import (
	"context"
	"time"
)

// Sample is a single time-stamped observation for one entity.
type Sample struct {
	Entity    string    `json:"entity"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// AnomalyRecord marks one sample flagged as an outlier. Score is the raw
// decision-function value; more negative means more anomalous.
type AnomalyRecord struct {
	Entity    string    `json:"entity"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Score     float64   `json:"score"`
}

// Fetcher retrieves samples matching a backend query over a time window.
type Fetcher interface {
	Fetch(ctx context.Context, query string, from, to time.Time, step time.Duration) ([]Sample, error)
}

// GroupByEntity splits samples per entity, preserving sample order within each
// group. Returned entity ids follow first-seen order in the input.
func GroupByEntity(samples []Sample) ([]string, map[string][]Sample) {
	order := make([]string, 0)
	groups := make(map[string][]Sample)
	for _, sample := range samples {
		if _, seen := groups[sample.Entity]; !seen {
			order = append(order, sample.Entity)
		}
		groups[sample.Entity] = append(groups[sample.Entity], sample)
	}
	return order, groups
}
