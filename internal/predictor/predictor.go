// Package predictor estimates near-term failure risk for one entity from a
// recent window of samples. Assessment is a pure function of the window: no
// state, no I/O, deterministic.
package predictor

import (
	"fmt"
	"math"

	"metric-alerts/internal/metrics"
)

// RiskLevel grades an entity's failure risk.
type RiskLevel string

const (
	RiskUnknown RiskLevel = "unknown"
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskError   RiskLevel = "error"
)

const (
	minWindowSamples = 10
	recentWindow     = 100

	highVolatility   = 0.5
	mediumVolatility = 0.3
	highTrend        = 0.1
	mediumTrend      = 0.05
)

// Indicators are the computed health statistics backing an assessment. Always
// populated, zero where undefined, for observability.
type Indicators struct {
	Volatility float64 `json:"volatility"`
	Trend      float64 `json:"trend"`
	Mean       float64 `json:"mean"`
	Std        float64 `json:"std"`
}

// RiskAssessment is the per-entity result of one analysis cycle.
type RiskAssessment struct {
	Entity                 string     `json:"entity"`
	RiskLevel              RiskLevel  `json:"risk_level"`
	Confidence             float64    `json:"confidence"`
	EstimatedTimeToFailure string     `json:"estimated_time_to_failure,omitempty"`
	Indicators             Indicators `json:"indicators"`
}

// Assess classifies failure risk from the entity's ordered sample window.
// A failure inside the computation yields a RiskError assessment so one bad
// entity never aborts the rest of a cycle.
func Assess(entity string, window []metrics.Sample) (assessment RiskAssessment) {
	defer func() {
		if r := recover(); r != nil {
			assessment = RiskAssessment{
				Entity:    entity,
				RiskLevel: RiskError,
			}
		}
	}()

	if len(window) < minWindowSamples {
		return RiskAssessment{
			Entity:    entity,
			RiskLevel: RiskUnknown,
		}
	}

	recent := window
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}

	values := make([]float64, len(recent))
	for i, sample := range recent {
		values[i] = sample.Value
	}

	mean := meanOf(values)
	std := sampleStd(values, mean)
	trend := trendOf(values)

	volatility := 0.0
	if mean != 0 {
		volatility = std / mean
	}

	level := RiskLow
	confidence := 0.5
	switch {
	case volatility >= highVolatility || math.Abs(trend) >= highTrend:
		level = RiskHigh
		confidence = 0.8
	case volatility >= mediumVolatility || math.Abs(trend) >= mediumTrend:
		level = RiskMedium
		confidence = 0.7
	}

	return RiskAssessment{
		Entity:                 entity,
		RiskLevel:              level,
		Confidence:             confidence,
		EstimatedTimeToFailure: timeToFailureLabel(level),
		Indicators: Indicators{
			Volatility: volatility,
			Trend:      trend,
			Mean:       mean,
			Std:        std,
		},
	}
}

// timeToFailureLabel maps a risk level to its coarse horizon label. A fixed
// lookup, not a calibrated estimate.
func timeToFailureLabel(level RiskLevel) string {
	switch level {
	case RiskHigh:
		return "1-3 days"
	case RiskMedium:
		return "1-2 weeks"
	default:
		return ""
	}
}

func meanOf(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// trendOf is the ordinary least-squares slope of value against index
// position. Degenerate inputs fall back to zero.
func trendOf(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}

	slope := (n*sumXY - sumX*sumY) / denom
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return slope
}

// String implements fmt.Stringer for log output.
func (r RiskAssessment) String() string {
	return fmt.Sprintf("%s:%s(%.2f)", r.Entity, r.RiskLevel, r.Confidence)
}
