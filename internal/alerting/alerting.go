package alerting

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metric-alerts/internal/metrics"
	"metric-alerts/internal/predictor"
)

// Kind distinguishes alert sources.
type Kind string

const (
	KindAnomaly    Kind = "anomaly"
	KindPrediction Kind = "prediction"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a deduplicated, severity-graded alerting decision.
type Alert struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	Severity       Severity  `json:"severity"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	Timestamp      time.Time `json:"timestamp"`
	CorrelationKey string    `json:"correlation_key"`
	Entity         string    `json:"entity"`
	Score          float64   `json:"score,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
}

// CooldownStore suppresses duplicate alerts through expiring keys. Both
// operations are exposed separately so a shared-store implementation can make
// check-then-set atomic if concurrent producers are ever introduced.
type CooldownStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	SetWithTTL(ctx context.Context, key string, ttl time.Duration) error
}

// Options tune alert evaluation.
type Options struct {
	ScoreThreshold float64
	CooldownTTL    time.Duration
}

// Evaluator turns anomaly records and risk assessments into deduplicated
// alerts.
type Evaluator struct {
	opts      Options
	cooldowns CooldownStore
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEvaluator constructs an alert evaluator.
func NewEvaluator(opts Options, cooldowns CooldownStore, logger zerolog.Logger) *Evaluator {
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = 0.8
	}
	if opts.CooldownTTL <= 0 {
		opts.CooldownTTL = 5 * time.Minute
	}

	return &Evaluator{
		opts:      opts,
		cooldowns: cooldowns,
		logger:    logger.With().Str("component", "alert_evaluator").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate grades anomalies and risk assessments into alerts, suppressing any
// whose correlation key is still in cooldown. Anomalies are evaluated before
// predictions. An internal failure aborts the call and returns no alerts.
func (e *Evaluator) Evaluate(ctx context.Context, anomalies []metrics.AnomalyRecord, risks []predictor.RiskAssessment) (alerts []Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("alert evaluation failed")
			alerts = nil
		}
	}()

	for _, anomaly := range anomalies {
		score := math.Abs(anomaly.Score)
		if score <= e.opts.ScoreThreshold {
			continue
		}

		key := anomalyKey(anomaly, e.opts.CooldownTTL)
		if e.inCooldown(ctx, key) {
			continue
		}

		alerts = append(alerts, Alert{
			ID:             uuid.NewString(),
			Kind:           KindAnomaly,
			Severity:       GradeSeverity(score),
			Title:          fmt.Sprintf("Anomaly detected in %s", anomaly.Entity),
			Description:    fmt.Sprintf("Unusual value detected: %g", anomaly.Value),
			Timestamp:      anomaly.Timestamp,
			CorrelationKey: key,
			Entity:         anomaly.Entity,
			Score:          score,
		})
		e.setCooldown(ctx, key)
	}

	for _, risk := range risks {
		if risk.RiskLevel != predictor.RiskHigh && risk.RiskLevel != predictor.RiskMedium {
			continue
		}

		key := predictionKey(risk.Entity)
		if e.inCooldown(ctx, key) {
			continue
		}

		severity := SeverityMedium
		if risk.RiskLevel == predictor.RiskHigh {
			severity = SeverityHigh
		}

		ttf := risk.EstimatedTimeToFailure
		if ttf == "" {
			ttf = "unknown"
		}

		alerts = append(alerts, Alert{
			ID:             uuid.NewString(),
			Kind:           KindPrediction,
			Severity:       severity,
			Title:          fmt.Sprintf("Potential failure predicted for %s", risk.Entity),
			Description:    fmt.Sprintf("Risk level: %s, estimated time to failure: %s", risk.RiskLevel, ttf),
			Timestamp:      e.now(),
			CorrelationKey: key,
			Entity:         risk.Entity,
			Confidence:     risk.Confidence,
		})
		e.setCooldown(ctx, key)
	}

	e.logger.Info().
		Int("alerts", len(alerts)).
		Int("anomalies", len(anomalies)).
		Int("risks", len(risks)).
		Msg("evaluated alerts")
	return alerts
}

// GradeSeverity maps an absolute anomaly score onto a severity band.
func GradeSeverity(score float64) Severity {
	switch {
	case score > 0.9:
		return SeverityCritical
	case score > 0.8:
		return SeverityHigh
	case score > 0.6:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// inCooldown fails open: an unreachable store must degrade to duplicate
// alerts, never to silence.
func (e *Evaluator) inCooldown(ctx context.Context, key string) bool {
	exists, err := e.cooldowns.Exists(ctx, key)
	if err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("cooldown check failed; assuming not in cooldown")
		return false
	}
	return exists
}

func (e *Evaluator) setCooldown(ctx context.Context, key string) {
	if err := e.cooldowns.SetWithTTL(ctx, key, e.opts.CooldownTTL); err != nil {
		e.logger.Error().Err(err).Str("key", key).Msg("failed to set cooldown")
	}
}

// anomalyKey buckets the record timestamp by the cooldown TTL so one anomaly
// alert per entity can fire per bucket.
func anomalyKey(record metrics.AnomalyRecord, ttl time.Duration) string {
	bucket := record.Timestamp.UTC().Truncate(ttl)
	return fmt.Sprintf("alert:anomaly:%s:%d", record.Entity, bucket.Unix())
}

// predictionKey intentionally omits time: at most one prediction alert per
// entity can exist at any moment regardless of cycle frequency.
func predictionKey(entity string) string {
	return fmt.Sprintf("alert:prediction:%s", entity)
}
