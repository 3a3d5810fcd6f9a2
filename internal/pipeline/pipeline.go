// Package pipeline sequences the analysis and retraining cycles. Every
// collaborator is injected at construction so tests can substitute fakes, and
// every cycle is isolated: a failure inside one cycle is logged at the cycle
// boundary and never prevents the next scheduled one.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metric-alerts/internal/alerting"
	"metric-alerts/internal/metrics"
	"metric-alerts/internal/predictor"
	"metric-alerts/internal/scheduler"
	"metric-alerts/internal/storage"
)

// Scorer is the outlier detection engine driven by both cycles.
type Scorer interface {
	Train(samples []metrics.Sample) error
	Score(samples []metrics.Sample) []metrics.AnomalyRecord
}

// AssessFunc classifies failure risk for one entity's sample window.
type AssessFunc func(entity string, window []metrics.Sample) predictor.RiskAssessment

// AlertEvaluator grades and deduplicates alerting decisions.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, anomalies []metrics.AnomalyRecord, risks []predictor.RiskAssessment) []alerting.Alert
}

// ResultSink receives the per-cycle result snapshots, one channel per kind.
type ResultSink interface {
	PublishAnomalies(ctx context.Context, batch []metrics.AnomalyRecord, ttl time.Duration) error
	PublishAssessments(ctx context.Context, batch []predictor.RiskAssessment, ttl time.Duration) error
	PublishAlerts(ctx context.Context, batch []alerting.Alert, ttl time.Duration) error
}

// Options tune pipeline cadence and batch shaping.
type Options struct {
	Query            string
	Step             time.Duration
	AnalysisInterval time.Duration
	AnalysisLookback time.Duration
	RetrainAt        string
	RetrainLookback  time.Duration
	EntityCap        int
	ResultTTL        time.Duration
	HistoryRetention time.Duration
	StartupDelay     time.Duration
}

// Pipeline orchestrates fetch, scoring, risk assessment, and alerting.
type Pipeline struct {
	opts      Options
	fetcher   metrics.Fetcher
	scorer    Scorer
	assess    AssessFunc
	evaluator AlertEvaluator
	sink      ResultSink
	history   storage.AlertHistoryStore
	logger    zerolog.Logger
	now       func() time.Time
}

// New constructs the pipeline. history may be nil to disable alert auditing.
func New(opts Options, fetcher metrics.Fetcher, scorer Scorer, assess AssessFunc, evaluator AlertEvaluator, sink ResultSink, history storage.AlertHistoryStore, logger zerolog.Logger) *Pipeline {
	if opts.EntityCap <= 0 {
		opts.EntityCap = 10
	}
	if opts.Step <= 0 {
		opts.Step = 15 * time.Second
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}

	return &Pipeline{
		opts:      opts,
		fetcher:   fetcher,
		scorer:    scorer,
		assess:    assess,
		evaluator: evaluator,
		sink:      sink,
		history:   history,
		logger:    logger.With().Str("component", "pipeline").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one immediate analysis, then drives both cadences until the
// context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.RunAnalysis(ctx); err != nil {
		p.logger.Error().Err(err).Msg("startup analysis cycle failed")
	}

	analysisSched := scheduler.New(scheduler.Options{
		Interval:     p.opts.AnalysisInterval,
		AlignToStart: true,
		StartupDelay: p.opts.StartupDelay,
	}, p.logger)

	retrainSched := scheduler.New(scheduler.Options{
		At: p.opts.RetrainAt,
	}, p.logger)

	errc := make(chan error, 2)
	go func() {
		errc <- analysisSched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return p.RunAnalysis(ctx)
		})
	}()
	go func() {
		errc <- retrainSched.Run(ctx, func(ctx context.Context, _ time.Time) error {
			return p.RunRetrain(ctx)
		})
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RunAnalysis executes one analysis cycle: fetch recent samples, score them,
// assess per-entity risk, evaluate alerts, and publish the snapshots.
func (p *Pipeline) RunAnalysis(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analysis cycle panicked: %v", r)
		}
	}()

	started := p.now()
	p.logger.Info().Msg("starting analysis cycle")

	batch, err := p.fetcher.Fetch(ctx, p.opts.Query, started.Add(-p.opts.AnalysisLookback), started, p.opts.Step)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to fetch samples; skipping cycle")
		return nil
	}
	if len(batch) == 0 {
		p.logger.Warn().Msg("no samples available for analysis")
		return nil
	}

	anomalies := p.scorer.Score(batch)

	order, groups := metrics.GroupByEntity(batch)
	if len(order) > p.opts.EntityCap {
		p.logger.Debug().
			Int("entities", len(order)).
			Int("cap", p.opts.EntityCap).
			Msg("entity cap reached; deferring remainder to next cycle")
		order = order[:p.opts.EntityCap]
	}

	assessments := make([]predictor.RiskAssessment, 0, len(order))
	for _, entity := range order {
		assessments = append(assessments, p.assess(entity, groups[entity]))
	}

	alerts := p.evaluator.Evaluate(ctx, anomalies, assessments)

	p.publishResults(ctx, anomalies, assessments, alerts)
	p.recordAlerts(ctx, alerts)

	p.logger.Info().
		Int("samples", len(batch)).
		Int("anomalies", len(anomalies)).
		Int("assessments", len(assessments)).
		Int("alerts", len(alerts)).
		Dur("elapsed", p.now().Sub(started)).
		Msg("analysis cycle complete")
	return nil
}

// RunRetrain executes one retraining cycle over the historical lookback.
func (p *Pipeline) RunRetrain(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("retrain cycle panicked: %v", r)
		}
	}()

	started := p.now()
	p.logger.Info().Msg("starting retrain cycle")

	batch, err := p.fetcher.Fetch(ctx, p.opts.Query, started.Add(-p.opts.RetrainLookback), started, p.opts.Step)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to fetch training samples; skipping cycle")
		return nil
	}
	if len(batch) == 0 {
		p.logger.Warn().Msg("no samples available for training")
		return nil
	}

	if err := p.scorer.Train(batch); err != nil {
		p.logger.Error().Err(err).Msg("model training failed")
		return err
	}

	p.logger.Info().
		Int("samples", len(batch)).
		Dur("elapsed", p.now().Sub(started)).
		Msg("retrain cycle complete")
	return nil
}

// publishResults writes the three snapshots independently; a failure on one
// channel does not block the others.
func (p *Pipeline) publishResults(ctx context.Context, anomalies []metrics.AnomalyRecord, assessments []predictor.RiskAssessment, alerts []alerting.Alert) {
	if len(anomalies) > 0 {
		if err := p.sink.PublishAnomalies(ctx, anomalies, p.opts.ResultTTL); err != nil {
			p.logger.Error().Err(err).Msg("failed to publish anomalies")
		}
	}
	if len(assessments) > 0 {
		if err := p.sink.PublishAssessments(ctx, assessments, p.opts.ResultTTL); err != nil {
			p.logger.Error().Err(err).Msg("failed to publish risk assessments")
		}
	}
	if len(alerts) > 0 {
		if err := p.sink.PublishAlerts(ctx, alerts, p.opts.ResultTTL); err != nil {
			p.logger.Error().Err(err).Msg("failed to publish alerts")
		}
	}
}

// recordAlerts appends emitted alerts to the optional history store and
// enforces retention.
func (p *Pipeline) recordAlerts(ctx context.Context, alerts []alerting.Alert) {
	if p.history == nil || len(alerts) == 0 {
		return
	}

	for _, alert := range alerts {
		record := storage.AlertRecord{
			AlertID:        alert.ID,
			Kind:           string(alert.Kind),
			Severity:       string(alert.Severity),
			Title:          alert.Title,
			Description:    alert.Description,
			Entity:         alert.Entity,
			CorrelationKey: alert.CorrelationKey,
			Score:          alert.Score,
			Confidence:     alert.Confidence,
			Timestamp:      alert.Timestamp,
		}
		if _, err := p.history.InsertAlert(ctx, record); err != nil {
			p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert record")
		}
	}

	if p.opts.HistoryRetention > 0 {
		cutoff := p.now().Add(-p.opts.HistoryRetention)
		if err := p.history.DeleteAlertsBefore(ctx, cutoff); err != nil {
			p.logger.Error().Err(err).Msg("failed to purge alert history")
		}
	}
}
