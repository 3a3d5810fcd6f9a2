package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"metric-alerts/internal/alerting"
	"metric-alerts/internal/metrics"
	"metric-alerts/internal/predictor"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type fakeFetcher struct {
	samples []metrics.Sample
	err     error
	calls   int
	lastLen time.Duration
}

func (f *fakeFetcher) Fetch(ctx context.Context, query string, from, to time.Time, step time.Duration) ([]metrics.Sample, error) {
	f.calls++
	f.lastLen = to.Sub(from)
	return f.samples, f.err
}

type fakeScorer struct {
	anomalies  []metrics.AnomalyRecord
	trainErr   error
	trainCalls int
	scoreCalls int
	trainedOn  int
}

func (f *fakeScorer) Train(samples []metrics.Sample) error {
	f.trainCalls++
	f.trainedOn = len(samples)
	return f.trainErr
}

func (f *fakeScorer) Score(samples []metrics.Sample) []metrics.AnomalyRecord {
	f.scoreCalls++
	return f.anomalies
}

type fakeEvaluator struct {
	alerts    []alerting.Alert
	anomalies []metrics.AnomalyRecord
	risks     []predictor.RiskAssessment
	calls     int
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, anomalies []metrics.AnomalyRecord, risks []predictor.RiskAssessment) []alerting.Alert {
	f.calls++
	f.anomalies = anomalies
	f.risks = risks
	return f.alerts
}

type fakeSink struct {
	anomalyCalls    int
	assessmentCalls int
	alertCalls      int
	failAll         bool
	lastTTL         time.Duration
}

func (f *fakeSink) PublishAnomalies(ctx context.Context, batch []metrics.AnomalyRecord, ttl time.Duration) error {
	f.anomalyCalls++
	f.lastTTL = ttl
	if f.failAll {
		return errors.New("sink down")
	}
	return nil
}

func (f *fakeSink) PublishAssessments(ctx context.Context, batch []predictor.RiskAssessment, ttl time.Duration) error {
	f.assessmentCalls++
	if f.failAll {
		return errors.New("sink down")
	}
	return nil
}

func (f *fakeSink) PublishAlerts(ctx context.Context, batch []alerting.Alert, ttl time.Duration) error {
	f.alertCalls++
	if f.failAll {
		return errors.New("sink down")
	}
	return nil
}

func batchForEntities(n, samplesPer int) []metrics.Sample {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var out []metrics.Sample
	for s := 0; s < samplesPer; s++ {
		for e := 0; e < n; e++ {
			out = append(out, metrics.Sample{
				Entity:    fmt.Sprintf("entity-%02d", e),
				Timestamp: base.Add(time.Duration(s) * 15 * time.Second),
				Value:     float64(s),
			})
		}
	}
	return out
}

func testOptions() Options {
	return Options{
		Query:            `{__name__=~".+"}`,
		Step:             15 * time.Second,
		AnalysisInterval: 5 * time.Minute,
		AnalysisLookback: time.Hour,
		RetrainAt:        "02:00",
		RetrainLookback:  7 * 24 * time.Hour,
		EntityCap:        10,
		ResultTTL:        time.Hour,
	}
}

func TestAnalysisEntityCapIsDeterministic(t *testing.T) {
	fetcher := &fakeFetcher{samples: batchForEntities(15, 2)}
	scorer := &fakeScorer{}
	evaluator := &fakeEvaluator{}
	sink := &fakeSink{}

	var assessed []string
	assess := func(entity string, window []metrics.Sample) predictor.RiskAssessment {
		assessed = append(assessed, entity)
		return predictor.RiskAssessment{Entity: entity, RiskLevel: predictor.RiskLow}
	}

	p := New(testOptions(), fetcher, scorer, assess, evaluator, sink, nil, testLogger())
	if err := p.RunAnalysis(context.Background()); err != nil {
		t.Fatalf("analysis failed: %v", err)
	}

	if len(assessed) != 10 {
		t.Fatalf("assessed %d entities, want 10", len(assessed))
	}
	for i, entity := range assessed {
		want := fmt.Sprintf("entity-%02d", i)
		if entity != want {
			t.Fatalf("assessed[%d] = %s, want %s (first-seen order)", i, entity, want)
		}
	}
	if len(evaluator.risks) != 10 {
		t.Fatalf("evaluator saw %d risks, want 10", len(evaluator.risks))
	}
}

func TestAnalysisSkipsOnEmptyBatch(t *testing.T) {
	fetcher := &fakeFetcher{}
	scorer := &fakeScorer{}
	evaluator := &fakeEvaluator{}
	sink := &fakeSink{}

	p := New(testOptions(), fetcher, scorer, passthroughAssess, evaluator, sink, nil, testLogger())
	if err := p.RunAnalysis(context.Background()); err != nil {
		t.Fatalf("empty batch must not be an error: %v", err)
	}

	if scorer.scoreCalls != 0 || evaluator.calls != 0 {
		t.Fatalf("downstream stages ran on empty batch: score=%d evaluate=%d", scorer.scoreCalls, evaluator.calls)
	}
}

func TestAnalysisSkipsOnFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("backend unreachable")}
	scorer := &fakeScorer{}
	evaluator := &fakeEvaluator{}
	sink := &fakeSink{}

	p := New(testOptions(), fetcher, scorer, passthroughAssess, evaluator, sink, nil, testLogger())
	if err := p.RunAnalysis(context.Background()); err != nil {
		t.Fatalf("fetch failure must degrade to a skipped cycle: %v", err)
	}
	if scorer.scoreCalls != 0 {
		t.Fatalf("scoring ran despite fetch failure")
	}
}

func TestAnalysisPublishesNonEmptyResults(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{samples: batchForEntities(3, 2)}
	scorer := &fakeScorer{anomalies: []metrics.AnomalyRecord{{Entity: "entity-00", Timestamp: ts, Score: -0.9}}}
	evaluator := &fakeEvaluator{alerts: []alerting.Alert{{ID: "a1", Kind: alerting.KindAnomaly}}}
	sink := &fakeSink{}

	p := New(testOptions(), fetcher, scorer, passthroughAssess, evaluator, sink, nil, testLogger())
	if err := p.RunAnalysis(context.Background()); err != nil {
		t.Fatalf("analysis failed: %v", err)
	}

	if sink.anomalyCalls != 1 || sink.assessmentCalls != 1 || sink.alertCalls != 1 {
		t.Fatalf("publish calls = %d/%d/%d, want 1/1/1", sink.anomalyCalls, sink.assessmentCalls, sink.alertCalls)
	}
	if sink.lastTTL != time.Hour {
		t.Fatalf("result TTL = %s, want 1h", sink.lastTTL)
	}
	if len(evaluator.anomalies) != 1 {
		t.Fatalf("evaluator saw %d anomalies, want 1", len(evaluator.anomalies))
	}
}

func TestAnalysisSinkFailureDoesNotAbortCycle(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fetcher := &fakeFetcher{samples: batchForEntities(2, 2)}
	scorer := &fakeScorer{anomalies: []metrics.AnomalyRecord{{Entity: "entity-00", Timestamp: ts, Score: -0.9}}}
	evaluator := &fakeEvaluator{alerts: []alerting.Alert{{ID: "a1"}}}
	sink := &fakeSink{failAll: true}

	p := New(testOptions(), fetcher, scorer, passthroughAssess, evaluator, sink, nil, testLogger())
	if err := p.RunAnalysis(context.Background()); err != nil {
		t.Fatalf("sink failure must not fail the cycle: %v", err)
	}
	if sink.anomalyCalls != 1 || sink.assessmentCalls != 1 || sink.alertCalls != 1 {
		t.Fatalf("all three channels should still be attempted: %d/%d/%d", sink.anomalyCalls, sink.assessmentCalls, sink.alertCalls)
	}
}

func TestRetrainTrainsOnFetchedBatch(t *testing.T) {
	fetcher := &fakeFetcher{samples: batchForEntities(2, 30)}
	scorer := &fakeScorer{}
	p := New(testOptions(), fetcher, scorer, passthroughAssess, &fakeEvaluator{}, &fakeSink{}, nil, testLogger())

	if err := p.RunRetrain(context.Background()); err != nil {
		t.Fatalf("retrain failed: %v", err)
	}
	if scorer.trainCalls != 1 || scorer.trainedOn != 60 {
		t.Fatalf("train calls = %d on %d samples", scorer.trainCalls, scorer.trainedOn)
	}
	if fetcher.lastLen != 7*24*time.Hour {
		t.Fatalf("retrain lookback = %s, want 168h", fetcher.lastLen)
	}
}

func TestRetrainSkipsOnEmptyBatch(t *testing.T) {
	fetcher := &fakeFetcher{}
	scorer := &fakeScorer{}
	p := New(testOptions(), fetcher, scorer, passthroughAssess, &fakeEvaluator{}, &fakeSink{}, nil, testLogger())

	if err := p.RunRetrain(context.Background()); err != nil {
		t.Fatalf("empty retrain batch must not be an error: %v", err)
	}
	if scorer.trainCalls != 0 {
		t.Fatal("training ran on empty batch")
	}
}

func TestRetrainPropagatesTrainingError(t *testing.T) {
	fetcher := &fakeFetcher{samples: batchForEntities(1, 30)}
	scorer := &fakeScorer{trainErr: errors.New("persist denied")}
	p := New(testOptions(), fetcher, scorer, passthroughAssess, &fakeEvaluator{}, &fakeSink{}, nil, testLogger())

	if err := p.RunRetrain(context.Background()); err == nil {
		t.Fatal("expected training error to surface from the cycle")
	}
}

func TestAnalysisContainsAssessPanic(t *testing.T) {
	fetcher := &fakeFetcher{samples: batchForEntities(3, 2)}
	evaluator := &fakeEvaluator{}

	assess := func(entity string, window []metrics.Sample) predictor.RiskAssessment {
		if entity == "entity-01" {
			panic("bad entity")
		}
		return predictor.RiskAssessment{Entity: entity, RiskLevel: predictor.RiskLow}
	}

	p := New(testOptions(), fetcher, &fakeScorer{}, assess, evaluator, &fakeSink{}, nil, testLogger())
	// The panic is contained at the cycle boundary and reported as an error.
	if err := p.RunAnalysis(context.Background()); err == nil {
		t.Fatal("expected contained panic to surface as an error")
	}
}

func passthroughAssess(entity string, window []metrics.Sample) predictor.RiskAssessment {
	return predictor.RiskAssessment{Entity: entity, RiskLevel: predictor.RiskLow}
}
