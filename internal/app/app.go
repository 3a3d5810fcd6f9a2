package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"metric-alerts/internal/alerting"
	"metric-alerts/internal/config"
	"metric-alerts/internal/detector"
	"metric-alerts/internal/metrics"
	"metric-alerts/internal/pipeline"
	"metric-alerts/internal/predictor"
	"metric-alerts/internal/redisstore"
	"metric-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetcher() metrics.Fetcher {
	return metrics.NewVictoria(metrics.VictoriaOptions{
		BaseURL:   a.Config.Metrics.BaseURL,
		Timeout:   a.Config.Metrics.RequestTimeout,
		UserAgent: a.Config.Metrics.UserAgent,
	}, a.Logger)
}

func (a *App) newDetector() *detector.Detector {
	return detector.New(detector.Options{
		Contamination:   a.Config.Detector.Contamination,
		Trees:           a.Config.Detector.Trees,
		SubsampleSize:   a.Config.Detector.SubsampleSize,
		Seed:            a.Config.Detector.Seed,
		MinTrainSamples: a.Config.Detector.MinTrainSamples,
		ModelPath:       a.Config.Detector.ModelPath,
	}, a.Logger)
}

func (a *App) newRedisStore(ctx context.Context) *redisstore.Store {
	store := redisstore.New(redisstore.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	}, a.Logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		// Alerting fails open without redis; analysis still runs.
		a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.Addr).Msg("redis unreachable; cooldowns and snapshots degraded")
	}
	return store
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// buildPipeline wires the full analysis pipeline with real collaborators.
func (a *App) buildPipeline(ctx context.Context) (*pipeline.Pipeline, func(), error) {
	rds := a.newRedisStore(ctx)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		_ = rds.Close()
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alert history disabled")
	}

	evaluator := alerting.NewEvaluator(alerting.Options{
		ScoreThreshold: a.Config.Alerting.ScoreThreshold,
		CooldownTTL:    a.Config.Alerting.CooldownTTL,
	}, rds, a.Logger)

	var history storage.AlertHistoryStore
	if store != nil {
		history = store
	}

	p := pipeline.New(pipeline.Options{
		Query:            a.Config.Metrics.Query,
		Step:             a.Config.Metrics.Step,
		AnalysisInterval: a.Config.Pipeline.AnalysisInterval,
		AnalysisLookback: a.Config.Pipeline.AnalysisLookback,
		RetrainAt:        a.Config.Pipeline.RetrainAt,
		RetrainLookback:  a.Config.Pipeline.RetrainLookback,
		EntityCap:        a.Config.Pipeline.EntityCap,
		ResultTTL:        a.Config.Pipeline.ResultTTL,
		HistoryRetention: a.Config.Pipeline.HistoryRetention,
		StartupDelay:     a.Config.Pipeline.StartupDelay,
	}, a.newFetcher(), a.newDetector(), predictor.Assess, evaluator, rds, history, a.Logger)

	closer := func() {
		if closeStore != nil {
			closeStore()
		}
		_ = rds.Close()
	}
	return p, closer, nil
}

// Run executes the long-running analysis service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	p, closer, err := a.buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	a.Logger.Info().Msg("starting analysis service")
	err = p.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("analysis service stopped")
	return nil
}

// Analyze executes a single analysis cycle and exits.
func (a *App) Analyze(ctx context.Context) error {
	p, closer, err := a.buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	return p.RunAnalysis(ctx)
}

// Train executes a single retraining cycle and exits.
func (a *App) Train(ctx context.Context) error {
	p, closer, err := a.buildPipeline(ctx)
	if err != nil {
		return err
	}
	defer closer()

	return p.RunRetrain(ctx)
}

// ExportOptions hold parameters for exporting fetched samples.
type ExportOptions struct {
	Query     string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
