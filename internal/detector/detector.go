package detector

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"metric-alerts/internal/metrics"
)

var (
	// ErrInsufficientSamples indicates a training batch below the minimum size.
	ErrInsufficientSamples = errors.New("detector: insufficient samples for training")
)

// Options parameterise the outlier detector.
type Options struct {
	Contamination   float64
	Trees           int
	SubsampleSize   int
	Seed            int64
	MinTrainSamples int
	ModelPath       string
}

// Detector scores metric samples against a trained isolation forest. A single
// mutex guards the fitted model so a score call never observes a model
// mid-replacement and a train call never replaces a model mid-score.
type Detector struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	scaler *Scaler
	forest *Forest
}

// New constructs a detector and loads a persisted model when one exists.
// Without a persisted model the detector starts untrained and Score degrades
// to reporting no anomalies until the first successful Train.
func New(opts Options, logger zerolog.Logger) *Detector {
	if opts.Contamination <= 0 {
		opts.Contamination = 0.1
	}
	if opts.Trees <= 0 {
		opts.Trees = 100
	}
	if opts.SubsampleSize <= 0 {
		opts.SubsampleSize = 256
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	if opts.MinTrainSamples <= 0 {
		opts.MinTrainSamples = 10
	}

	d := &Detector{
		opts:   opts,
		logger: logger.With().Str("component", "detector").Logger(),
	}
	d.loadModel()
	return d
}

// Trained reports whether a fitted model is loaded.
func (d *Detector) Trained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forest != nil && d.scaler != nil
}

// Train fits the scaler and forest on the batch and atomically persists the
// result. On any failure the previously loaded model stays in place.
func (d *Detector) Train(samples []metrics.Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector: training panicked: %v", r)
			d.logger.Error().Err(err).Msg("training failed")
		}
	}()

	if len(samples) < d.opts.MinTrainSamples {
		d.logger.Warn().
			Int("samples", len(samples)).
			Int("min", d.opts.MinTrainSamples).
			Msg("insufficient data for training")
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientSamples, len(samples), d.opts.MinTrainSamples)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	features := featureMatrix(samples)

	scaler, err := FitScaler(features)
	if err != nil {
		return fmt.Errorf("fit scaler: %w", err)
	}

	forest, err := FitForest(scaler.Transform(features), d.opts.Trees, d.opts.SubsampleSize, d.opts.Contamination, d.opts.Seed)
	if err != nil {
		return fmt.Errorf("fit forest: %w", err)
	}

	if err := d.persistModel(scaler, forest); err != nil {
		d.logger.Error().Err(err).Msg("failed to persist model; keeping previous model")
		return err
	}

	d.scaler = scaler
	d.forest = forest

	d.logger.Info().
		Int("samples", len(samples)).
		Float64("offset", forest.Offset).
		Msg("trained anomaly detection model")
	return nil
}

// Score classifies the batch and returns one record per detected outlier with
// the raw decision score. An untrained detector or an internal failure yields
// an empty result, never an error.
func (d *Detector) Score(samples []metrics.Sample) (records []metrics.AnomalyRecord) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("scoring failed")
			records = nil
		}
	}()

	if len(samples) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.scaler == nil || d.forest == nil {
		d.logger.Debug().Msg("no trained model loaded; skipping scoring")
		return nil
	}

	scaled := d.scaler.Transform(featureMatrix(samples))

	for i, row := range scaled {
		score := d.forest.ScoreSample(row)
		if d.forest.IsOutlier(score) {
			records = append(records, metrics.AnomalyRecord{
				Entity:    samples[i].Entity,
				Timestamp: samples[i].Timestamp,
				Value:     samples[i].Value,
				Score:     score,
			})
		}
	}

	d.logger.Info().
		Int("anomalies", len(records)).
		Int("samples", len(samples)).
		Msg("scored sample batch")
	return records
}

// featureMatrix extracts one feature row per sample. Currently only the raw
// value; derived features slot in here without changing the train/score
// contract.
func featureMatrix(samples []metrics.Sample) [][]float64 {
	features := make([][]float64, len(samples))
	for i, sample := range samples {
		features[i] = []float64{sample.Value}
	}
	return features
}

type persistedModel struct {
	Scaler    *Scaler
	Forest    *Forest
	TrainedAt time.Time
}

func (d *Detector) loadModel() {
	if d.opts.ModelPath == "" {
		return
	}

	file, err := os.Open(d.opts.ModelPath)
	if err != nil {
		if !os.IsNotExist(err) {
			d.logger.Error().Err(err).Str("path", d.opts.ModelPath).Msg("failed to open persisted model")
		} else {
			d.logger.Info().Str("path", d.opts.ModelPath).Msg("no persisted model; starting untrained")
		}
		return
	}
	defer file.Close()

	var model persistedModel
	if err := gob.NewDecoder(file).Decode(&model); err != nil {
		d.logger.Error().Err(err).Str("path", d.opts.ModelPath).Msg("failed to decode persisted model")
		return
	}
	if model.Scaler == nil || model.Forest == nil {
		d.logger.Error().Str("path", d.opts.ModelPath).Msg("persisted model incomplete; ignoring")
		return
	}

	d.scaler = model.Scaler
	d.forest = model.Forest
	d.logger.Info().Time("trained_at", model.TrainedAt).Msg("loaded persisted anomaly detection model")
}

// persistModel writes the blob to a temp file and renames it into place so a
// concurrent load never observes a partial write.
func (d *Detector) persistModel(scaler *Scaler, forest *Forest) error {
	if d.opts.ModelPath == "" {
		return nil
	}

	dir := filepath.Dir(d.opts.ModelPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(d.opts.ModelPath)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp model file: %w", err)
	}
	tmpPath := tmp.Name()

	model := persistedModel{Scaler: scaler, Forest: forest, TrainedAt: time.Now().UTC()}
	if err := gob.NewEncoder(tmp).Encode(model); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("encode model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp model file: %w", err)
	}

	if err := os.Rename(tmpPath, d.opts.ModelPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace model file: %w", err)
	}
	return nil
}
