package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"metric-alerts/internal/metrics"
)

// Export fetches a sample window, scores it against the current model, and
// renders the result as CSV and/or a PNG chart with anomalies highlighted.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	query := opts.Query
	if query == "" {
		query = a.Config.Metrics.Query
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Pipeline.AnalysisLookback)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := a.newFetcher().Fetch(ctx, query, from, to, a.Config.Metrics.Step)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Msg("no samples found for export window")
		return nil
	}

	anomalies := a.newDetector().Score(samples)
	flagged := make(map[string]float64, len(anomalies))
	for _, record := range anomalies {
		flagged[anomalyID(record.Entity, record.Timestamp)] = record.Score
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().
		Int("total", len(samples)).
		Int("exported", len(downsampled)).
		Int("anomalies", len(anomalies)).
		Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled, flagged); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, downsampled, flagged); err != nil {
			return err
		}
	}

	return nil
}

func anomalyID(entity string, ts time.Time) string {
	return entity + "@" + strconv.FormatInt(ts.Unix(), 10)
}

func downsampleSamples(samples []metrics.Sample, max int) []metrics.Sample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]metrics.Sample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []metrics.Sample, flagged map[string]float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"timestamp", "entity", "value", "anomaly", "score"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		score, isAnomaly := flagged[anomalyID(sample.Entity, sample.Timestamp)]
		record := []string{
			sample.Timestamp.Format(time.RFC3339),
			sample.Entity,
			strconv.FormatFloat(sample.Value, 'f', -1, 64),
			strconv.FormatBool(isAnomaly),
			strconv.FormatFloat(score, 'f', 4, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

const maxChartEntities = 5

func writeSamplesPNG(path string, samples []metrics.Sample, flagged map[string]float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	order, groups := metrics.GroupByEntity(samples)
	if len(order) > maxChartEntities {
		order = order[:maxChartEntities]
	}

	series := make([]chart.Series, 0, len(order)+1)
	var anomalyX []time.Time
	var anomalyY []float64

	for _, entity := range order {
		group := groups[entity]
		x := make([]time.Time, len(group))
		y := make([]float64, len(group))
		for i, sample := range group {
			x[i] = sample.Timestamp
			y[i] = sample.Value
			if _, ok := flagged[anomalyID(sample.Entity, sample.Timestamp)]; ok {
				anomalyX = append(anomalyX, sample.Timestamp)
				anomalyY = append(anomalyY, sample.Value)
			}
		}
		series = append(series, chart.TimeSeries{
			Name:    entity,
			XValues: x,
			YValues: y,
		})
	}

	if len(anomalyX) > 0 {
		series = append(series, chart.TimeSeries{
			Name:    "Anomalies",
			XValues: anomalyX,
			YValues: anomalyY,
			Style: chart.Style{
				StrokeWidth: chart.Disabled,
				DotWidth:    4,
				DotColor:    drawing.ColorRed,
			},
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Value",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
