package detector

import (
	"errors"
	"math"
)

// Scaler standardises feature columns to zero mean and unit variance.
// Fields are exported for gob encoding of the persisted model.
type Scaler struct {
	Means  []float64
	Scales []float64
}

// FitScaler computes per-feature mean and standard deviation over the matrix.
func FitScaler(features [][]float64) (*Scaler, error) {
	if len(features) == 0 || len(features[0]) == 0 {
		return nil, errors.New("scaler: empty feature matrix")
	}

	cols := len(features[0])
	means := make([]float64, cols)
	scales := make([]float64, cols)

	for _, row := range features {
		for j := 0; j < cols; j++ {
			means[j] += row[j]
		}
	}
	for j := range means {
		means[j] /= float64(len(features))
	}

	for _, row := range features {
		for j := 0; j < cols; j++ {
			d := row[j] - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j] / float64(len(features)))
		// Constant columns pass through unscaled.
		if scales[j] == 0 {
			scales[j] = 1
		}
	}

	return &Scaler{Means: means, Scales: scales}, nil
}

// Transform standardises the matrix with the fitted parameters.
func (s *Scaler) Transform(features [][]float64) [][]float64 {
	out := make([][]float64, len(features))
	for i, row := range features {
		scaled := make([]float64, len(row))
		for j := range row {
			if j < len(s.Means) {
				scaled[j] = (row[j] - s.Means[j]) / s.Scales[j]
			}
		}
		out[i] = scaled
	}
	return out
}
