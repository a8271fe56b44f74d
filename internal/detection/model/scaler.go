package model

import (
	"errors"

	"gonum.org/v1/gonum/stat"
)

// ErrEmptyBatch is returned when fitting on no vectors.
var ErrEmptyBatch = errors.New("model: empty batch")

// ErrDimensionMismatch is returned when vectors do not share one length.
var ErrDimensionMismatch = errors.New("model: dimension mismatch")

// Scaler standardizes each feature to zero mean and unit variance using the
// population standard deviation of the batch it was fitted on. Features with
// zero variance are only centered.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes per-feature mean and scale over vectors.
func FitScaler(vectors [][]float64) (*Scaler, error) {
	dim, err := dimension(vectors)
	if err != nil {
		return nil, err
	}

	s := &Scaler{
		Mean:  make([]float64, dim),
		Scale: make([]float64, dim),
	}
	col := make([]float64, len(vectors))
	for j := 0; j < dim; j++ {
		for i, v := range vectors {
			col[i] = v[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		s.Mean[j] = mean
		if std == 0 {
			std = 1
		}
		s.Scale[j] = std
	}
	return s, nil
}

// Transform returns standardized copies of vectors.
func (s *Scaler) Transform(vectors [][]float64) ([][]float64, error) {
	out := make([][]float64, len(vectors))
	for i, v := range vectors {
		if len(v) != len(s.Mean) {
			return nil, ErrDimensionMismatch
		}
		row := make([]float64, len(v))
		for j, x := range v {
			row[j] = (x - s.Mean[j]) / s.Scale[j]
		}
		out[i] = row
	}
	return out, nil
}

func dimension(vectors [][]float64) (int, error) {
	if len(vectors) == 0 {
		return 0, ErrEmptyBatch
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, ErrDimensionMismatch
	}
	for _, v := range vectors[1:] {
		if len(v) != dim {
			return 0, ErrDimensionMismatch
		}
	}
	return dim, nil
}
