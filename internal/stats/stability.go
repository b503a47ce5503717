package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var ErrInsufficientBatches = errors.New("need at least two non-empty batches")

// CategoryStability summarizes how one category's proportion varies
// across batches.
type CategoryStability struct {
	Mean     float64 `json:"mean"`
	Variance float64 `json:"variance"`
	StdDev   float64 `json:"std_dev"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

// Stability computes per-category proportion statistics across batches.
// Each batch is a count vector in the same category order. Empty batches
// are skipped. Variance is the unbiased sample variance.
func Stability(batches [][]int) ([]CategoryStability, error) {
	var props [][]float64
	k := -1
	for b, counts := range batches {
		if k < 0 {
			k = len(counts)
		} else if len(counts) != k {
			return nil, fmt.Errorf("%w: batch %d has %d categories, want %d", ErrLengthMismatch, b, len(counts), k)
		}
		n := 0
		for _, c := range counts {
			if c < 0 {
				return nil, fmt.Errorf("%w: batch %d", ErrNegativeCount, b)
			}
			n += c
		}
		if n == 0 {
			continue
		}
		p := make([]float64, k)
		for i, c := range counts {
			p[i] = float64(c) / float64(n)
		}
		props = append(props, p)
	}
	if len(props) < 2 {
		return nil, ErrInsufficientBatches
	}

	out := make([]CategoryStability, k)
	col := make([]float64, len(props))
	for i := 0; i < k; i++ {
		for b, p := range props {
			col[b] = p[i]
		}
		mean, variance := stat.MeanVariance(col, nil)
		out[i] = CategoryStability{
			Mean:     mean,
			Variance: variance,
			StdDev:   math.Sqrt(variance),
			Min:      floats.Min(col),
			Max:      floats.Max(col),
		}
	}
	return out, nil
}
