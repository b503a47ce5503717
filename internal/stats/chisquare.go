// Package stats implements the significance, resampling and agreement
// statistics used to analyze phase label counts.
package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrEmptySample         = errors.New("sample is empty")
	ErrNegativeCount       = errors.New("negative count")
	ErrLengthMismatch      = errors.New("length mismatch")
	ErrInvalidDistribution = errors.New("invalid null distribution")
	ErrLowExpectedCount    = errors.New("expected count below minimum")
)

const (
	// DefaultMinExpected is the smallest expected cell count for which the
	// chi-square approximation is trusted.
	DefaultMinExpected = 5.0
	DefaultAlpha       = 0.05
)

// Options controls the goodness-of-fit test.
type Options struct {
	// MinExpected rejects samples with any expected cell below it.
	// Zero disables the check.
	MinExpected float64
	// Alpha is the significance level; values <= 0 mean DefaultAlpha.
	Alpha float64
}

// DefaultOptions returns the guarded test configuration.
func DefaultOptions() Options {
	return Options{MinExpected: DefaultMinExpected, Alpha: DefaultAlpha}
}

// ChiSquareResult holds a goodness-of-fit test outcome.
type ChiSquareResult struct {
	N           int       `json:"n"`
	Statistic   float64   `json:"chi_square"`
	DF          int       `json:"df"`
	PValue      float64   `json:"p_value"`
	Alpha       float64   `json:"alpha"`
	Significant bool      `json:"significant"`
	Observed    []int     `json:"observed"`
	Expected    []float64 `json:"expected"`
}

// UniformTest tests counts against the equiprobable null.
func UniformTest(counts []int, opts Options) (*ChiSquareResult, error) {
	if len(counts) == 0 {
		return nil, ErrEmptySample
	}
	probs := make([]float64, len(counts))
	for i := range probs {
		probs[i] = 1 / float64(len(counts))
	}
	return GoodnessOfFit(counts, probs, opts)
}

// GoodnessOfFit runs Pearson's chi-square test of observed counts against
// the null probabilities probs. Degrees of freedom are len(observed)-1.
func GoodnessOfFit(observed []int, probs []float64, opts Options) (*ChiSquareResult, error) {
	if len(observed) != len(probs) {
		return nil, fmt.Errorf("%w: %d observed, %d expected", ErrLengthMismatch, len(observed), len(probs))
	}
	if len(observed) < 2 {
		return nil, fmt.Errorf("%w: need at least two categories", ErrInvalidDistribution)
	}

	n := 0
	for i, o := range observed {
		if o < 0 {
			return nil, fmt.Errorf("%w: cell %d is %d", ErrNegativeCount, i, o)
		}
		n += o
	}

	sum := 0.0
	for i, p := range probs {
		if !(p > 0) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("%w: probability %v at cell %d", ErrInvalidDistribution, p, i)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("%w: probabilities sum to %.6f", ErrInvalidDistribution, sum)
	}

	if n == 0 {
		return nil, ErrEmptySample
	}

	alpha := opts.Alpha
	if alpha <= 0 {
		alpha = DefaultAlpha
	}

	expected := make([]float64, len(probs))
	for i, p := range probs {
		expected[i] = float64(n) * p
		if opts.MinExpected > 0 && expected[i] < opts.MinExpected {
			return nil, fmt.Errorf("%w: cell %d expects %.2f, minimum is %.2f",
				ErrLowExpectedCount, i, expected[i], opts.MinExpected)
		}
	}

	statistic := 0.0
	for i, o := range observed {
		d := float64(o) - expected[i]
		statistic += d * d / expected[i]
	}

	df := len(observed) - 1
	p := distuv.ChiSquared{K: float64(df)}.Survival(statistic)

	obs := make([]int, len(observed))
	copy(obs, observed)

	return &ChiSquareResult{
		N:           n,
		Statistic:   statistic,
		DF:          df,
		PValue:      p,
		Alpha:       alpha,
		Significant: p < alpha,
		Observed:    obs,
		Expected:    expected,
	}, nil
}
