package stats

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

const (
	DefaultResamples       = 10000
	DefaultConfidenceLevel = 0.95
)

// Interval is a bootstrap confidence interval for one category proportion.
type Interval struct {
	Estimate float64 `json:"estimate"`
	Low      float64 `json:"low"`
	High     float64 `json:"high"`
}

// Contains reports whether x lies within the closed interval.
func (iv Interval) Contains(x float64) bool {
	return x >= iv.Low && x <= iv.High
}

// BootstrapProportions estimates a percentile confidence interval for each
// category proportion. Each resample draws N labels with replacement from
// the empirical distribution of counts. The same seed gives the same
// intervals.
func BootstrapProportions(counts []int, resamples int, level float64, seed uint64) ([]Interval, error) {
	if resamples < 1 {
		return nil, fmt.Errorf("resamples must be positive, got %d", resamples)
	}
	if !(level > 0 && level < 1) {
		return nil, fmt.Errorf("confidence level must be in (0, 1), got %v", level)
	}

	n := 0
	for i, c := range counts {
		if c < 0 {
			return nil, fmt.Errorf("%w: cell %d is %d", ErrNegativeCount, i, c)
		}
		n += c
	}
	if n == 0 {
		return nil, ErrEmptySample
	}

	k := len(counts)
	cum := make([]float64, k)
	acc := 0
	for i, c := range counts {
		acc += c
		cum[i] = float64(acc) / float64(n)
	}
	cum[k-1] = 1

	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	samples := make([][]float64, k)
	for i := range samples {
		samples[i] = make([]float64, resamples)
	}
	tally := make([]int, k)
	for r := 0; r < resamples; r++ {
		clear(tally)
		for j := 0; j < n; j++ {
			u := rng.Float64()
			idx := sort.Search(k, func(i int) bool { return u < cum[i] })
			tally[idx]++
		}
		for i := range tally {
			samples[i][r] = float64(tally[i]) / float64(n)
		}
	}

	tail := (1 - level) / 2
	out := make([]Interval, k)
	for i, s := range samples {
		sort.Float64s(s)
		out[i] = Interval{
			Estimate: float64(counts[i]) / float64(n),
			Low:      stat.Quantile(tail, stat.Empirical, s, nil),
			High:     stat.Quantile(1-tail, stat.Empirical, s, nil),
		}
	}
	return out, nil
}
