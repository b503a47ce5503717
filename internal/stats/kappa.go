package stats

import (
	"errors"
	"fmt"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

var ErrUndefinedKappa = errors.New("kappa undefined: expected agreement is 1")

// CohenKappa measures agreement between two raters who labeled the same
// items. a[i] and b[i] are the two labels for item i.
func CohenKappa(a, b []phase.Category) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d labels", ErrLengthMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrEmptySample
	}

	n := float64(len(a))
	ca := make(map[phase.Category]int)
	cb := make(map[phase.Category]int)
	agree := 0
	for i := range a {
		ca[a[i]]++
		cb[b[i]]++
		if a[i] == b[i] {
			agree++
		}
	}

	po := float64(agree) / n
	pe := 0.0
	for cat, x := range ca {
		pe += (float64(x) / n) * (float64(cb[cat]) / n)
	}
	if 1-pe < 1e-12 {
		return 0, ErrUndefinedKappa
	}
	return (po - pe) / (1 - pe), nil
}

// FleissKappa measures agreement among a fixed number of raters. Each row
// of matrix holds, for one item, how many raters chose each category.
// Every row must have the same length and the same rater total (>= 2).
func FleissKappa(matrix [][]int) (float64, error) {
	if len(matrix) == 0 {
		return 0, ErrEmptySample
	}
	k := len(matrix[0])
	raters := 0
	for _, c := range matrix[0] {
		raters += c
	}
	if raters < 2 {
		return 0, fmt.Errorf("fleiss kappa needs at least 2 raters per item, got %d", raters)
	}

	items := float64(len(matrix))
	colTotals := make([]float64, k)
	pBar := 0.0
	for i, row := range matrix {
		if len(row) != k {
			return 0, fmt.Errorf("%w: row %d has %d categories, want %d", ErrLengthMismatch, i, len(row), k)
		}
		total, sq := 0, 0
		for j, c := range row {
			if c < 0 {
				return 0, fmt.Errorf("%w: row %d column %d", ErrNegativeCount, i, j)
			}
			total += c
			sq += c * c
			colTotals[j] += float64(c)
		}
		if total != raters {
			return 0, fmt.Errorf("%w: row %d has %d ratings, want %d", ErrLengthMismatch, i, total, raters)
		}
		pBar += float64(sq-raters) / float64(raters*(raters-1))
	}
	pBar /= items

	pe := 0.0
	for _, t := range colTotals {
		p := t / (items * float64(raters))
		pe += p * p
	}
	if 1-pe < 1e-12 {
		return 0, ErrUndefinedKappa
	}
	return (pBar - pe) / (1 - pe), nil
}

// LabelMatrix turns per-item rater labels into the count matrix used by
// FleissKappa. Columns are the four categories in canonical order
// followed by Unclassified.
func LabelMatrix(items [][]phase.Category) ([][]int, error) {
	cols := append(phase.All(), phase.Unclassified)
	matrix := make([][]int, len(items))
	for i, labels := range items {
		row := make([]int, len(cols))
		for _, l := range labels {
			idx := -1
			for j, c := range cols {
				if c == l {
					idx = j
					break
				}
			}
			if idx < 0 {
				return nil, fmt.Errorf("item %d: unknown label %q", i, l)
			}
			row[idx]++
		}
		matrix[i] = row
	}
	return matrix, nil
}
