// Package phase defines the four conversational phase categories and the
// count and distribution types built on them.
package phase

import (
	"fmt"
	"math"
	"strings"
)

// Category is a conversational phase label.
type Category string

const (
	Transformation Category = "transformation"
	Generation     Category = "generation"
	Consumption    Category = "consumption"
	Integration    Category = "integration"

	// Unclassified collects responses no rule could label. It is never
	// counted as an analysis category.
	Unclassified Category = "unclassified"
)

var all = []Category{Transformation, Generation, Consumption, Integration}

// All returns the four analysis categories in canonical order.
func All() []Category {
	out := make([]Category, len(all))
	copy(out, all)
	return out
}

// Valid reports whether c is one of the four analysis categories.
func (c Category) Valid() bool {
	return c.Index() >= 0
}

// Index returns the canonical position of c, or -1.
func (c Category) Index() int {
	for i, a := range all {
		if a == c {
			return i
		}
	}
	return -1
}

func (c Category) String() string { return string(c) }

// Parse converts a label to a Category. Matching is case-insensitive.
// "unclassified" is accepted; anything else outside the four categories
// is an error.
func Parse(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() || c == Unclassified {
		return c, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Counts maps categories to label counts.
type Counts map[Category]int

// Add increments the count for c.
func (c Counts) Add(cat Category) {
	c[cat]++
}

// Total sums the four analysis categories, ignoring Unclassified.
func (c Counts) Total() int {
	n := 0
	for _, cat := range all {
		n += c[cat]
	}
	return n
}

// Vector returns the analysis counts in canonical order.
func (c Counts) Vector() []int {
	v := make([]int, len(all))
	for i, cat := range all {
		v[i] = c[cat]
	}
	return v
}

// Proportions returns each analysis category's share of Total. All zero
// when Total is zero.
func (c Counts) Proportions() []float64 {
	p := make([]float64, len(all))
	n := c.Total()
	if n == 0 {
		return p
	}
	for i, cat := range all {
		p[i] = float64(c[cat]) / float64(n)
	}
	return p
}

// CountsFromVector builds Counts from a canonical-order vector.
func CountsFromVector(v []int) (Counts, error) {
	if len(v) != len(all) {
		return nil, fmt.Errorf("expected %d counts, got %d", len(all), len(v))
	}
	c := make(Counts, len(all))
	for i, cat := range all {
		if v[i] < 0 {
			return nil, fmt.Errorf("negative count for %s: %d", cat, v[i])
		}
		c[cat] = v[i]
	}
	return c, nil
}

// Distribution assigns a probability to each analysis category.
type Distribution map[Category]float64

// Uniform returns the equiprobable distribution.
func Uniform() Distribution {
	d := make(Distribution, len(all))
	for _, cat := range all {
		d[cat] = 1 / float64(len(all))
	}
	return d
}

// Validate checks that d covers all four categories with non-negative
// probabilities summing to one.
func (d Distribution) Validate() error {
	sum := 0.0
	for _, cat := range all {
		p, ok := d[cat]
		if !ok {
			return fmt.Errorf("distribution missing %s", cat)
		}
		if p < 0 || math.IsNaN(p) {
			return fmt.Errorf("invalid probability for %s: %v", cat, p)
		}
		sum += p
	}
	for cat := range d {
		if !cat.Valid() {
			return fmt.Errorf("distribution has unknown category %q", cat)
		}
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("distribution sums to %.6f, want 1", sum)
	}
	return nil
}

// Vector returns the probabilities in canonical order.
func (d Distribution) Vector() []float64 {
	v := make([]float64, len(all))
	for i, cat := range all {
		v[i] = d[cat]
	}
	return v
}
