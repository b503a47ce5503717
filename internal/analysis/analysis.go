// Package analysis turns final label counts into a report: proportions,
// chi-square tests, bootstrap intervals, rater agreement and cross-batch
// stability.
package analysis

import (
	"errors"
	"fmt"
	"sort"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
	"github.com/TobiSchelling/phasestat/internal/stats"
)

// Options controls the statistics in a report.
type Options struct {
	Resamples       int
	ConfidenceLevel float64
	Seed            uint64
	Test            stats.Options
	// Reference is an optional second null distribution.
	Reference phase.Distribution
}

// OptionsFromConfig reads the analysis config section.
func OptionsFromConfig(cfg config.Analysis) (Options, error) {
	ref, err := cfg.ReferenceDistribution()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Resamples:       cfg.Resamples,
		ConfidenceLevel: cfg.ConfidenceLevel,
		Seed:            cfg.Seed,
		Test:            stats.Options{MinExpected: cfg.MinExpected, Alpha: cfg.Alpha},
		Reference:       ref,
	}, nil
}

// Rating is one rater's label for one item.
type Rating struct {
	Item     string
	Rater    string
	Category phase.Category
}

// BatchCounts is the final label tally of one batch.
type BatchCounts struct {
	Name   string
	Counts phase.Counts
}

// ExclusionCount is the number of records left out for one reason.
type ExclusionCount struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// Input is everything a report is computed from.
type Input struct {
	Scope      string
	Counts     phase.Counts
	Exclusions []ExclusionCount
	// Pending counts responses with no final label yet.
	Pending int
	Batches []BatchCounts
	Ratings []Rating
}

// CategoryRow is one line of the results table.
type CategoryRow struct {
	Category   phase.Category  `json:"category"`
	Count      int             `json:"count"`
	Proportion float64         `json:"proportion"`
	CI         *stats.Interval `json:"ci,omitempty"`
}

// TestReport is a chi-square test outcome, or the reason it was refused.
type TestReport struct {
	Null   map[phase.Category]float64 `json:"null"`
	Result *stats.ChiSquareResult     `json:"result,omitempty"`
	Error  string                     `json:"error,omitempty"`
}

// BootstrapReport records how intervals were computed.
type BootstrapReport struct {
	Resamples int     `json:"resamples"`
	Level     float64 `json:"level"`
	Seed      uint64  `json:"seed"`
	Error     string  `json:"error,omitempty"`
}

// Agreement is inter-rater reliability over the items all counted raters
// labeled.
type Agreement struct {
	Method         string   `json:"method,omitempty"`
	Raters         []string `json:"raters"`
	Items          int      `json:"items"`
	Kappa          *float64 `json:"kappa,omitempty"`
	Interpretation string   `json:"interpretation,omitempty"`
	Note           string   `json:"note,omitempty"`
}

// BatchRow is one batch in the stability table.
type BatchRow struct {
	Name        string    `json:"name"`
	N           int       `json:"n"`
	Proportions []float64 `json:"proportions"`
}

// StabilityRow is one category's spread across batches.
type StabilityRow struct {
	Category phase.Category `json:"category"`
	stats.CategoryStability
}

// StabilityReport summarizes proportions across batches.
type StabilityReport struct {
	Batches    []BatchRow     `json:"batches"`
	Categories []StabilityRow `json:"categories,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Report is the full analysis output.
type Report struct {
	ID            string           `json:"id,omitempty"`
	Scope         string           `json:"scope"`
	CreatedAt     string           `json:"created_at,omitempty"`
	N             int              `json:"n"`
	Unclassified  int              `json:"unclassified"`
	Categories    []CategoryRow    `json:"categories"`
	Uniform       TestReport       `json:"uniform"`
	Reference     *TestReport      `json:"reference,omitempty"`
	Bootstrap     BootstrapReport  `json:"bootstrap"`
	Agreement     *Agreement       `json:"agreement,omitempty"`
	Stability     *StabilityReport `json:"stability,omitempty"`
	Exclusions    []ExclusionCount `json:"exclusions"`
	ExcludedTotal int              `json:"excluded_total"`
	Pending       int              `json:"pending"`
}

// Significant reports whether the uniform null was rejected.
func (r *Report) Significant() bool {
	return r.Uniform.Result != nil && r.Uniform.Result.Significant
}

// Analyze computes a report. Statistical failures such as an empty sample
// or low expected counts are recorded in the report rather than returned;
// only invalid options are errors.
func Analyze(in Input, opts Options) (*Report, error) {
	if opts.Resamples < 1 {
		return nil, fmt.Errorf("resamples must be positive, got %d", opts.Resamples)
	}
	if opts.Reference != nil {
		if err := opts.Reference.Validate(); err != nil {
			return nil, fmt.Errorf("reference distribution: %w", err)
		}
	}

	counts := in.Counts
	if counts == nil {
		counts = phase.Counts{}
	}

	r := &Report{
		Scope:        in.Scope,
		N:            counts.Total(),
		Unclassified: counts[phase.Unclassified],
		Exclusions:   in.Exclusions,
		Pending:      in.Pending,
		Bootstrap: BootstrapReport{
			Resamples: opts.Resamples,
			Level:     opts.ConfidenceLevel,
			Seed:      opts.Seed,
		},
	}
	if r.Exclusions == nil {
		r.Exclusions = []ExclusionCount{}
	}
	for _, e := range in.Exclusions {
		r.ExcludedTotal += e.Count
	}

	vec := counts.Vector()
	props := counts.Proportions()
	for i, cat := range phase.All() {
		r.Categories = append(r.Categories, CategoryRow{Category: cat, Count: vec[i], Proportion: props[i]})
	}

	r.Uniform = runTest(vec, phase.Uniform(), opts.Test)
	if opts.Reference != nil {
		ref := runTest(vec, opts.Reference, opts.Test)
		r.Reference = &ref
	}

	intervals, err := stats.BootstrapProportions(vec, opts.Resamples, opts.ConfidenceLevel, opts.Seed)
	if err != nil {
		r.Bootstrap.Error = err.Error()
	} else {
		for i := range r.Categories {
			iv := intervals[i]
			r.Categories[i].CI = &iv
		}
	}

	if len(in.Ratings) > 0 {
		r.Agreement = MeasureAgreement(in.Ratings)
	}
	if len(in.Batches) > 0 {
		r.Stability = MeasureStability(in.Batches)
	}

	return r, nil
}

func runTest(observed []int, null phase.Distribution, opts stats.Options) TestReport {
	tr := TestReport{Null: null}
	res, err := stats.GoodnessOfFit(observed, null.Vector(), opts)
	if err != nil {
		tr.Error = err.Error()
		return tr
	}
	tr.Result = res
	return tr
}

// MeasureAgreement computes kappa over the items every human rater
// labeled: Cohen's for two raters, Fleiss' for more. Classifier raters
// are left out.
func MeasureAgreement(ratings []Rating) *Agreement {
	items := make(map[string]map[string]phase.Category)
	var order []string
	raterSet := make(map[string]bool)
	for _, rt := range ratings {
		if database.IsAutoRater(rt.Rater) {
			continue
		}
		if items[rt.Item] == nil {
			items[rt.Item] = make(map[string]phase.Category)
			order = append(order, rt.Item)
		}
		items[rt.Item][rt.Rater] = rt.Category
		raterSet[rt.Rater] = true
	}
	raters := make([]string, 0, len(raterSet))
	for name := range raterSet {
		raters = append(raters, name)
	}
	sort.Strings(raters)

	a := &Agreement{Raters: raters}
	if len(raters) < 2 {
		a.Note = "fewer than two raters"
		return a
	}

	var complete [][]phase.Category
	for _, id := range order {
		byRater := items[id]
		if len(byRater) != len(raters) {
			continue
		}
		row := make([]phase.Category, len(raters))
		for i, name := range raters {
			row[i] = byRater[name]
		}
		complete = append(complete, row)
	}
	a.Items = len(complete)
	if len(complete) == 0 {
		a.Note = "no item was labeled by every rater"
		return a
	}

	var kappa float64
	var err error
	if len(raters) == 2 {
		a.Method = "cohen"
		left := make([]phase.Category, len(complete))
		right := make([]phase.Category, len(complete))
		for i, row := range complete {
			left[i], right[i] = row[0], row[1]
		}
		kappa, err = stats.CohenKappa(left, right)
	} else {
		a.Method = "fleiss"
		var matrix [][]int
		matrix, err = stats.LabelMatrix(complete)
		if err == nil {
			kappa, err = stats.FleissKappa(matrix)
		}
	}
	if err != nil {
		if errors.Is(err, stats.ErrUndefinedKappa) {
			a.Note = "kappa undefined: every rater used one category"
		} else {
			a.Note = err.Error()
		}
		return a
	}
	a.Kappa = &kappa
	a.Interpretation = Interpret(kappa)
	return a
}

// Interpret labels a kappa value on the Landis and Koch scale.
func Interpret(k float64) string {
	switch {
	case k < 0:
		return "poor"
	case k <= 0.20:
		return "slight"
	case k <= 0.40:
		return "fair"
	case k <= 0.60:
		return "moderate"
	case k <= 0.80:
		return "substantial"
	default:
		return "almost perfect"
	}
}

// MeasureStability summarizes category proportions across batches. Batches
// with no final labels should be left out by the caller.
func MeasureStability(batches []BatchCounts) *StabilityReport {
	s := &StabilityReport{}
	vectors := make([][]int, len(batches))
	for i, b := range batches {
		vectors[i] = b.Counts.Vector()
		s.Batches = append(s.Batches, BatchRow{
			Name:        b.Name,
			N:           b.Counts.Total(),
			Proportions: b.Counts.Proportions(),
		})
	}

	rows, err := stats.Stability(vectors)
	if err != nil {
		s.Error = err.Error()
		return s
	}
	for i, cat := range phase.All() {
		s.Categories = append(s.Categories, StabilityRow{Category: cat, CategoryStability: rows[i]})
	}
	return s
}
