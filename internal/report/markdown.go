package report

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/phasestat/internal/analysis"
	"github.com/TobiSchelling/phasestat/internal/phase"
	"github.com/TobiSchelling/phasestat/internal/stats"
)

// Markdown renders r as a Markdown document: the results table, the
// significance tests, agreement, exclusions and stability.
func Markdown(r *analysis.Report) string {
	sections := []string{header(r), resultsSection(r), significanceSection(r)}
	if r.Agreement != nil {
		sections = append(sections, agreementSection(r.Agreement))
	}
	sections = append(sections, exclusionsSection(r))
	if r.Stability != nil {
		sections = append(sections, stabilitySection(r.Stability))
	}
	return strings.Join(sections, "\n\n") + "\n"
}

func header(r *analysis.Report) string {
	title := fmt.Sprintf("# Phase distribution: %s", r.Scope)
	var meta []string
	if r.ID != "" {
		meta = append(meta, fmt.Sprintf("Run `%s`", r.ID))
	}
	if r.CreatedAt != "" {
		meta = append(meta, r.CreatedAt)
	}
	if len(meta) == 0 {
		return title
	}
	return title + "\n\n" + strings.Join(meta, ", ")
}

func resultsSection(r *analysis.Report) string {
	level := r.Bootstrap.Level
	if level == 0 {
		level = stats.DefaultConfidenceLevel
	}

	var b strings.Builder
	b.WriteString("## Results\n\n")
	if r.N == 0 {
		b.WriteString("No classified responses.")
	} else {
		writeResultsTable(&b, r, level)
	}
	if r.Unclassified > 0 {
		fmt.Fprintf(&b, "\n\nUnclassified (not tested): %d", r.Unclassified)
	}
	return b.String()
}

func writeResultsTable(b *strings.Builder, r *analysis.Report, level float64) {
	fmt.Fprintf(b, "| Phase | Count | %% | %s CI |\n", percent(level, 0))
	b.WriteString("|---|---:|---:|---|\n")
	for _, row := range r.Categories {
		ci := "n/a"
		if row.CI != nil {
			ci = fmt.Sprintf("[%s, %s]", percent(row.CI.Low, 1), percent(row.CI.High, 1))
		}
		fmt.Fprintf(b, "| %s | %d | %s | %s |\n", title(row.Category), row.Count, percent(row.Proportion, 1), ci)
	}
	fmt.Fprintf(b, "| **Total** | %d | %s | |", r.N, percent(1, 1))
}

func significanceSection(r *analysis.Report) string {
	lines := []string{
		"## Significance",
		"",
		"- **Uniform null:** " + testLine(r.Uniform),
	}
	if r.Reference != nil {
		lines = append(lines, fmt.Sprintf("- **Reference null (%s):** %s", nullLabel(r.Reference.Null), testLine(*r.Reference)))
	}
	bs := r.Bootstrap
	if bs.Error != "" {
		lines = append(lines, "- **Bootstrap:** not run: "+bs.Error)
	} else {
		lines = append(lines, fmt.Sprintf("- **Bootstrap:** %d resamples, seed %d, %s percentile intervals",
			bs.Resamples, bs.Seed, percent(bs.Level, 0)))
	}
	return strings.Join(lines, "\n")
}

func testLine(t analysis.TestReport) string {
	if t.Result == nil {
		return "not run: " + t.Error
	}
	res := t.Result
	verdict := "not significant"
	if res.Significant {
		verdict = "significant"
	}
	return fmt.Sprintf("χ²(%d) = %.2f, %s, N = %d (%s at α = %g)",
		res.DF, res.Statistic, FormatP(res.PValue), res.N, verdict, res.Alpha)
}

// FormatP renders a p-value the way results tables usually report it.
func FormatP(p float64) string {
	if p < 0.0001 {
		return "p < 0.0001"
	}
	return fmt.Sprintf("p = %.4f", p)
}

func nullLabel(null map[phase.Category]float64) string {
	parts := make([]string, 0, len(phase.All()))
	for _, cat := range phase.All() {
		parts = append(parts, fmt.Sprintf("%.4g", 100*null[cat]))
	}
	return strings.Join(parts, "/")
}

func agreementSection(a *analysis.Agreement) string {
	var b strings.Builder
	b.WriteString("## Inter-rater agreement\n\n")
	if a.Kappa == nil {
		fmt.Fprintf(&b, "Not computed: %s (raters: %s).", a.Note, raterList(a.Raters))
		return b.String()
	}
	name := "Cohen's κ"
	if a.Method == "fleiss" {
		name = "Fleiss' κ"
	}
	fmt.Fprintf(&b, "%s = %.3f (%s) over %d items, raters: %s.",
		name, *a.Kappa, a.Interpretation, a.Items, raterList(a.Raters))
	return b.String()
}

func raterList(raters []string) string {
	if len(raters) == 0 {
		return "none"
	}
	return strings.Join(raters, ", ")
}

func exclusionsSection(r *analysis.Report) string {
	var b strings.Builder
	b.WriteString("## Exclusions\n\n")
	if len(r.Exclusions) == 0 {
		b.WriteString("No records were excluded.")
	} else {
		fmt.Fprintf(&b, "%d records excluded.\n\n", r.ExcludedTotal)
		b.WriteString("| Stage | Reason | Count |\n|---|---|---:|\n")
		for i, e := range r.Exclusions {
			fmt.Fprintf(&b, "| %s | %s | %d |", e.Stage, e.Reason, e.Count)
			if i < len(r.Exclusions)-1 {
				b.WriteString("\n")
			}
		}
	}
	if r.Pending > 0 {
		fmt.Fprintf(&b, "\n\n%d responses have no final label (classification failed or reconciliation pending) and are not counted.", r.Pending)
	}
	return b.String()
}

func stabilitySection(s *analysis.StabilityReport) string {
	var b strings.Builder
	b.WriteString("## Stability across batches\n\n")
	if s.Error != "" {
		b.WriteString("Not computed: " + s.Error + ".")
		return b.String()
	}

	cats := phase.All()
	b.WriteString("| Batch | N |")
	for _, c := range cats {
		b.WriteString(" " + title(c) + " |")
	}
	b.WriteString("\n|---|---:|" + strings.Repeat("---:|", len(cats)) + "\n")
	for _, row := range s.Batches {
		fmt.Fprintf(&b, "| %s | %d |", row.Name, row.N)
		for _, p := range row.Proportions {
			b.WriteString(" " + percent(p, 1) + " |")
		}
		b.WriteString("\n")
	}
	b.WriteString("| **Mean ± SD** | |")
	for _, c := range s.Categories {
		fmt.Fprintf(&b, " %s ± %s |", percent(c.Mean, 1), percent(c.StdDev, 1))
	}
	return b.String()
}

func percent(x float64, decimals int) string {
	return fmt.Sprintf("%.*f%%", decimals, 100*x)
}

func title(c phase.Category) string {
	s := string(c)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
