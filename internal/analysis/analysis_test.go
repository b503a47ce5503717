package analysis

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
	"github.com/TobiSchelling/phasestat/internal/stats"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts, err := OptionsFromConfig(config.Default().Analysis)
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	opts.Resamples = 2000
	return opts
}

func publishedCounts() phase.Counts {
	c, _ := phase.CountsFromVector([]int{97, 218, 299, 386})
	return c
}

func TestAnalyzePublishedCounts(t *testing.T) {
	in := Input{Scope: "published", Counts: publishedCounts()}
	r, err := Analyze(in, testOptions(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if r.N != 1000 {
		t.Errorf("expected N=1000, got %d", r.N)
	}
	if r.Uniform.Result == nil {
		t.Fatalf("expected uniform test result, got error %q", r.Uniform.Error)
	}
	if math.Abs(r.Uniform.Result.Statistic-181.32) > 1e-9 {
		t.Errorf("expected chi-square 181.32, got %v", r.Uniform.Result.Statistic)
	}
	if r.Uniform.Result.PValue >= 0.0001 || !r.Significant() {
		t.Errorf("expected p < 0.0001, got %v", r.Uniform.Result.PValue)
	}

	if r.Categories[0].Category != phase.Transformation || r.Categories[0].Proportion != 0.097 {
		t.Errorf("unexpected first row: %+v", r.Categories[0])
	}
	for _, row := range r.Categories {
		if row.CI == nil || !row.CI.Contains(row.Proportion) {
			t.Errorf("%s: interval %+v does not contain %v", row.Category, row.CI, row.Proportion)
		}
	}

	// The counts are the reference split itself, so the reference test fits.
	if r.Reference == nil || r.Reference.Result == nil {
		t.Fatalf("expected reference test, got %+v", r.Reference)
	}
	if r.Reference.Result.Statistic > 1e-9 || r.Reference.Result.Significant {
		t.Errorf("expected perfect fit to the reference, got %+v", r.Reference.Result)
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	in := Input{Counts: publishedCounts()}
	opts := testOptions(t)
	a, _ := Analyze(in, opts)
	b, _ := Analyze(in, opts)
	for i := range a.Categories {
		if *a.Categories[i].CI != *b.Categories[i].CI {
			t.Errorf("category %d: intervals differ between runs with the same seed", i)
		}
	}
}

func TestAnalyzeEndToEndBalanced(t *testing.T) {
	c, _ := phase.CountsFromVector([]int{1, 1, 1, 1})
	opts := testOptions(t)
	opts.Test.MinExpected = 0
	opts.Reference = nil

	r, err := Analyze(Input{Counts: c}, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Uniform.Result == nil {
		t.Fatalf("expected test result, got error %q", r.Uniform.Error)
	}
	if r.Uniform.Result.Statistic != 0 || r.Uniform.Result.PValue != 1.0 {
		t.Errorf("expected chi-square 0 and p 1, got %v and %v", r.Uniform.Result.Statistic, r.Uniform.Result.PValue)
	}
}

func TestAnalyzeLowExpectedRefused(t *testing.T) {
	c, _ := phase.CountsFromVector([]int{1, 1, 1, 1})
	r, err := Analyze(Input{Counts: c}, testOptions(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Uniform.Result != nil {
		t.Error("expected the guarded test to be refused")
	}
	if !strings.Contains(r.Uniform.Error, stats.ErrLowExpectedCount.Error()) {
		t.Errorf("unexpected refusal reason %q", r.Uniform.Error)
	}
	if r.Categories[0].CI == nil {
		t.Error("expected bootstrap intervals even when the test is refused")
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	r, err := Analyze(Input{Exclusions: []ExclusionCount{{Stage: "import", Reason: "empty text", Count: 3}}}, testOptions(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.N != 0 || r.Uniform.Error == "" || r.Bootstrap.Error == "" {
		t.Errorf("expected empty-sample errors in report, got %+v", r)
	}
	if r.ExcludedTotal != 3 {
		t.Errorf("expected 3 excluded, got %d", r.ExcludedTotal)
	}
}

func TestAnalyzeUnclassifiedExcludedFromTest(t *testing.T) {
	c := publishedCounts()
	c[phase.Unclassified] = 500
	r, _ := Analyze(Input{Counts: c}, testOptions(t))
	if r.N != 1000 || r.Unclassified != 500 {
		t.Errorf("expected N=1000 with 500 unclassified, got %d and %d", r.N, r.Unclassified)
	}
	if r.Uniform.Result.N != 1000 {
		t.Errorf("expected test over 1000, got %d", r.Uniform.Result.N)
	}
}

func TestAnalyzeRejectsBadOptions(t *testing.T) {
	opts := testOptions(t)
	opts.Resamples = 0
	if _, err := Analyze(Input{}, opts); err == nil {
		t.Error("expected error for zero resamples")
	}
	opts = testOptions(t)
	opts.Reference = phase.Distribution{phase.Generation: 1}
	if _, err := Analyze(Input{}, opts); err == nil {
		t.Error("expected error for incomplete reference")
	}
}

func ratings(item string, pairs ...string) []Rating {
	var out []Rating
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Rating{Item: item, Rater: pairs[i], Category: phase.Category(pairs[i+1])})
	}
	return out
}

func TestAgreement(t *testing.T) {
	var two []Rating
	two = append(two, ratings("1", "a", "generation", "b", "generation")...)
	two = append(two, ratings("2", "a", "consumption", "b", "consumption")...)
	two = append(two, ratings("3", "a", "generation", "b", "integration")...)
	two = append(two, ratings("4", "a", "integration")...)

	ag := MeasureAgreement(two)
	if ag.Method != "cohen" || ag.Items != 3 || ag.Kappa == nil {
		t.Fatalf("unexpected agreement: %+v", ag)
	}
	// po = 2/3, pe = 1/3, kappa = 1/2
	if math.Abs(*ag.Kappa-0.5) > 1e-12 {
		t.Errorf("expected kappa 0.5, got %v", *ag.Kappa)
	}
	if ag.Interpretation != "moderate" {
		t.Errorf("expected moderate, got %q", ag.Interpretation)
	}

	var three []Rating
	three = append(three, ratings("1", "a", "generation", "b", "generation", "c", "generation")...)
	three = append(three, ratings("2", "a", "consumption", "b", "consumption", "c", "integration")...)
	ag = MeasureAgreement(three)
	if ag.Method != "fleiss" || ag.Items != 2 || ag.Kappa == nil {
		t.Errorf("unexpected fleiss agreement: %+v", ag)
	}

	ag = MeasureAgreement(ratings("1", "a", "generation"))
	if ag.Kappa != nil || ag.Note == "" {
		t.Errorf("expected note for single rater, got %+v", ag)
	}

	withClassifier := append(two, ratings("1", "auto:keyword", "integration")...)
	withClassifier = append(withClassifier, ratings("2", "auto:keyword", "integration")...)
	ag = MeasureAgreement(withClassifier)
	if ag.Method != "cohen" || len(ag.Raters) != 2 || ag.Items != 3 {
		t.Errorf("expected classifier raters left out, got %+v", ag)
	}

	ag = MeasureAgreement(ratings("1", "alice", "generation", "auto:keyword", "generation"))
	if ag.Kappa != nil || ag.Note != "fewer than two raters" {
		t.Errorf("expected a single human rater, got %+v", ag)
	}

	ag = MeasureAgreement(append(ratings("1", "a", "generation", "b", "generation"), ratings("2", "a", "generation", "b", "generation")...))
	if ag.Kappa != nil || !strings.Contains(ag.Note, "undefined") {
		t.Errorf("expected undefined kappa note, got %+v", ag)
	}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		k    float64
		want string
	}{
		{-0.1, "poor"}, {0.1, "slight"}, {0.3, "fair"}, {0.5, "moderate"}, {0.7, "substantial"}, {0.9, "almost perfect"},
	}
	for _, tt := range tests {
		if got := Interpret(tt.k); got != tt.want {
			t.Errorf("Interpret(%v) = %q, want %q", tt.k, got, tt.want)
		}
	}
}

func TestStabilityInReport(t *testing.T) {
	b1, _ := phase.CountsFromVector([]int{10, 20, 30, 40})
	b2, _ := phase.CountsFromVector([]int{20, 20, 30, 30})
	in := Input{
		Counts:  publishedCounts(),
		Batches: []BatchCounts{{Name: "b1", Counts: b1}, {Name: "b2", Counts: b2}},
	}
	r, _ := Analyze(in, testOptions(t))
	if r.Stability == nil || r.Stability.Error != "" {
		t.Fatalf("expected stability, got %+v", r.Stability)
	}
	tr := r.Stability.Categories[0]
	if tr.Category != phase.Transformation || math.Abs(tr.Mean-0.15) > 1e-12 {
		t.Errorf("unexpected transformation stability: %+v", tr)
	}

	in.Batches = in.Batches[:1]
	r, _ = Analyze(in, testOptions(t))
	if r.Stability == nil || !strings.Contains(r.Stability.Error, stats.ErrInsufficientBatches.Error()) {
		t.Errorf("expected insufficient batches error, got %+v", r.Stability)
	}
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAnalyzerRun(t *testing.T) {
	db := openTestDB(t)
	seed := func(batch string, cats ...phase.Category) *database.Batch {
		b, _, err := db.GetOrCreateBatch(batch, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		for i, cat := range cats {
			id := batch + "-" + string(rune('a'+i))
			db.InsertResponse(id, b.ID, i+1, "text")
			db.InsertLabel(database.Label{ResponseID: id, Rater: "auto:keyword", Category: cat, Source: database.SourceRule})
			db.InsertLabel(database.Label{ResponseID: id, Rater: "alice", Category: cat, Source: database.SourceHuman})
			db.InsertLabel(database.Label{ResponseID: id, Rater: "bob", Category: cat, Source: database.SourceHuman})
			db.InsertFinalLabel(database.FinalLabel{ResponseID: id, Category: cat, Method: "unanimous", RaterCount: 2})
		}
		return b
	}
	b1 := seed("b1", phase.Transformation, phase.Generation, phase.Generation, phase.Consumption)
	seed("b2", phase.Integration, phase.Integration, phase.Unclassified)
	db.InsertExclusion(&b1.ID, "line 9", database.StageImport, "malformed json")
	// Classified by nobody and never finalized.
	db.InsertResponse("b1-z", b1.ID, 99, "text")

	a := NewAnalyzer(db, testOptions(t))

	all, err := a.Run(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(all.ID); err != nil {
		t.Errorf("expected uuid report id, got %q", all.ID)
	}
	if all.Scope != ScopeAll || all.N != 6 || all.Unclassified != 1 {
		t.Errorf("unexpected scope/N: %s %d %d", all.Scope, all.N, all.Unclassified)
	}
	if all.Stability == nil || len(all.Stability.Batches) != 2 {
		t.Errorf("expected stability over 2 batches, got %+v", all.Stability)
	}
	if all.Agreement == nil || all.Agreement.Method != "cohen" || all.Agreement.Items != 7 {
		t.Errorf("unexpected agreement: %+v", all.Agreement)
	}
	if all.ExcludedTotal != 1 {
		t.Errorf("expected 1 exclusion, got %d", all.ExcludedTotal)
	}
	if all.Pending != 1 {
		t.Errorf("expected 1 pending response, got %d", all.Pending)
	}
	if all.Uniform.Result != nil || !strings.Contains(all.Uniform.Error, "below minimum") {
		t.Errorf("expected guarded refusal for N=6, got %+v", all.Uniform)
	}

	one, err := a.Run(b1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if one.Scope != "b1" || one.N != 4 || one.Stability != nil {
		t.Errorf("unexpected batch report: scope=%s N=%d stability=%v", one.Scope, one.N, one.Stability)
	}
}

func TestOptionsFromConfigRejectsBadReference(t *testing.T) {
	cfg := config.Default().Analysis
	cfg.Reference = map[string]float64{"generation": 1}
	if _, err := OptionsFromConfig(cfg); err == nil {
		t.Error("expected error")
	}
}
