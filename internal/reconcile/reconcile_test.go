package reconcile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func labels(id string, pairs ...string) []database.Label {
	var out []database.Label
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, database.Label{ResponseID: id, Rater: pairs[i], Category: phase.Category(pairs[i+1])})
	}
	return out
}

func TestResolve(t *testing.T) {
	majority := Policy{Name: config.PolicyMajority, Adjudicator: "carol"}
	adjudicator := Policy{Name: config.PolicyAdjudicator, Adjudicator: "carol"}

	tests := []struct {
		name       string
		policy     Policy
		labels     []database.Label
		wantCat    phase.Category
		wantMethod string
		wantRaters int
	}{
		{"single", majority, labels("r", "alice", "generation"), phase.Generation, MethodSingle, 1},
		{"unanimous", majority, labels("r", "alice", "consumption", "bob", "consumption"), phase.Consumption, MethodUnanimous, 2},
		{"plurality", majority, labels("r", "alice", "generation", "bob", "generation", "dave", "integration"), phase.Generation, MethodMajority, 3},
		{"tie broken by adjudicator", majority, labels("r", "alice", "generation", "carol", "integration"), phase.Integration, MethodAdjudicator, 2},
		{"tie without adjudicator", majority, labels("r", "alice", "generation", "bob", "integration"), phase.Unclassified, MethodUnresolved, 2},
		{"adjudicator outside tie", majority, labels("r",
			"alice", "generation", "bob", "generation",
			"dave", "consumption", "erin", "consumption",
			"carol", "integration"), phase.Unclassified, MethodUnresolved, 5},
		{"adjudicator overrides majority", adjudicator, labels("r", "alice", "generation", "bob", "generation", "carol", "transformation"), phase.Transformation, MethodAdjudicator, 3},
		{"adjudicator absent falls back to majority", adjudicator, labels("r", "alice", "generation", "bob", "generation", "dave", "integration"), phase.Generation, MethodMajority, 3},
		{"unclassified votes drop out", majority, labels("r", "alice", "unclassified", "bob", "unclassified", "dave", "generation"), phase.Generation, MethodSingle, 1},
		{"only unclassified votes", majority, labels("r", "alice", "unclassified", "bob", "unclassified"), phase.Unclassified, MethodUnanimous, 2},
		{"person outvotes classifier", majority, labels("r", "imported", "generation", "auto:keyword", "integration"), phase.Generation, MethodSingle, 1},
		{"classifier fallback ignored", majority, labels("r", "imported", "consumption", "auto:keyword", "unclassified"), phase.Consumption, MethodSingle, 1},
		{"people disagree, classifier ignored", majority, labels("r",
			"alice", "generation", "bob", "integration", "auto:keyword", "generation"), phase.Unclassified, MethodUnresolved, 2},
		{"classifier alone", majority, labels("r", "auto:keyword", "integration"), phase.Integration, MethodSingle, 1},
		{"classifiers alone", majority, labels("r", "auto:keyword", "integration", "auto:llm", "integration"), phase.Integration, MethodUnanimous, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := tt.policy.Resolve(tt.labels)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d.Category != tt.wantCat || d.Method != tt.wantMethod {
				t.Errorf("got %s/%s, want %s/%s (note %q)", d.Category, d.Method, tt.wantCat, tt.wantMethod, d.Note)
			}
			if d.RaterCount != tt.wantRaters {
				t.Errorf("expected rater count %d, got %d", tt.wantRaters, d.RaterCount)
			}
		})
	}
}

func TestResolveUnresolvedNote(t *testing.T) {
	d, _ := Policy{Name: config.PolicyMajority}.Resolve(labels("r", "alice", "integration", "bob", "generation"))
	want := "unresolved disagreement: generation=1, integration=1"
	if d.Note != want {
		t.Errorf("note = %q, want %q", d.Note, want)
	}
}

func TestResolveErrors(t *testing.T) {
	p := Policy{Name: config.PolicyMajority}
	if _, err := p.Resolve(nil); err == nil {
		t.Error("expected error for no labels")
	}
	mixed := append(labels("a", "alice", "generation"), labels("b", "bob", "generation")...)
	if _, err := p.Resolve(mixed); err == nil {
		t.Error("expected error for mixed responses")
	}
	bad := Policy{Name: "vote"}
	if _, err := bad.Resolve(labels("r", "alice", "generation", "bob", "consumption")); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestReconcilerWritesFinalLabels(t *testing.T) {
	db := openTestDB(t)
	b, _, _ := db.GetOrCreateBatch("b1", nil, nil)
	for i, id := range []string{"r1", "r2", "r3"} {
		db.InsertResponse(id, b.ID, i+1, "text "+id)
	}
	add := func(id, rater string, cat phase.Category) {
		t.Helper()
		if _, err := db.InsertLabel(database.Label{ResponseID: id, Rater: rater, Category: cat, Source: database.SourceHuman}); err != nil {
			t.Fatalf("InsertLabel: %v", err)
		}
	}
	add("r1", "alice", phase.Generation)
	add("r1", "bob", phase.Generation)
	add("r2", "alice", phase.Generation)
	add("r2", "bob", phase.Consumption)
	add("r3", "alice", phase.Integration)

	rec := NewReconciler(db, PolicyFromConfig(config.Reconcile{Policy: config.PolicyMajority}))
	res, err := rec.Reconcile(&b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Finalized != 3 || res.Unresolved != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.ByMethod[MethodUnanimous] != 1 || res.ByMethod[MethodSingle] != 1 {
		t.Errorf("unexpected methods: %v", res.ByMethod)
	}

	f, _ := db.GetFinalLabel("r2")
	if f == nil || f.Category != phase.Unclassified || f.Note == nil || !strings.HasPrefix(*f.Note, ReasonUnresolved) {
		t.Errorf("unexpected final label for r2: %+v", f)
	}

	summary, _ := db.GetExclusionSummary(&b.ID)
	if len(summary) != 1 || summary[0].Reason != ReasonUnresolved || summary[0].Stage != database.StageReconcile {
		t.Errorf("unexpected exclusions: %+v", summary)
	}

	counts, _ := db.GetFinalCounts(&b.ID)
	if counts.Total() != 2 || counts[phase.Unclassified] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	// Final labels are immutable; a later label does not reopen the item.
	add("r3", "bob", phase.Consumption)
	again, err := rec.Reconcile(&b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Finalized != 0 {
		t.Errorf("expected no new final labels, got %d", again.Finalized)
	}
	f, _ = db.GetFinalLabel("r3")
	if f.Category != phase.Integration {
		t.Errorf("expected r3 to stay integration, got %s", f.Category)
	}
}
