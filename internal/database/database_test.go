package database

import (
	"path/filepath"
	"testing"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func seedBatch(t *testing.T, db *DB, name string, texts ...string) *Batch {
	t.Helper()
	b, _, err := db.GetOrCreateBatch(name, ptr("2025-08-01"), nil)
	if err != nil {
		t.Fatalf("GetOrCreateBatch: %v", err)
	}
	for i, text := range texts {
		id := name + "-" + string(rune('a'+i))
		if _, err := db.InsertResponse(id, b.ID, i+1, text); err != nil {
			t.Fatalf("InsertResponse: %v", err)
		}
	}
	return b
}

func TestGetOrCreateBatch(t *testing.T) {
	db := openTestDB(t)
	b, created, err := db.GetOrCreateBatch("week-1", ptr("2025-08-01"), ptr("gpt-3.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || b.ID == 0 {
		t.Fatalf("expected new batch, got created=%v id=%d", created, b.ID)
	}

	again, created, err := db.GetOrCreateBatch("week-1", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Error("expected existing batch to be reused")
	}
	if again.ID != b.ID {
		t.Errorf("expected id %d, got %d", b.ID, again.ID)
	}
	if again.Source == nil || *again.Source != "gpt-3.5" {
		t.Errorf("expected source to be kept, got %v", again.Source)
	}
}

func TestGetBatchByNameMissing(t *testing.T) {
	db := openTestDB(t)
	b, err := db.GetBatchByName("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Error("expected nil for missing batch")
	}
}

func TestGetAllBatchesCountsResponses(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one", "two")
	seedBatch(t, db, "b2", "three")

	batches, err := db.GetAllBatches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[0].ResponseCount != 2 || batches[1].ResponseCount != 1 {
		t.Errorf("unexpected response counts: %d, %d", batches[0].ResponseCount, batches[1].ResponseCount)
	}
}

func TestInsertDuplicateResponse(t *testing.T) {
	db := openTestDB(t)
	b := seedBatch(t, db, "b1")
	ok, err := db.InsertResponse("r1", b.ID, 1, "first")
	if err != nil || !ok {
		t.Fatalf("expected insert, got ok=%v err=%v", ok, err)
	}
	ok, err = db.InsertResponse("r1", b.ID, 2, "second")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected duplicate to be ignored")
	}
	r, _ := db.GetResponse("r1")
	if r.Text != "first" {
		t.Errorf("expected original text, got %q", r.Text)
	}
}

func TestNextSeq(t *testing.T) {
	db := openTestDB(t)
	b := seedBatch(t, db, "b1", "one", "two", "three")
	seq, err := db.NextSeq(b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seq != 4 {
		t.Errorf("expected 4, got %d", seq)
	}
}

func TestGetUnlabeledResponses(t *testing.T) {
	db := openTestDB(t)
	b := seedBatch(t, db, "b1", "one", "two", "three")
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "auto:keyword", Category: phase.Generation, Source: SourceRule})
	db.InsertLabel(Label{ResponseID: "b1-b", Rater: "alice", Category: phase.Generation, Source: SourceHuman})

	pending, err := db.GetUnlabeledResponses("auto:keyword", &b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 unlabeled responses, got %d", len(pending))
	}
	if pending[0].ID != "b1-b" || pending[1].ID != "b1-c" {
		t.Errorf("unexpected order: %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestInsertLabelOncePerRater(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one")
	l := Label{ResponseID: "b1-a", Rater: "alice", Category: phase.Consumption, Source: SourceHuman}
	if ok, err := db.InsertLabel(l); err != nil || !ok {
		t.Fatalf("expected insert, got ok=%v err=%v", ok, err)
	}
	l.Category = phase.Integration
	ok, err := db.InsertLabel(l)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected relabel by the same rater to be ignored")
	}

	labels, _ := db.GetLabelsForResponse("b1-a")
	if len(labels) != 1 || labels[0].Category != phase.Consumption {
		t.Errorf("expected single consumption label, got %+v", labels)
	}
}

func TestInsertLabelRejectsUnknownCategory(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one")
	_, err := db.InsertLabel(Label{ResponseID: "b1-a", Rater: "alice", Category: "poetry", Source: SourceHuman})
	if err == nil {
		t.Error("expected check constraint error")
	}
}

func TestGetPendingLabels(t *testing.T) {
	db := openTestDB(t)
	b := seedBatch(t, db, "b1", "one", "two")
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "alice", Category: phase.Generation, Source: SourceHuman})
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "bob", Category: phase.Consumption, Source: SourceHuman})
	db.InsertLabel(Label{ResponseID: "b1-b", Rater: "alice", Category: phase.Integration, Source: SourceHuman})
	db.InsertFinalLabel(FinalLabel{ResponseID: "b1-b", Category: phase.Integration, Method: "single"})

	grouped, order, err := db.GetPendingLabels(&b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || order[0] != "b1-a" {
		t.Fatalf("expected only b1-a pending, got %v", order)
	}
	if len(grouped["b1-a"]) != 2 {
		t.Errorf("expected 2 labels for b1-a, got %d", len(grouped["b1-a"]))
	}
}

func TestFinalLabelImmutable(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one")
	ok, err := db.InsertFinalLabel(FinalLabel{ResponseID: "b1-a", Category: phase.Transformation, Method: "majority", RaterCount: 2})
	if err != nil || !ok {
		t.Fatalf("expected insert, got ok=%v err=%v", ok, err)
	}
	ok, err = db.InsertFinalLabel(FinalLabel{ResponseID: "b1-a", Category: phase.Generation, Method: "majority"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second final label to be ignored")
	}

	f, err := db.GetFinalLabel("b1-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Category != phase.Transformation || f.RaterCount != 2 {
		t.Errorf("unexpected final label: %+v", f)
	}
}

func TestGetFinalCounts(t *testing.T) {
	db := openTestDB(t)
	b1 := seedBatch(t, db, "b1", "one", "two", "three")
	seedBatch(t, db, "b2", "four")
	finals := map[string]phase.Category{
		"b1-a": phase.Generation,
		"b1-b": phase.Generation,
		"b1-c": phase.Unclassified,
		"b2-a": phase.Integration,
	}
	for id, cat := range finals {
		if _, err := db.InsertFinalLabel(FinalLabel{ResponseID: id, Category: cat, Method: "single"}); err != nil {
			t.Fatalf("InsertFinalLabel: %v", err)
		}
	}

	all, err := db.GetFinalCounts(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if all[phase.Generation] != 2 || all[phase.Integration] != 1 || all[phase.Unclassified] != 1 {
		t.Errorf("unexpected counts: %v", all)
	}
	if all.Total() != 3 {
		t.Errorf("expected total 3 excluding unclassified, got %d", all.Total())
	}

	one, _ := db.GetFinalCounts(&b1.ID)
	if one[phase.Integration] != 0 || one[phase.Generation] != 2 {
		t.Errorf("unexpected batch counts: %v", one)
	}

	batches, per, err := db.GetFinalCountsByBatch()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 2 || len(per) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if per[1][phase.Integration] != 1 {
		t.Errorf("expected b2 integration 1, got %v", per[1])
	}
}

func TestGetRaters(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one")
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "bob", Category: phase.Generation, Source: SourceHuman})
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "alice", Category: phase.Generation, Source: SourceHuman})

	raters, err := db.GetRaters(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(raters) != 2 || raters[0] != "alice" || raters[1] != "bob" {
		t.Errorf("unexpected raters: %v", raters)
	}
}

func TestExclusionSummary(t *testing.T) {
	db := openTestDB(t)
	b := seedBatch(t, db, "b1")
	db.InsertExclusion(&b.ID, "line 3", StageImport, "malformed json")
	db.InsertExclusion(&b.ID, "line 7", StageImport, "malformed json")
	db.InsertExclusion(&b.ID, "x1", StageImport, "empty text")
	db.InsertExclusion(nil, "x2", StageClassify, "classifier error")

	summary, err := db.GetExclusionSummary(&b.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 reasons, got %d", len(summary))
	}
	if summary[0].Reason != "malformed json" || summary[0].Count != 2 {
		t.Errorf("expected malformed json x2 first, got %+v", summary[0])
	}

	all, _ := db.GetExclusionSummary(nil)
	if len(all) != 3 {
		t.Errorf("expected 3 groups overall, got %d", len(all))
	}
}

func TestCountUnfinalized(t *testing.T) {
	db := openTestDB(t)
	b1 := seedBatch(t, db, "b1", "one", "two", "three")
	seedBatch(t, db, "b2", "four")
	db.InsertFinalLabel(FinalLabel{ResponseID: "b1-a", Category: "generation", Method: "single"})
	db.InsertExclusion(&b1.ID, "b1-b", StageClassify, "empty text")

	n, err := db.CountUnfinalized(&b1.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 unfinalized response in b1, got %d", n)
	}
	all, _ := db.CountUnfinalized(nil)
	if all != 2 {
		t.Errorf("expected 2 unfinalized responses overall, got %d", all)
	}
}

func TestAnalysisRuns(t *testing.T) {
	db := openTestDB(t)
	chi := 181.32
	p := 1e-38
	run := AnalysisRun{
		ID:             "run-1",
		Scope:          "all",
		N:              1000,
		ChiSquare:      &chi,
		PValue:         &p,
		ReportJSON:     `{"n":1000}`,
		ReportMarkdown: "# Report",
	}
	if err := db.InsertAnalysisRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.InsertAnalysisRun(AnalysisRun{ID: "run-2", Scope: "b1", ReportJSON: "{}"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := db.GetAnalysisRun("run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.N != 1000 || got.ChiSquare == nil || *got.ChiSquare != chi {
		t.Errorf("unexpected run: %+v", got)
	}

	missing, err := db.GetAnalysisRun("nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing run; got %v, %v", missing, err)
	}

	runs, err := db.GetAllAnalysisRuns()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}
	if runs[0].ChiSquare != nil {
		t.Error("expected nil chi-square for refused test")
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	seedBatch(t, db, "b1", "one", "two")
	db.InsertLabel(Label{ResponseID: "b1-a", Rater: "alice", Category: phase.Generation, Source: SourceHuman})
	db.InsertLabel(Label{ResponseID: "b1-b", Rater: "bob", Category: phase.Generation, Source: SourceHuman})
	db.InsertFinalLabel(FinalLabel{ResponseID: "b1-a", Category: phase.Unclassified, Method: "single"})
	db.InsertExclusion(nil, "line 1", StageImport, "empty text")

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Stats{
		Batches:          1,
		Responses:        2,
		Labels:           2,
		Raters:           2,
		FinalLabels:      1,
		Unclassified:     1,
		Exclusions:       1,
		PendingReconcile: 1,
	}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}

func TestFormatDateDisplay(t *testing.T) {
	if got := FormatDateDisplay("2025-08-01"); got != "Aug 01, 2025" {
		t.Errorf("got %q", got)
	}
	if got := FormatDateDisplay("someday"); got != "someday" {
		t.Errorf("expected passthrough, got %q", got)
	}
}
