package analysis

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/phasestat/internal/database"
)

// ScopeAll names a report over every batch.
const ScopeAll = "all"

// Analyzer assembles report input from the database.
type Analyzer struct {
	db   *database.DB
	opts Options
}

// NewAnalyzer creates a new analyzer.
func NewAnalyzer(db *database.DB, opts Options) *Analyzer {
	return &Analyzer{db: db, opts: opts}
}

// Input gathers final counts, exclusions and rater labels for one batch,
// or for all batches when batch is nil. Cross-batch stability is only
// included for the all-batches scope.
func (a *Analyzer) Input(batch *database.Batch) (Input, error) {
	var batchID *int64
	in := Input{Scope: ScopeAll}
	if batch != nil {
		batchID = &batch.ID
		in.Scope = batch.Name
	}

	counts, err := a.db.GetFinalCounts(batchID)
	if err != nil {
		return in, fmt.Errorf("counting final labels: %w", err)
	}
	in.Counts = counts

	excl, err := a.db.GetExclusionSummary(batchID)
	if err != nil {
		return in, fmt.Errorf("summarizing exclusions: %w", err)
	}
	for _, e := range excl {
		in.Exclusions = append(in.Exclusions, ExclusionCount{Stage: e.Stage, Reason: e.Reason, Count: e.Count})
	}

	if in.Pending, err = a.db.CountUnfinalized(batchID); err != nil {
		return in, fmt.Errorf("counting pending responses: %w", err)
	}

	labels, err := a.db.GetLabels(batchID)
	if err != nil {
		return in, fmt.Errorf("loading labels: %w", err)
	}
	for _, l := range labels {
		in.Ratings = append(in.Ratings, Rating{Item: l.ResponseID, Rater: l.Rater, Category: l.Category})
	}

	if batch == nil {
		batches, perBatch, err := a.db.GetFinalCountsByBatch()
		if err != nil {
			return in, fmt.Errorf("counting batches: %w", err)
		}
		for i, b := range batches {
			if perBatch[i].Total() == 0 {
				continue
			}
			in.Batches = append(in.Batches, BatchCounts{Name: b.Name, Counts: perBatch[i]})
		}
	}
	return in, nil
}

// Run builds a report for one batch, or all batches when batch is nil,
// and stamps it with a new ID.
func (a *Analyzer) Run(batch *database.Batch) (*Report, error) {
	in, err := a.Input(batch)
	if err != nil {
		return nil, err
	}
	r, err := Analyze(in, a.opts)
	if err != nil {
		return nil, err
	}
	Stamp(r)
	return r, nil
}

// Stamp assigns a report its ID and creation time.
func Stamp(r *Report) {
	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC().Format(time.RFC3339)
}
