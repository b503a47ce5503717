package classify

import (
	"context"
	"errors"
	"log"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

// LabelResult holds the results of a labeling run.
type LabelResult struct {
	Processed    int
	ByCategory   phase.Counts
	Unclassified int
	Excluded     int
	Errors       int
}

// Labeler runs a classifier over stored responses and records its
// labels under the classifier's rater identity.
type Labeler struct {
	db          *database.DB
	classifier  Classifier
	concurrency int
}

// NewLabeler creates a labeler. concurrency bounds in-flight Classify
// calls.
func NewLabeler(db *database.DB, classifier Classifier, concurrency int) *Labeler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Labeler{db: db, classifier: classifier, concurrency: concurrency}
}

// Rater returns the identity the labels are stored under.
func (l *Labeler) Rater() string { return RaterFor(l.classifier) }

type outcome struct {
	res Result
	err error
}

// LabelResponses classifies every response the rater has not labeled
// yet, optionally limited to one batch. Per-response failures are
// counted and logged; the returned error is only set for a failed query
// or a cancelled context.
func (l *Labeler) LabelResponses(ctx context.Context, batchID *int64) (*LabelResult, error) {
	rater := l.Rater()
	responses, err := l.db.GetUnlabeledResponses(rater, batchID)
	if err != nil {
		return nil, err
	}

	r := &LabelResult{ByCategory: phase.Counts{}}
	if len(responses) == 0 {
		log.Printf("No responses pending classification for %s", rater)
		return r, nil
	}

	outcomes := make([]outcome, len(responses))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.concurrency)
	for i, resp := range responses {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := l.classifier.Classify(gctx, resp.Text)
			outcomes[i] = outcome{res: res, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return r, err
	}

	source := SourceFor(l.classifier.Name())
	for i, resp := range responses {
		o := outcomes[i]
		if errors.Is(o.err, ErrEmptyText) {
			batch := resp.BatchID
			if err := l.db.InsertExclusion(&batch, resp.ID, database.StageClassify, "empty text"); err != nil {
				log.Printf("Error recording exclusion for %s: %v", resp.ID, err)
			}
			r.Excluded++
			continue
		}
		if o.err != nil {
			log.Printf("Error classifying response %s: %v", resp.ID, o.err)
			r.Errors++
			continue
		}

		detail := labelDetail(o.res)
		inserted, err := l.db.InsertLabel(database.Label{
			ResponseID: resp.ID,
			Rater:      rater,
			Category:   o.res.Category,
			Source:     source,
			Detail:     detail,
		})
		if err != nil {
			log.Printf("Error storing label for %s: %v", resp.ID, err)
			r.Errors++
			continue
		}
		if !inserted {
			continue
		}

		r.Processed++
		if o.res.Category == phase.Unclassified {
			r.Unclassified++
		} else {
			r.ByCategory.Add(o.res.Category)
		}
	}

	log.Printf("Classification complete (%s): %d labeled (%d unclassified), %d excluded, %d errors",
		rater, r.Processed, r.Unclassified, r.Excluded, r.Errors)
	return r, ctx.Err()
}

func labelDetail(res Result) *string {
	var parts []string
	if len(res.Matched) > 0 {
		parts = append(parts, "markers: "+strings.Join(res.Matched, ", "))
	}
	if res.Reason != "" {
		parts = append(parts, res.Reason)
	}
	if len(parts) == 0 {
		return nil
	}
	s := strings.Join(parts, "; ")
	return &s
}
