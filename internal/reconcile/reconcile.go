// Package reconcile reduces the labels of several raters to one final
// label per response.
package reconcile

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
)

// Methods recorded with final labels.
const (
	MethodSingle      = "single"
	MethodUnanimous   = "unanimous"
	MethodMajority    = "majority"
	MethodAdjudicator = "adjudicator"
	MethodUnresolved  = "unresolved"
)

// ReasonUnresolved is the note and exclusion reason for items no policy
// could settle.
const ReasonUnresolved = "unresolved disagreement"

// Decision is the final label chosen for one response.
type Decision struct {
	ResponseID string
	Category   phase.Category
	Method     string
	RaterCount int
	Note       string
}

// Policy decides how disagreements are settled.
type Policy struct {
	Name        string
	Adjudicator string
}

// PolicyFromConfig reads the reconcile config section.
func PolicyFromConfig(cfg config.Reconcile) Policy {
	return Policy{Name: cfg.Policy, Adjudicator: cfg.Adjudicator}
}

// Resolve picks the final label for one response's rater labels. All
// labels must belong to the same response and there must be at least one.
// Classifier labels only vote when no person labeled the response, and
// unclassified votes drop out when any phase was named.
func (p Policy) Resolve(labels []database.Label) (Decision, error) {
	if len(labels) == 0 {
		return Decision{}, fmt.Errorf("no labels to reconcile")
	}
	d := Decision{ResponseID: labels[0].ResponseID}

	var adjudicated *database.Label
	for i, l := range labels {
		if l.ResponseID != d.ResponseID {
			return Decision{}, fmt.Errorf("labels for %s and %s mixed", d.ResponseID, l.ResponseID)
		}
		if p.Adjudicator != "" && l.Rater == p.Adjudicator {
			adjudicated = &labels[i]
		}
	}

	counted := voters(labels)
	d.RaterCount = len(counted)
	votes := make(map[phase.Category]int)
	for _, l := range counted {
		votes[l.Category]++
	}

	if len(counted) == 1 {
		d.Category = counted[0].Category
		d.Method = MethodSingle
		return d, nil
	}
	if len(votes) == 1 {
		d.Category = counted[0].Category
		d.Method = MethodUnanimous
		return d, nil
	}

	switch p.Name {
	case config.PolicyAdjudicator:
		if adjudicated != nil {
			d.Category = adjudicated.Category
			d.Method = MethodAdjudicator
			d.Note = "adjudicator " + adjudicated.Rater + " over " + formatVotes(votes)
			return d, nil
		}
		return p.majority(d, votes, nil), nil
	case config.PolicyMajority, "":
		return p.majority(d, votes, adjudicated), nil
	default:
		return Decision{}, fmt.Errorf("unknown reconcile policy %q", p.Name)
	}
}

func (p Policy) majority(d Decision, votes map[phase.Category]int, adjudicated *database.Label) Decision {
	top := 0
	for _, n := range votes {
		if n > top {
			top = n
		}
	}
	var tied []phase.Category
	for cat, n := range votes {
		if n == top {
			tied = append(tied, cat)
		}
	}

	if len(tied) == 1 {
		d.Category = tied[0]
		d.Method = MethodMajority
		d.Note = formatVotes(votes)
		return d
	}

	if adjudicated != nil {
		for _, cat := range tied {
			if cat == adjudicated.Category {
				d.Category = cat
				d.Method = MethodAdjudicator
				d.Note = "tie broken by " + adjudicated.Rater + ": " + formatVotes(votes)
				return d
			}
		}
	}

	d.Category = phase.Unclassified
	d.Method = MethodUnresolved
	d.Note = ReasonUnresolved + ": " + formatVotes(votes)
	return d
}

// voters selects the labels that take part in the vote.
func voters(labels []database.Label) []database.Label {
	var people []database.Label
	for _, l := range labels {
		if !database.IsAutoRater(l.Rater) {
			people = append(people, l)
		}
	}
	if len(people) == 0 {
		people = labels
	}

	var named []database.Label
	for _, l := range people {
		if l.Category != phase.Unclassified {
			named = append(named, l)
		}
	}
	if len(named) == 0 {
		return people
	}
	return named
}

// formatVotes renders votes as "generation=2, consumption=1", highest
// first and then by name.
func formatVotes(votes map[phase.Category]int) string {
	cats := make([]phase.Category, 0, len(votes))
	for c := range votes {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if votes[cats[i]] != votes[cats[j]] {
			return votes[cats[i]] > votes[cats[j]]
		}
		return cats[i] < cats[j]
	})
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = fmt.Sprintf("%s=%d", c, votes[c])
	}
	return strings.Join(parts, ", ")
}

// Result holds the results of a reconciliation run.
type Result struct {
	Finalized   int
	ByMethod    map[string]int
	Unresolved  int
	AlreadyDone int
	Errors      int
}

// Reconciler writes final labels for every response with pending rater
// labels.
type Reconciler struct {
	db     *database.DB
	policy Policy
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *database.DB, policy Policy) *Reconciler {
	return &Reconciler{db: db, policy: policy}
}

// Reconcile finalizes pending responses, optionally limited to one batch.
// Unresolved items are finalized as unclassified and recorded as
// exclusions.
func (r *Reconciler) Reconcile(batchID *int64) (*Result, error) {
	grouped, order, err := r.db.GetPendingLabels(batchID)
	if err != nil {
		return nil, err
	}

	res := &Result{ByMethod: make(map[string]int)}
	if len(order) == 0 {
		log.Println("No responses pending reconciliation")
		return res, nil
	}

	for _, id := range order {
		d, err := r.policy.Resolve(grouped[id])
		if err != nil {
			log.Printf("Error reconciling %s: %v", id, err)
			res.Errors++
			continue
		}

		var note *string
		if d.Note != "" {
			note = &d.Note
		}
		inserted, err := r.db.InsertFinalLabel(database.FinalLabel{
			ResponseID: d.ResponseID,
			Category:   d.Category,
			Method:     d.Method,
			RaterCount: d.RaterCount,
			Note:       note,
		})
		if err != nil {
			log.Printf("Error storing final label for %s: %v", id, err)
			res.Errors++
			continue
		}
		if !inserted {
			res.AlreadyDone++
			continue
		}

		res.Finalized++
		res.ByMethod[d.Method]++
		if d.Method == MethodUnresolved {
			res.Unresolved++
			resp, err := r.db.GetResponse(id)
			if err == nil && resp != nil {
				if err := r.db.InsertExclusion(&resp.BatchID, id, database.StageReconcile, ReasonUnresolved); err != nil {
					log.Printf("Error recording exclusion for %s: %v", id, err)
				}
			}
		}
	}

	log.Printf("Reconciliation complete: %d finalized (%d unresolved), %d errors",
		res.Finalized, res.Unresolved, res.Errors)
	return res, nil
}
