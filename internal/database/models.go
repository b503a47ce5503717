package database

import (
	"strings"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

// Batch is a collection of responses sharing a collection session.
type Batch struct {
	ID            int64
	Name          string
	CollectedOn   *string
	Source        *string
	CreatedAt     *string
	ResponseCount int
}

// Response is one model-generated reply.
type Response struct {
	ID        string
	BatchID   int64
	Seq       int
	Text      string
	CreatedAt *string
}

// Label sources.
const (
	SourceHuman     = "human"
	SourceRule      = "rule"
	SourceLLM       = "llm"
	SourceEmbedding = "embedding"
	SourceImported  = "imported"
)

// AutoRaterPrefix marks rater identities owned by a classifier rather
// than a person.
const AutoRaterPrefix = "auto:"

// IsAutoRater reports whether rater is a classifier identity.
func IsAutoRater(rater string) bool {
	return strings.HasPrefix(rater, AutoRaterPrefix)
}

// Label is one rater's category for a response. Labels are written once.
type Label struct {
	ResponseID string
	Rater      string
	Category   phase.Category
	Source     string
	Detail     *string
	LabeledAt  *string
}

// FinalLabel is the single label a response contributes to analysis.
type FinalLabel struct {
	ResponseID  string
	Category    phase.Category
	Method      string
	RaterCount  int
	Note        *string
	FinalizedAt *string
}

// Exclusion stages.
const (
	StageImport    = "import"
	StageLabel     = "label"
	StageClassify  = "classify"
	StageReconcile = "reconcile"
)

// ExclusionCount aggregates exclusions by stage and reason.
type ExclusionCount struct {
	Stage  string
	Reason string
	Count  int
}

// AnalysisRun is a stored report.
type AnalysisRun struct {
	ID             string
	Scope          string
	N              int
	ChiSquare      *float64
	PValue         *float64
	ReportJSON     string
	ReportMarkdown string
	CreatedAt      *string
}

// Stats contains aggregate database statistics.
type Stats struct {
	Batches          int
	Responses        int
	Labels           int
	Raters           int
	FinalLabels      int
	Unclassified     int
	Exclusions       int
	AnalysisRuns     int
	PendingReconcile int
}
