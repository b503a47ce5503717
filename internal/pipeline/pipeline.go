package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/TobiSchelling/phasestat/internal/analysis"
	"github.com/TobiSchelling/phasestat/internal/classify"
	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/corpus"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/reconcile"
	"github.com/TobiSchelling/phasestat/internal/report"
)

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Batch  string
	Report *analysis.Report
	Steps  []StepResult
}

// Failed reports whether any step returned an error.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// Options describes one run.
type Options struct {
	CorpusPath  string
	BatchName   string
	CollectedOn *string
	// OutPath, when set, also writes the report to a file.
	OutPath string
	Format  string
}

// Pipeline orchestrates the import, classify, reconcile, analyze and
// store steps.
type Pipeline struct {
	cfg        *config.Config
	db         *database.DB
	classifier classify.Classifier
}

// New creates a pipeline with the configured classifier. Model backends
// are only contacted for the llm and embedding strategies.
func New(ctx context.Context, cfg *config.Config, db *database.DB) (*Pipeline, error) {
	c, err := classify.FromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithClassifier(cfg, db, c), nil
}

// NewWithClassifier creates a pipeline around an existing classifier.
func NewWithClassifier(cfg *config.Config, db *database.DB, c classify.Classifier) *Pipeline {
	return &Pipeline{cfg: cfg, db: db, classifier: c}
}

// Run executes the full pipeline. It stops early when the import fails
// or produces no batch; later steps run even if an earlier one reported
// per-record errors.
func (p *Pipeline) Run(ctx context.Context, opts Options) *Result {
	r := &Result{}

	// Step 1: Import
	batch, step := p.runImport(opts)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}
	r.Batch = batch.Name

	// Step 2: Classify
	step = p.runClassify(ctx, batch)
	r.Steps = append(r.Steps, step)
	if errors.Is(step.Err, context.Canceled) || errors.Is(step.Err, context.DeadlineExceeded) {
		return r
	}

	// Step 3: Reconcile
	step = p.runReconcile(batch)
	r.Steps = append(r.Steps, step)

	// Step 4: Analyze
	rep, step := p.runAnalyze(batch)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}
	r.Report = rep

	// Step 5: Store
	step = p.runStore(rep, opts)
	r.Steps = append(r.Steps, step)

	return r
}

// DryRun shows what would be done without writing anything.
func (p *Pipeline) DryRun(opts Options) *Result {
	r := &Result{}
	name := opts.BatchName
	if name == "" {
		name = corpus.BatchNameFromPath(opts.CorpusPath)
	}
	r.Batch = name

	readable, excluded, err := scanCorpus(opts.CorpusPath)
	if err != nil {
		r.Steps = append(r.Steps, StepResult{Name: "Import", Err: err})
		return r
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Import",
		Summary: fmt.Sprintf("[dry-run] %d records readable, %d would be excluded, into batch %q", readable, excluded, name),
	})

	existing, _ := p.db.GetBatchByName(name)
	pending := 0
	if existing != nil {
		unlabeled, _ := p.db.GetUnlabeledResponses(classify.RaterFor(p.classifier), &existing.ID)
		pending = len(unlabeled)
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Classify",
		Summary: fmt.Sprintf("[dry-run] %s classifier would label up to %d responses", p.classifier.Name(), pending+readable),
	})

	r.Steps = append(r.Steps, StepResult{
		Name:    "Reconcile",
		Summary: fmt.Sprintf("[dry-run] %s policy would finalize pending labels", p.cfg.Reconcile.Policy),
	})
	r.Steps = append(r.Steps, StepResult{
		Name: "Analyze",
		Summary: fmt.Sprintf("[dry-run] Would test %q with %d resamples (seed %d)",
			name, p.cfg.Analysis.Resamples, p.cfg.Analysis.Seed),
	})

	store := "[dry-run] Would store the report"
	if opts.OutPath != "" {
		store += " and write " + opts.OutPath
	}
	r.Steps = append(r.Steps, StepResult{Name: "Store", Summary: store})
	return r
}

func scanCorpus(path string) (readable, excluded int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()

	reader := corpus.NewReader(f)
	for {
		_, excl, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return readable, excluded, nil
		}
		if err != nil {
			return readable, excluded, err
		}
		if excl != nil {
			excluded++
		} else {
			readable++
		}
	}
}

func (p *Pipeline) runImport(opts Options) (*database.Batch, StepResult) {
	log.Println("Step 1/5: Importing corpus...")
	im := corpus.NewImporter(p.db, "")
	res, err := im.ImportFile(opts.CorpusPath, opts.BatchName, opts.CollectedOn)
	if err != nil {
		return nil, StepResult{Name: "Import", Err: err}
	}
	return res.Batch, StepResult{
		Name: "Import",
		Summary: fmt.Sprintf("Imported %d responses into %q (%d duplicates, %d excluded)",
			res.Imported, res.Batch.Name, res.Duplicates, len(res.Exclusions)-res.Duplicates),
	}
}

func (p *Pipeline) runClassify(ctx context.Context, batch *database.Batch) StepResult {
	log.Println("Step 2/5: Classifying responses...")
	labeler := classify.NewLabeler(p.db, p.classifier, p.cfg.Classifier.Concurrency)
	res, err := labeler.LabelResponses(ctx, &batch.ID)
	if err != nil {
		return StepResult{Name: "Classify", Err: err}
	}
	return StepResult{
		Name: "Classify",
		Summary: fmt.Sprintf("Labeled %d responses as %s (%d unclassified, %d errors)",
			res.Processed, labeler.Rater(), res.Unclassified, res.Errors),
	}
}

func (p *Pipeline) runReconcile(batch *database.Batch) StepResult {
	log.Println("Step 3/5: Reconciling labels...")
	rec := reconcile.NewReconciler(p.db, reconcile.PolicyFromConfig(p.cfg.Reconcile))
	res, err := rec.Reconcile(&batch.ID)
	if err != nil {
		return StepResult{Name: "Reconcile", Err: err}
	}
	return StepResult{
		Name:    "Reconcile",
		Summary: fmt.Sprintf("Finalized %d labels (%d unresolved)", res.Finalized, res.Unresolved),
	}
}

func (p *Pipeline) runAnalyze(batch *database.Batch) (*analysis.Report, StepResult) {
	log.Println("Step 4/5: Analyzing distribution...")
	opts, err := analysis.OptionsFromConfig(p.cfg.Analysis)
	if err != nil {
		return nil, StepResult{Name: "Analyze", Err: err}
	}
	rep, err := analysis.NewAnalyzer(p.db, opts).Run(batch)
	if err != nil {
		return nil, StepResult{Name: "Analyze", Err: err}
	}

	summary := fmt.Sprintf("N = %d, uniform test not run: %s", rep.N, rep.Uniform.Error)
	if res := rep.Uniform.Result; res != nil {
		summary = fmt.Sprintf("N = %d, χ²(%d) = %.2f, %s", rep.N, res.DF, res.Statistic, report.FormatP(res.PValue))
	}
	return rep, StepResult{Name: "Analyze", Summary: summary}
}

func (p *Pipeline) runStore(rep *analysis.Report, opts Options) StepResult {
	log.Println("Step 5/5: Storing report...")
	if err := report.Store(p.db, rep); err != nil {
		return StepResult{Name: "Store", Err: err}
	}
	summary := "Stored run " + rep.ID
	if opts.OutPath != "" {
		if err := report.Write(rep, opts.OutPath, opts.Format); err != nil {
			return StepResult{Name: "Store", Summary: summary, Err: err}
		}
		summary += ", wrote " + opts.OutPath
	}
	return StepResult{Name: "Store", Summary: summary}
}
