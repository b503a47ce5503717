package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/phasestat/internal/analysis"
	"github.com/TobiSchelling/phasestat/internal/classify"
	"github.com/TobiSchelling/phasestat/internal/config"
	"github.com/TobiSchelling/phasestat/internal/corpus"
	"github.com/TobiSchelling/phasestat/internal/database"
	"github.com/TobiSchelling/phasestat/internal/phase"
	"github.com/TobiSchelling/phasestat/internal/pipeline"
	"github.com/TobiSchelling/phasestat/internal/reconcile"
	"github.com/TobiSchelling/phasestat/internal/report"
	"github.com/TobiSchelling/phasestat/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "phasestat",
	Short:   "Phase distribution analysis for model responses",
	Long:    "phasestat labels model responses with conversational phases and tests whether the phase distribution departs from uniform.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setLogFlags(verbose)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		setLogFlags(verbose || strings.EqualFold(cfg.Logging.Level, "debug"))
		return nil
	},
}

func setLogFlags(debug bool) {
	if debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	} else {
		log.SetFlags(log.LstdFlags)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(agreementCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(stabilityCmd)
	rootCmd.AddCommand(batchesCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("phasestat", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/phasestat/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to adjust markers, the classifier strategy, and analysis settings.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", cfg.DBPath())
		fmt.Println("Corpus:")
		fmt.Printf("  Batches: %d\n", stats.Batches)
		fmt.Printf("  Responses: %d\n", stats.Responses)
		fmt.Printf("  Exclusions: %d\n", stats.Exclusions)
		fmt.Println("\nLabels:")
		fmt.Printf("  Rater labels: %d (%d raters)\n", stats.Labels, stats.Raters)
		fmt.Printf("  Final labels: %d (%d unclassified)\n", stats.FinalLabels, stats.Unclassified)
		fmt.Printf("  Pending reconciliation: %d\n", stats.PendingReconcile)
		fmt.Println("\nAnalysis:")
		fmt.Printf("  Stored runs: %d\n", stats.AnalysisRuns)
		fmt.Printf("  Classifier: %s\n", cfg.Classifier.Strategy)
		return nil
	},
}

// --- import / label commands ---

var (
	importBatch     string
	importCollected string
	labelRater      string
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import a JSONL corpus of responses into a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		im := corpus.NewImporter(db, "")
		res, err := im.ImportFile(args[0], importBatch, optional(importCollected))
		if err != nil {
			return err
		}

		fmt.Printf("Imported into batch %q:\n", res.Batch.Name)
		fmt.Printf("  Lines read: %d\n", res.Read)
		fmt.Printf("  New responses: %d\n", res.Imported)
		fmt.Printf("  Duplicates: %d\n", res.Duplicates)
		fmt.Printf("  Inline labels: %d\n", res.Labeled)
		printExclusions(res.Exclusions)
		return nil
	},
}

var labelCmd = &cobra.Command{
	Use:   "label <file.jsonl>",
	Short: "Import human rater labels for stored responses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening labels: %w", err)
		}
		defer f.Close()

		im := corpus.NewImporter(db, "")
		res, err := im.ImportLabels(f, labelRater)
		if err != nil {
			return err
		}

		fmt.Println("Label import complete:")
		fmt.Printf("  Lines read: %d\n", res.Read)
		fmt.Printf("  Labels stored: %d\n", res.Labeled)
		printExclusions(res.Exclusions)
		if res.Finalized > 0 {
			fmt.Printf("\n%d labels were for responses that already have a final label and were not used.\n", res.Finalized)
			fmt.Println("Load human labels before running reconcile or run.")
		}
		return nil
	},
}

func init() {
	importCmd.Flags().StringVarP(&importBatch, "batch", "b", "", "Batch name (default: file name)")
	importCmd.Flags().StringVar(&importCollected, "collected", "", "Collection date, YYYY-MM-DD")
	labelCmd.Flags().StringVarP(&labelRater, "rater", "r", "", "Rater for lines without a rater field")
}

// --- classify / agreement / reconcile commands ---

var (
	batchName string
	strategy  string
	policy    string
)

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Label stored responses with the configured classifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		if strategy != "" {
			cfg.Classifier.Strategy = strategy
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		batch, err := resolveBatch(db, batchName)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		c, err := classify.FromConfig(ctx, cfg)
		if err != nil {
			return err
		}
		labeler := classify.NewLabeler(db, c, cfg.Classifier.Concurrency)
		res, err := labeler.LabelResponses(ctx, batchID(batch))
		if err != nil {
			return err
		}

		fmt.Printf("Classification complete (%s):\n", labeler.Rater())
		fmt.Printf("  Processed: %d\n", res.Processed)
		for _, cat := range phase.All() {
			fmt.Printf("  %s: %d\n", cat, res.ByCategory[cat])
		}
		fmt.Printf("  Unclassified: %d\n", res.Unclassified)
		fmt.Printf("  Excluded: %d\n", res.Excluded)
		if res.Errors > 0 {
			fmt.Printf("  Errors: %d\n", res.Errors)
		}
		return nil
	},
}

var agreementCmd = &cobra.Command{
	Use:   "agreement",
	Short: "Report inter-rater agreement",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		batch, err := resolveBatch(db, batchName)
		if err != nil {
			return err
		}
		labels, err := db.GetLabels(batchID(batch))
		if err != nil {
			return err
		}

		ratings := make([]analysis.Rating, 0, len(labels))
		for _, l := range labels {
			ratings = append(ratings, analysis.Rating{Item: l.ResponseID, Rater: l.Rater, Category: l.Category})
		}
		a := analysis.MeasureAgreement(ratings)

		fmt.Printf("Raters: %s\n", strings.Join(a.Raters, ", "))
		fmt.Printf("Items labeled by every rater: %d\n", a.Items)
		if a.Kappa != nil {
			fmt.Printf("%s kappa: %.3f (%s)\n", a.Method, *a.Kappa, a.Interpretation)
		}
		if a.Note != "" {
			fmt.Printf("Note: %s\n", a.Note)
		}
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Reduce rater labels to one final label per response",
	RunE: func(cmd *cobra.Command, args []string) error {
		if policy != "" {
			cfg.Reconcile.Policy = policy
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		batch, err := resolveBatch(db, batchName)
		if err != nil {
			return err
		}

		r := reconcile.NewReconciler(db, reconcile.PolicyFromConfig(cfg.Reconcile))
		res, err := r.Reconcile(batchID(batch))
		if err != nil {
			return err
		}

		fmt.Printf("Reconciliation complete (%s policy):\n", cfg.Reconcile.Policy)
		fmt.Printf("  Finalized: %d\n", res.Finalized)
		methods := make([]string, 0, len(res.ByMethod))
		for m := range res.ByMethod {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		for _, m := range methods {
			fmt.Printf("    %s: %d\n", m, res.ByMethod[m])
		}
		fmt.Printf("  Unresolved: %d\n", res.Unresolved)
		if res.Errors > 0 {
			fmt.Printf("  Errors: %d\n", res.Errors)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, agreementCmd, reconcileCmd, analyzeCmd} {
		c.Flags().StringVarP(&batchName, "batch", "b", "", "Limit to one batch (default: all)")
	}
	classifyCmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Override classifier strategy (keyword, llm, embedding)")
	reconcileCmd.Flags().StringVar(&policy, "policy", "", "Override reconcile policy (majority, adjudicator)")
}

// --- analyze command ---

var (
	countsFlag string
	outPath    string
	format     string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Test the phase distribution and store a report",
	Long: `Analyze final labels, or explicit counts given with --counts.
Reports over stored labels are saved and can be browsed with 'phasestat serve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := report.ParseFormat(format)
		if err != nil {
			return err
		}
		opts, err := analysis.OptionsFromConfig(cfg.Analysis)
		if err != nil {
			return err
		}

		var rep *analysis.Report
		if countsFlag != "" {
			counts, err := parseCounts(countsFlag)
			if err != nil {
				return err
			}
			rep, err = analysis.Analyze(analysis.Input{Scope: "counts", Counts: counts}, opts)
			if err != nil {
				return err
			}
			analysis.Stamp(rep)
		} else {
			rep, err = analyzeStored(opts)
			if err != nil {
				return err
			}
		}

		if outPath != "" {
			if err := report.Write(rep, outPath, f); err != nil {
				return err
			}
			fmt.Printf("Report written to %s\n", outPath)
			return nil
		}
		data, err := report.Render(rep, f)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

func analyzeStored(opts analysis.Options) (*analysis.Report, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	batch, err := resolveBatch(db, batchName)
	if err != nil {
		return nil, err
	}
	rep, err := analysis.NewAnalyzer(db, opts).Run(batch)
	if err != nil {
		return nil, err
	}
	if err := report.Store(db, rep); err != nil {
		return nil, fmt.Errorf("storing report: %w", err)
	}
	log.Printf("Stored analysis run %s", rep.ID)
	return rep, nil
}

// parseCounts reads four comma-separated counts in canonical phase order.
func parseCounts(s string) (phase.Counts, error) {
	parts := strings.Split(s, ",")
	if len(parts) != len(phase.All()) {
		return nil, fmt.Errorf("--counts needs %d values (%s), got %d",
			len(phase.All()), joinCategories(), len(parts))
	}
	v := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid count %q: %w", p, err)
		}
		v[i] = n
	}
	return phase.CountsFromVector(v)
}

func joinCategories() string {
	names := make([]string, 0, len(phase.All()))
	for _, c := range phase.All() {
		names = append(names, string(c))
	}
	return strings.Join(names, ",")
}

func init() {
	analyzeCmd.Flags().StringVar(&countsFlag, "counts", "", "Analyze explicit counts: "+joinCategories())
	analyzeCmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the report to a file instead of stdout")
	analyzeCmd.Flags().StringVarP(&format, "format", "f", report.FormatMarkdown, "Report format (markdown, json)")
}

// --- stability command ---

var stabilityCmd = &cobra.Command{
	Use:   "stability",
	Short: "Show how phase proportions vary across batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		opts, err := analysis.OptionsFromConfig(cfg.Analysis)
		if err != nil {
			return err
		}
		in, err := analysis.NewAnalyzer(db, opts).Input(nil)
		if err != nil {
			return err
		}
		s := analysis.MeasureStability(in.Batches)

		fmt.Println("Batches:")
		for _, b := range s.Batches {
			parts := make([]string, len(b.Proportions))
			for i, p := range b.Proportions {
				parts[i] = fmt.Sprintf("%s %.1f%%", phase.All()[i], 100*p)
			}
			fmt.Printf("  %s (N=%d): %s\n", b.Name, b.N, strings.Join(parts, ", "))
		}
		if s.Error != "" {
			return fmt.Errorf("stability: %s", s.Error)
		}

		fmt.Println("\nAcross batches:")
		for _, row := range s.Categories {
			fmt.Printf("  %-15s mean %.1f%%  sd %.1f%%  range %.1f%% to %.1f%%\n",
				row.Category, 100*row.Mean, 100*row.StdDev, 100*row.Min, 100*row.Max)
		}
		return nil
	},
}

// --- listing commands ---

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "List imported batches",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		batches, err := db.GetAllBatches()
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			fmt.Println("No batches. Import one with: phasestat import <file.jsonl>")
			return nil
		}
		for _, b := range batches {
			collected := ""
			if b.CollectedOn != nil {
				collected = ", collected " + *b.CollectedOn
			}
			fmt.Printf("  [%d] %s (%d responses%s)\n", b.ID, b.Name, b.ResponseCount, collected)
		}
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored analysis runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.GetAllAnalysisRuns()
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No analysis runs. Create one with: phasestat analyze")
			return nil
		}
		for _, r := range runs {
			result := "no test"
			if r.ChiSquare != nil && r.PValue != nil {
				result = fmt.Sprintf("χ² = %.2f, %s", *r.ChiSquare, report.FormatP(*r.PValue))
			}
			created := ""
			if r.CreatedAt != nil {
				created = *r.CreatedAt
			}
			fmt.Printf("  %s  %s  scope=%s N=%d  %s\n", r.ID, created, r.Scope, r.N, result)
		}
		return nil
	},
}

// --- run command ---

var (
	dryRun       bool
	runBatch     string
	runCollected string
)

var runCmd = &cobra.Command{
	Use:   "run <file.jsonl>",
	Short: "Run the full pipeline: import -> classify -> reconcile -> analyze -> store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := report.ParseFormat(format)
		if err != nil {
			return err
		}

		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		pipe, err := pipeline.New(ctx, cfg, db)
		if err != nil {
			return err
		}

		opts := pipeline.Options{
			CorpusPath:  args[0],
			BatchName:   runBatch,
			CollectedOn: optional(runCollected),
			OutPath:     outPath,
			Format:      f,
		}

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun(opts)
		} else {
			result = pipe.Run(ctx, opts)
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/5: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}

		if result.Failed() {
			return fmt.Errorf("pipeline finished with errors")
		}
		if !dryRun && result.Report != nil {
			fmt.Printf("\nPipeline complete! Run 'phasestat serve' to view report %s.\n", result.Report.ID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
	runCmd.Flags().StringVarP(&runBatch, "batch", "b", "", "Batch name (default: file name)")
	runCmd.Flags().StringVar(&runCollected, "collected", "", "Collection date, YYYY-MM-DD")
	runCmd.Flags().StringVarP(&outPath, "out", "o", "", "Also write the report to a file")
	runCmd.Flags().StringVarP(&format, "format", "f", report.FormatMarkdown, "Report file format (markdown, json)")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local report browser",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (default from config)")
}

func openDB() (*database.DB, error) {
	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

// resolveBatch looks up a batch by name. An empty name means all batches.
func resolveBatch(db *database.DB, name string) (*database.Batch, error) {
	if name == "" {
		return nil, nil
	}
	b, err := db.GetBatchByName(name)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("batch %q not found", name)
	}
	return b, nil
}

func batchID(b *database.Batch) *int64 {
	if b == nil {
		return nil
	}
	return &b.ID
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printExclusions(excl []corpus.Exclusion) {
	if len(excl) == 0 {
		return
	}
	fmt.Printf("  Excluded: %d\n", len(excl))
	for _, e := range excl {
		fmt.Printf("    %s\n", e)
	}
}
