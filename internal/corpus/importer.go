package corpus

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/TobiSchelling/phasestat/internal/database"
)

// DefaultRater is recorded for labels that name no rater.
const DefaultRater = "imported"

// ImportResult holds the results of loading a corpus file.
type ImportResult struct {
	Batch      *database.Batch
	Read       int
	Imported   int
	Duplicates int
	Labeled    int
	Exclusions []Exclusion
}

// Importer loads corpora and label files into the database.
type Importer struct {
	db           *database.DB
	defaultRater string
}

// NewImporter creates an importer. Labels without a rater field are
// stored under defaultRater.
func NewImporter(db *database.DB, defaultRater string) *Importer {
	if defaultRater == "" {
		defaultRater = DefaultRater
	}
	return &Importer{db: db, defaultRater: defaultRater}
}

// BatchNameFromPath derives a batch name from a corpus file name.
func BatchNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ImportFile loads a JSONL corpus into the named batch, creating it when
// needed. An empty name is derived from the file name and a nil
// collection date means today.
func (im *Importer) ImportFile(path, batchName string, collectedOn *string) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening corpus: %w", err)
	}
	defer f.Close()

	if batchName == "" {
		batchName = BatchNameFromPath(path)
	}
	if collectedOn == nil {
		today := database.GetToday()
		collectedOn = &today
	}
	source := filepath.Base(path)
	batch, created, err := im.db.GetOrCreateBatch(batchName, collectedOn, &source)
	if err != nil {
		return nil, err
	}
	if created {
		log.Printf("Created batch %q", batchName)
	}
	return im.Import(f, batch)
}

// Import loads records from r into batch. Responses keep the order of the
// input. Bad lines and duplicate ids are recorded as exclusions.
func (im *Importer) Import(r io.Reader, batch *database.Batch) (*ImportResult, error) {
	seq, err := im.db.NextSeq(batch.ID)
	if err != nil {
		return nil, err
	}

	res := &ImportResult{Batch: batch}
	reader := NewReader(r)
	for {
		rec, excl, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading corpus: %w", err)
		}
		res.Read++
		if excl != nil {
			im.exclude(res, batch.ID, *excl)
			continue
		}

		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		inserted, err := im.db.InsertResponse(rec.ID, batch.ID, seq, rec.Text)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if !inserted {
			res.Duplicates++
			im.exclude(res, batch.ID, Exclusion{Line: rec.Line, Ref: rec.ID, Reason: ReasonDuplicateID})
			continue
		}
		seq++
		res.Imported++

		if rec.HasLabel() {
			if err := im.storeLabel(rec); err != nil {
				return res, fmt.Errorf("line %d: %w", rec.Line, err)
			}
			res.Labeled++
		}
	}

	log.Printf("Imported %d responses into %q (%d duplicates, %d excluded, %d labeled)",
		res.Imported, batch.Name, res.Duplicates, len(res.Exclusions)-res.Duplicates, res.Labeled)
	return res, nil
}

func (im *Importer) storeLabel(rec *Record) error {
	rater := rec.Rater
	if rater == "" {
		rater = im.defaultRater
	}
	_, err := im.db.InsertLabel(database.Label{
		ResponseID: rec.ID,
		Rater:      rater,
		Category:   rec.Label,
		Source:     database.SourceImported,
	})
	return err
}

func (im *Importer) exclude(res *ImportResult, batchID int64, e Exclusion) {
	res.Exclusions = append(res.Exclusions, e)
	if err := im.db.InsertExclusion(&batchID, exclusionRef(e), database.StageImport, e.Reason); err != nil {
		log.Printf("Error recording exclusion %s: %v", e, err)
	}
}

func exclusionRef(e Exclusion) string {
	if e.Ref != "" {
		return e.Ref
	}
	return fmt.Sprintf("line %d", e.Line)
}

// LabelResult holds the results of loading a label file.
type LabelResult struct {
	Read       int
	Labeled    int
	Finalized  int
	Exclusions []Exclusion
}

// ImportLabels loads rater labels for responses already in the database.
// rater overrides the default for lines without a rater field. Final
// labels never change, so labels for finalized responses are excluded.
func (im *Importer) ImportLabels(r io.Reader, rater string) (*LabelResult, error) {
	if rater == "" {
		rater = im.defaultRater
	}

	res := &LabelResult{}
	reader := NewLabelReader(r)
	for {
		rec, excl, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("reading labels: %w", err)
		}
		res.Read++
		if excl != nil {
			im.excludeLabel(res, nil, *excl)
			continue
		}

		resp, err := im.db.GetResponse(rec.ID)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if resp == nil {
			im.excludeLabel(res, nil, Exclusion{Line: rec.Line, Ref: rec.ID, Reason: ReasonUnknownID})
			continue
		}
		final, err := im.db.GetFinalLabel(rec.ID)
		if err != nil {
			return res, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if final != nil {
			res.Finalized++
			im.excludeLabel(res, &resp.BatchID, Exclusion{Line: rec.Line, Ref: rec.ID, Reason: ReasonFinalized})
			continue
		}

		who := rec.Rater
		if who == "" {
			who = rater
		}
		inserted, err := im.db.InsertLabel(database.Label{
			ResponseID: rec.ID,
			Rater:      who,
			Category:   rec.Label,
			Source:     database.SourceHuman,
		})
		if err != nil {
			return res, fmt.Errorf("line %d: %w", rec.Line, err)
		}
		if !inserted {
			im.excludeLabel(res, &resp.BatchID, Exclusion{Line: rec.Line, Ref: rec.ID, Reason: ReasonRelabel})
			continue
		}
		res.Labeled++
	}

	log.Printf("Loaded %d labels (%d excluded)", res.Labeled, len(res.Exclusions))
	if res.Finalized > 0 {
		log.Printf("%d labels arrived after their response was finalized; import labels before reconciling", res.Finalized)
	}
	return res, nil
}

func (im *Importer) excludeLabel(res *LabelResult, batchID *int64, e Exclusion) {
	res.Exclusions = append(res.Exclusions, e)
	if err := im.db.InsertExclusion(batchID, exclusionRef(e), database.StageLabel, e.Reason); err != nil {
		log.Printf("Error recording exclusion %s: %v", e, err)
	}
}
