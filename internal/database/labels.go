package database

import (
	"database/sql"
	"fmt"

	"github.com/TobiSchelling/phasestat/internal/phase"
)

// InsertLabel records a rater's label. A rater labels a response once:
// it returns false without error if the rater already labeled it.
func (db *DB) InsertLabel(l Label) (bool, error) {
	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO labels (response_id, rater, category, source, detail)
		VALUES (?, ?, ?, ?, ?)`,
		l.ResponseID, l.Rater, string(l.Category), l.Source, l.Detail,
	)
	if err != nil {
		return false, fmt.Errorf("inserting label for %s: %w", l.ResponseID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetLabelsForResponse returns all rater labels for a response.
func (db *DB) GetLabelsForResponse(responseID string) ([]Label, error) {
	rows, err := db.conn.Query(
		`SELECT response_id, rater, category, source, detail, labeled_at
		FROM labels WHERE response_id = ? ORDER BY rater`, responseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLabels(rows)
}

// GetLabels returns all rater labels ordered by response, optionally
// limited to one batch.
func (db *DB) GetLabels(batchID *int64) ([]Label, error) {
	query := `SELECT l.response_id, l.rater, l.category, l.source, l.detail, l.labeled_at
		FROM labels l JOIN responses r ON r.id = l.response_id`
	var args []any
	if batchID != nil {
		query += " WHERE r.batch_id = ?"
		args = append(args, *batchID)
	}
	query += " ORDER BY r.batch_id, r.seq, l.rater"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLabels(rows)
}

// GetPendingLabels returns the labels of responses that have at least one
// rater label but no final label yet, grouped by response ID.
func (db *DB) GetPendingLabels(batchID *int64) (map[string][]Label, []string, error) {
	query := `SELECT l.response_id, l.rater, l.category, l.source, l.detail, l.labeled_at
		FROM labels l
		JOIN responses r ON r.id = l.response_id
		LEFT JOIN final_labels f ON f.response_id = l.response_id
		WHERE f.response_id IS NULL`
	var args []any
	if batchID != nil {
		query += " AND r.batch_id = ?"
		args = append(args, *batchID)
	}
	query += " ORDER BY r.batch_id, r.seq, l.rater"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	labels, err := scanLabels(rows)
	if err != nil {
		return nil, nil, err
	}

	grouped := make(map[string][]Label)
	var order []string
	for _, l := range labels {
		if _, ok := grouped[l.ResponseID]; !ok {
			order = append(order, l.ResponseID)
		}
		grouped[l.ResponseID] = append(grouped[l.ResponseID], l)
	}
	return grouped, order, nil
}

// InsertFinalLabel records the analysis label for a response. Final labels
// are immutable: it returns false without error if one already exists.
func (db *DB) InsertFinalLabel(f FinalLabel) (bool, error) {
	if f.RaterCount == 0 {
		f.RaterCount = 1
	}
	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO final_labels (response_id, category, method, rater_count, note)
		VALUES (?, ?, ?, ?, ?)`,
		f.ResponseID, string(f.Category), f.Method, f.RaterCount, f.Note,
	)
	if err != nil {
		return false, fmt.Errorf("inserting final label for %s: %w", f.ResponseID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetFinalLabel returns the final label for a response, or nil.
func (db *DB) GetFinalLabel(responseID string) (*FinalLabel, error) {
	row := db.conn.QueryRow(
		`SELECT response_id, category, method, rater_count, note, finalized_at
		FROM final_labels WHERE response_id = ?`, responseID,
	)
	var f FinalLabel
	var cat string
	if err := row.Scan(&f.ResponseID, &cat, &f.Method, &f.RaterCount, &f.Note, &f.FinalizedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	f.Category = phase.Category(cat)
	return &f, nil
}

// GetFinalCounts tallies final labels, Unclassified included, optionally
// limited to one batch.
func (db *DB) GetFinalCounts(batchID *int64) (phase.Counts, error) {
	query := `SELECT f.category, COUNT(*) FROM final_labels f
		JOIN responses r ON r.id = f.response_id`
	var args []any
	if batchID != nil {
		query += " WHERE r.batch_id = ?"
		args = append(args, *batchID)
	}
	query += " GROUP BY f.category"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := phase.Counts{}
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		counts[phase.Category(cat)] = n
	}
	return counts, rows.Err()
}

// GetFinalCountsByBatch tallies final labels per batch, in batch order.
func (db *DB) GetFinalCountsByBatch() ([]Batch, []phase.Counts, error) {
	batches, err := db.GetAllBatches()
	if err != nil {
		return nil, nil, err
	}
	counts := make([]phase.Counts, len(batches))
	for i := range batches {
		c, err := db.GetFinalCounts(&batches[i].ID)
		if err != nil {
			return nil, nil, fmt.Errorf("counting batch %s: %w", batches[i].Name, err)
		}
		counts[i] = c
	}
	return batches, counts, nil
}

// GetRaters returns the distinct raters, optionally limited to one batch.
func (db *DB) GetRaters(batchID *int64) ([]string, error) {
	query := `SELECT DISTINCT l.rater FROM labels l JOIN responses r ON r.id = l.response_id`
	var args []any
	if batchID != nil {
		query += " WHERE r.batch_id = ?"
		args = append(args, *batchID)
	}
	query += " ORDER BY l.rater"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var raters []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		raters = append(raters, r)
	}
	return raters, rows.Err()
}

func scanLabels(rows *sql.Rows) ([]Label, error) {
	var out []Label
	for rows.Next() {
		var l Label
		var cat string
		if err := rows.Scan(&l.ResponseID, &l.Rater, &cat, &l.Source, &l.Detail, &l.LabeledAt); err != nil {
			return nil, err
		}
		l.Category = phase.Category(cat)
		out = append(out, l)
	}
	return out, rows.Err()
}
