package database

import (
	"database/sql"
)

// InsertAnalysisRun stores a report.
func (db *DB) InsertAnalysisRun(r AnalysisRun) error {
	_, err := db.conn.Exec(
		`INSERT INTO analysis_runs (id, scope, n, chi_square, p_value, report_json, report_markdown)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Scope, r.N, r.ChiSquare, r.PValue, r.ReportJSON, r.ReportMarkdown,
	)
	return err
}

// GetAnalysisRun returns a stored report by ID, or nil.
func (db *DB) GetAnalysisRun(id string) (*AnalysisRun, error) {
	row := db.conn.QueryRow(
		`SELECT id, scope, n, chi_square, p_value, report_json, report_markdown, created_at
		FROM analysis_runs WHERE id = ?`, id,
	)
	var r AnalysisRun
	if err := row.Scan(&r.ID, &r.Scope, &r.N, &r.ChiSquare, &r.PValue,
		&r.ReportJSON, &r.ReportMarkdown, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetAllAnalysisRuns returns stored reports, newest first.
func (db *DB) GetAllAnalysisRuns() ([]AnalysisRun, error) {
	rows, err := db.conn.Query(
		`SELECT id, scope, n, chi_square, p_value, report_json, report_markdown, created_at
		FROM analysis_runs ORDER BY created_at DESC, rowid DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []AnalysisRun
	for rows.Next() {
		var r AnalysisRun
		if err := rows.Scan(&r.ID, &r.Scope, &r.N, &r.ChiSquare, &r.PValue,
			&r.ReportJSON, &r.ReportMarkdown, &r.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetStats returns aggregate database statistics.
func (db *DB) GetStats() (*Stats, error) {
	s := &Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM batches", &s.Batches},
		{"SELECT COUNT(*) FROM responses", &s.Responses},
		{"SELECT COUNT(*) FROM labels", &s.Labels},
		{"SELECT COUNT(DISTINCT rater) FROM labels", &s.Raters},
		{"SELECT COUNT(*) FROM final_labels", &s.FinalLabels},
		{"SELECT COUNT(*) FROM final_labels WHERE category = 'unclassified'", &s.Unclassified},
		{"SELECT COUNT(*) FROM exclusions", &s.Exclusions},
		{"SELECT COUNT(*) FROM analysis_runs", &s.AnalysisRuns},
		{`SELECT COUNT(DISTINCT l.response_id) FROM labels l
			LEFT JOIN final_labels f ON f.response_id = l.response_id
			WHERE f.response_id IS NULL`, &s.PendingReconcile},
	}

	for _, q := range queries {
		if err := db.conn.QueryRow(q.sql).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	return s, nil
}
