package database

// InsertExclusion records a response that was left out of counting.
func (db *DB) InsertExclusion(batchID *int64, ref, stage, reason string) error {
	_, err := db.conn.Exec(
		`INSERT INTO exclusions (batch_id, ref, stage, reason) VALUES (?, ?, ?, ?)`,
		batchID, ref, stage, reason,
	)
	return err
}

// GetExclusionSummary counts exclusions by stage and reason, optionally
// limited to one batch.
func (db *DB) GetExclusionSummary(batchID *int64) ([]ExclusionCount, error) {
	query := `SELECT stage, reason, COUNT(*) FROM exclusions`
	var args []any
	if batchID != nil {
		query += " WHERE batch_id = ?"
		args = append(args, *batchID)
	}
	query += " GROUP BY stage, reason ORDER BY stage, COUNT(*) DESC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExclusionCount
	for rows.Next() {
		var e ExclusionCount
		if err := rows.Scan(&e.Stage, &e.Reason, &e.Count); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountUnfinalized counts responses that have neither a final label nor
// a classify-stage exclusion, optionally limited to one batch. These are
// responses whose classification failed or that still await
// reconciliation.
func (db *DB) CountUnfinalized(batchID *int64) (int, error) {
	query := `SELECT COUNT(*) FROM responses r
		LEFT JOIN final_labels f ON f.response_id = r.id
		WHERE f.response_id IS NULL
		AND NOT EXISTS (SELECT 1 FROM exclusions e WHERE e.ref = r.id AND e.stage = ?)`
	args := []any{StageClassify}
	if batchID != nil {
		query += " AND r.batch_id = ?"
		args = append(args, *batchID)
	}
	var n int
	err := db.conn.QueryRow(query, args...).Scan(&n)
	return n, err
}
