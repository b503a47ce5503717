package database

import (
	"database/sql"
)

// InsertResponse stores a response. It returns false without error when a
// response with the same ID already exists.
func (db *DB) InsertResponse(id string, batchID int64, seq int, text string) (bool, error) {
	result, err := db.conn.Exec(
		`INSERT OR IGNORE INTO responses (id, batch_id, seq, text) VALUES (?, ?, ?, ?)`,
		id, batchID, seq, text,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetResponse returns a single response by ID, or nil if missing.
func (db *DB) GetResponse(id string) (*Response, error) {
	row := db.conn.QueryRow(
		`SELECT id, batch_id, seq, text, created_at FROM responses WHERE id = ?`, id,
	)
	var r Response
	if err := row.Scan(&r.ID, &r.BatchID, &r.Seq, &r.Text, &r.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// GetResponses returns responses in collection order, optionally limited
// to one batch.
func (db *DB) GetResponses(batchID *int64) ([]Response, error) {
	query := `SELECT id, batch_id, seq, text, created_at FROM responses`
	var args []any
	if batchID != nil {
		query += " WHERE batch_id = ?"
		args = append(args, *batchID)
	}
	query += " ORDER BY batch_id, seq"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResponses(rows)
}

// GetUnlabeledResponses returns responses the given rater has not labeled.
func (db *DB) GetUnlabeledResponses(rater string, batchID *int64) ([]Response, error) {
	query := `SELECT r.id, r.batch_id, r.seq, r.text, r.created_at
		FROM responses r LEFT JOIN labels l ON l.response_id = r.id AND l.rater = ?
		WHERE l.response_id IS NULL`
	args := []any{rater}
	if batchID != nil {
		query += " AND r.batch_id = ?"
		args = append(args, *batchID)
	}
	query += " ORDER BY r.batch_id, r.seq"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanResponses(rows)
}

// NextSeq returns the sequence number for the next response in a batch.
func (db *DB) NextSeq(batchID int64) (int, error) {
	var seq int
	err := db.conn.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM responses WHERE batch_id = ?`, batchID,
	).Scan(&seq)
	return seq, err
}

func scanResponses(rows *sql.Rows) ([]Response, error) {
	var out []Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Seq, &r.Text, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
