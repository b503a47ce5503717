package database

import (
	"database/sql"
	"fmt"
)

// GetOrCreateBatch returns the batch with the given name, creating it when
// missing. created reports whether a new row was inserted.
func (db *DB) GetOrCreateBatch(name string, collectedOn, source *string) (b *Batch, created bool, err error) {
	existing, err := db.GetBatchByName(name)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	if _, err := db.conn.Exec(
		`INSERT INTO batches (name, collected_on, source) VALUES (?, ?, ?)`,
		name, collectedOn, source,
	); err != nil {
		return nil, false, fmt.Errorf("inserting batch %q: %w", name, err)
	}

	b, err = db.GetBatchByName(name)
	return b, true, err
}

// GetBatchByName returns a batch by name, or nil if it does not exist.
func (db *DB) GetBatchByName(name string) (*Batch, error) {
	row := db.conn.QueryRow(
		`SELECT b.id, b.name, b.collected_on, b.source, b.created_at,
			(SELECT COUNT(*) FROM responses r WHERE r.batch_id = b.id)
		FROM batches b WHERE b.name = ?`, name,
	)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetAllBatches returns all batches in creation order.
func (db *DB) GetAllBatches() ([]Batch, error) {
	rows, err := db.conn.Query(
		`SELECT b.id, b.name, b.collected_on, b.source, b.created_at,
			(SELECT COUNT(*) FROM responses r WHERE r.batch_id = b.id)
		FROM batches b ORDER BY b.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []Batch
	for rows.Next() {
		var b Batch
		if err := rows.Scan(&b.ID, &b.Name, &b.CollectedOn, &b.Source, &b.CreatedAt, &b.ResponseCount); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

func scanBatch(row *sql.Row) (*Batch, error) {
	var b Batch
	if err := row.Scan(&b.ID, &b.Name, &b.CollectedOn, &b.Source, &b.CreatedAt, &b.ResponseCount); err != nil {
		return nil, err
	}
	return &b, nil
}
