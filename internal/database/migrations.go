package database

import "database/sql"

// Migration is a single schema step.
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations must stay ordered by Version. Append only.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS batches (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT UNIQUE NOT NULL,
    collected_on TEXT,
    source TEXT,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS responses (
    id TEXT PRIMARY KEY,
    batch_id INTEGER NOT NULL REFERENCES batches(id),
    seq INTEGER NOT NULL,
    text TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS labels (
    response_id TEXT NOT NULL REFERENCES responses(id),
    rater TEXT NOT NULL,
    category TEXT NOT NULL CHECK(category IN
        ('transformation', 'generation', 'consumption', 'integration', 'unclassified')),
    source TEXT NOT NULL,
    detail TEXT,
    labeled_at TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (response_id, rater)
);

CREATE TABLE IF NOT EXISTS final_labels (
    response_id TEXT PRIMARY KEY REFERENCES responses(id),
    category TEXT NOT NULL CHECK(category IN
        ('transformation', 'generation', 'consumption', 'integration', 'unclassified')),
    method TEXT NOT NULL,
    rater_count INTEGER DEFAULT 1,
    note TEXT,
    finalized_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS exclusions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    batch_id INTEGER REFERENCES batches(id),
    ref TEXT,
    stage TEXT NOT NULL,
    reason TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS analysis_runs (
    id TEXT PRIMARY KEY,
    scope TEXT NOT NULL,
    n INTEGER DEFAULT 0,
    chi_square REAL,
    p_value REAL,
    report_json TEXT NOT NULL,
    report_markdown TEXT NOT NULL,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_responses_batch ON responses(batch_id, seq);
CREATE INDEX IF NOT EXISTS idx_labels_rater ON labels(rater);
CREATE INDEX IF NOT EXISTS idx_exclusions_batch ON exclusions(batch_id);
CREATE INDEX IF NOT EXISTS idx_analysis_runs_created ON analysis_runs(created_at);
`)
			return err
		},
	},
}

// latestVersion returns the highest migration version number.
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}
