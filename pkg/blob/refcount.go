package blob

import (
	"database/sql"
	"time"
)

// refCounter tracks how many stored versions reference each digest. Both
// backends share it so a digest referenced by several versions survives
// until its last referent is deleted.
type refCounter struct {
	db *sql.DB
}

func newRefCounter(db *sql.DB) (*refCounter, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS blobs (
		digest TEXT PRIMARY KEY,
		ref_count INTEGER DEFAULT 1,
		size INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_accessed DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_blobs_ref_count ON blobs(ref_count);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &refCounter{db: db}, nil
}

// addOrIncrement records a reference to the digest. Returns true when this
// was the first reference.
func (rc *refCounter) addOrIncrement(digest string, size int64) (bool, error) {
	tx, err := rc.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		"INSERT OR IGNORE INTO blobs (digest, ref_count, size) VALUES (?, 1, ?)",
		digest, size,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := tx.Exec(
			"UPDATE blobs SET ref_count = ref_count + 1, last_accessed = ? WHERE digest = ?",
			time.Now(), digest,
		); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}
	return true, tx.Commit()
}

// decrement releases one reference and returns the remaining count. A digest
// with no row counts as zero.
func (rc *refCounter) decrement(digest string) (int, error) {
	tx, err := rc.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"UPDATE blobs SET ref_count = ref_count - 1 WHERE digest = ?", digest,
	); err != nil {
		return 0, err
	}

	var count int
	err = tx.QueryRow("SELECT ref_count FROM blobs WHERE digest = ?", digest).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, tx.Commit()
	}
	if err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (rc *refCounter) remove(digest string) error {
	_, err := rc.db.Exec("DELETE FROM blobs WHERE digest = ?", digest)
	return err
}
