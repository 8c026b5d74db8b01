package db

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/quietstream/nvr/internal/model"
)

// MarkGarbage records that a sample file is slated for deletion, in the
// same transaction that deletes its recording row. The row survives
// until the unlink actually succeeds on disk, so a crash between commit
// and unlink is recoverable: startup finds the garbage row and retries
// the unlink.
func (d *DB) MarkGarbage(tx *sql.Tx, sampleFileDirID int32, id model.CompositeID) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO garbage (sample_file_dir_id, composite_id) VALUES (?, ?)`,
		sampleFileDirID, int64(id))
	return errors.Wrapf(err, "db: mark garbage %s", id)
}

// ListGarbage returns every pending garbage row for one sample-file
// directory, used by startup recovery and nvrd fsck to drive unlinks.
func (d *DB) ListGarbage(sampleFileDirID int32) ([]model.GarbageRow, error) {
	rows, err := d.sql.Query(`SELECT sample_file_dir_id, composite_id FROM garbage WHERE sample_file_dir_id = ?`, sampleFileDirID)
	if err != nil {
		return nil, errors.Wrap(err, "db: list garbage")
	}
	defer rows.Close()

	var out []model.GarbageRow
	for rows.Next() {
		var g model.GarbageRow
		var id int64
		if err := rows.Scan(&g.SampleFileDirID, &id); err != nil {
			return nil, errors.Wrap(err, "db: scan garbage")
		}
		g.ID = model.CompositeID(id)
		out = append(out, g)
	}
	return out, rows.Err()
}

// UnmarkGarbage removes a garbage row once its file has actually been
// unlinked from disk and the directory fsynced.
func (d *DB) UnmarkGarbage(sampleFileDirID int32, id model.CompositeID) error {
	_, err := d.sql.Exec(`DELETE FROM garbage WHERE sample_file_dir_id = ? AND composite_id = ?`,
		sampleFileDirID, int64(id))
	return errors.Wrapf(err, "db: unmark garbage %s", id)
}
