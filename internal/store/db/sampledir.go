package db

import (
	"database/sql"

	"github.com/pkg/errors"
)

// SampleFileDirRow mirrors the sample_file_dir table: the registry of
// on-disk sample directories a database instance knows about, keyed by
// a small integer id referenced from stream and garbage rows.
type SampleFileDirRow struct {
	ID                int64
	Path              string
	LastCompleteOpenID sql.NullInt64
}

// InsertSampleFileDir registers a new sample-file directory, returning
// its assigned id.
func (d *DB) InsertSampleFileDir(path string) (int64, error) {
	res, err := d.sql.Exec(`INSERT INTO sample_file_dir (path) VALUES (?)`, path)
	if err != nil {
		return 0, errors.Wrap(err, "db: insert sample_file_dir")
	}
	return res.LastInsertId()
}

// ListSampleFileDirs returns every registered sample-file directory.
func (d *DB) ListSampleFileDirs() ([]SampleFileDirRow, error) {
	rows, err := d.sql.Query(`SELECT id, path, last_complete_open_id FROM sample_file_dir`)
	if err != nil {
		return nil, errors.Wrap(err, "db: list sample_file_dir")
	}
	defer rows.Close()

	var out []SampleFileDirRow
	for rows.Next() {
		var r SampleFileDirRow
		if err := rows.Scan(&r.ID, &r.Path, &r.LastCompleteOpenID); err != nil {
			return nil, errors.Wrap(err, "db: scan sample_file_dir")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SetLastCompleteOpen records the id of the open row whose shutdown was
// the last one this sample-file directory observed cleanly.
func (d *DB) SetLastCompleteOpen(dirID, openID int64) error {
	_, err := d.sql.Exec(`UPDATE sample_file_dir SET last_complete_open_id = ? WHERE id = ?`, openID, dirID)
	return errors.Wrap(err, "db: set last_complete_open_id")
}
