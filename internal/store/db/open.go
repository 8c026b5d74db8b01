package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// OpenRow mirrors the open table. A row with a NULL EndTime90k marks an
// open that was never cleanly closed. Startup recovery does not read
// it: engine.Open reconciles every sample file on each start.
type OpenRow struct {
	ID          int64
	UUID        uuid.UUID
	EndTime90k  sql.NullInt64
}

// InsertOpen starts a new open record (NULL end time) and returns its
// id, to be used as recording.open_id for every recording written
// during this process lifetime.
func (d *DB) InsertOpen(tx *sql.Tx, id uuid.UUID) (int64, error) {
	res, err := tx.Exec(`INSERT INTO open (uuid, end_time_90k) VALUES (?, NULL)`, id[:])
	if err != nil {
		return 0, errors.Wrap(err, "db: insert open")
	}
	return res.LastInsertId()
}

// CloseOpen stamps the end time of a clean shutdown.
func (d *DB) CloseOpen(tx *sql.Tx, openID int64, endTime90k int64) error {
	_, err := tx.Exec(`UPDATE open SET end_time_90k = ? WHERE id = ?`, endTime90k, openID)
	return errors.Wrap(err, "db: close open")
}

// ListOpens returns every open row in id order.
func (d *DB) ListOpens() ([]OpenRow, error) {
	rows, err := d.sql.Query(`SELECT id, uuid, end_time_90k FROM open ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "db: list open")
	}
	defer rows.Close()

	var out []OpenRow
	for rows.Next() {
		var r OpenRow
		var rawUUID []byte
		if err := rows.Scan(&r.ID, &rawUUID, &r.EndTime90k); err != nil {
			return nil, errors.Wrap(err, "db: scan open")
		}
		id, err := uuid.FromBytes(rawUUID)
		if err != nil {
			return nil, errors.Wrap(err, "db: parse open uuid")
		}
		r.UUID = id
		out = append(out, r)
	}
	return out, rows.Err()
}
