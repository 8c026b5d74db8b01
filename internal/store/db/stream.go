package db

import (
	"database/sql"

	"github.com/pkg/errors"
)

// StreamRow mirrors the stream table: per-camera retention policy and
// the cumulative counters every new recording's sequence and
// prev_media_duration_90k/prev_runs are derived from.
type StreamRow struct {
	ID                  int64
	SampleFileDirID     int64
	CumRecordings       int64
	CumMediaDuration90k int64
	CumRuns             int64
	RetainBytes         int64
	FlushIfSec          int64
}

// InsertStream registers a new stream with the given retention policy.
func (d *DB) InsertStream(id, sampleFileDirID, retainBytes, flushIfSec int64) error {
	_, err := d.sql.Exec(
		`INSERT INTO stream (id, sample_file_dir_id, retain_bytes, flush_if_sec) VALUES (?, ?, ?, ?)`,
		id, sampleFileDirID, retainBytes, flushIfSec)
	return errors.Wrap(err, "db: insert stream")
}

// GetStream returns the current row for one stream.
func (d *DB) GetStream(id int64) (StreamRow, error) {
	var r StreamRow
	err := d.sql.QueryRow(`
		SELECT id, sample_file_dir_id, cum_recordings, cum_media_duration_90k, cum_runs, retain_bytes, flush_if_sec
		FROM stream WHERE id = ?`, id).Scan(
		&r.ID, &r.SampleFileDirID, &r.CumRecordings, &r.CumMediaDuration90k, &r.CumRuns, &r.RetainBytes, &r.FlushIfSec)
	return r, errors.Wrap(err, "db: get stream")
}

// ListStreams returns every configured stream.
func (d *DB) ListStreams() ([]StreamRow, error) {
	rows, err := d.sql.Query(`
		SELECT id, sample_file_dir_id, cum_recordings, cum_media_duration_90k, cum_runs, retain_bytes, flush_if_sec
		FROM stream`)
	if err != nil {
		return nil, errors.Wrap(err, "db: list streams")
	}
	defer rows.Close()

	var out []StreamRow
	for rows.Next() {
		var r StreamRow
		if err := rows.Scan(&r.ID, &r.SampleFileDirID, &r.CumRecordings, &r.CumMediaDuration90k, &r.CumRuns, &r.RetainBytes, &r.FlushIfSec); err != nil {
			return nil, errors.Wrap(err, "db: scan stream")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AdvanceStreamCounters bumps the cumulative counters after committing
// a batch of recordings for this stream, within the same transaction
// that inserted them. runsDelta is normally 0 or 1 (a new run starts
// when the writer reopens after a gap).
func (d *DB) AdvanceStreamCounters(tx *sql.Tx, streamID int64, recordingsDelta, mediaDurationDelta90k, runsDelta int64) error {
	_, err := tx.Exec(`
		UPDATE stream
		SET cum_recordings = cum_recordings + ?,
		    cum_media_duration_90k = cum_media_duration_90k + ?,
		    cum_runs = cum_runs + ?
		WHERE id = ?`, recordingsDelta, mediaDurationDelta90k, runsDelta, streamID)
	return errors.Wrap(err, "db: advance stream counters")
}

// UpdateRetention changes a stream's retention policy in place (CLI
// reconfiguration), leaving historical recordings untouched.
func (d *DB) UpdateRetention(id, retainBytes, flushIfSec int64) error {
	_, err := d.sql.Exec(`UPDATE stream SET retain_bytes = ?, flush_if_sec = ? WHERE id = ?`, retainBytes, flushIfSec, id)
	return errors.Wrap(err, "db: update retention")
}
