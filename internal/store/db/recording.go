package db

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/quietstream/nvr/internal/model"
)

// InsertRecording inserts one recording row plus its mandatory playback
// sibling and optional integrity sibling, in the caller's transaction.
// The Flusher calls this once per recording in a batch spanning
// multiple streams, all under one transaction.
func (d *DB) InsertRecording(tx *sql.Tx, rec model.Recording, videoIndex []byte, integrity *model.RecordingIntegrity) error {
	_, err := tx.Exec(`
		INSERT INTO recording (
			composite_id, stream_id, open_id, run_offset, flags,
			sample_file_bytes, video_samples, video_sync_samples,
			start_time_90k, wall_duration_90k, media_duration_delta_90k,
			prev_media_duration_90k, prev_runs, video_sample_entry_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(rec.ID), int64(rec.ID.StreamID()), rec.OpenID, rec.RunOffset, rec.Flags,
		rec.SampleFileBytes, rec.VideoSamples, rec.VideoSyncSamples,
		rec.StartTime90k, rec.WallDuration90k, rec.MediaDurationDelta90k,
		rec.PrevMediaDuration90k, rec.PrevRuns, rec.VideoSampleEntryID)
	if err != nil {
		return errors.Wrapf(err, "db: insert recording %s", rec.ID)
	}

	if _, err := tx.Exec(`INSERT INTO recording_playback (composite_id, video_index) VALUES (?, ?)`,
		int64(rec.ID), videoIndex); err != nil {
		return errors.Wrapf(err, "db: insert recording_playback %s", rec.ID)
	}

	if integrity != nil {
		if _, err := tx.Exec(`
			INSERT INTO recording_integrity (composite_id, sample_file_blake3, local_time_since_open_90k, wall_time_delta_90k)
			VALUES (?, ?, ?, ?)`,
			int64(rec.ID), integrity.SampleFileBLAKE3, integrity.LocalTimeSinceOpen90k, integrity.WallTimeDelta90k); err != nil {
			return errors.Wrapf(err, "db: insert recording_integrity %s", rec.ID)
		}
	}
	return nil
}

// ListRecordings returns every recording for a stream with start time
// in [startTime90k, endTime90k), ordered by start time, used to seed
// the in-memory index (engine startup, nvrd gc).
func (d *DB) ListRecordings(streamID int32, startTime90k, endTime90k model.Clock90k) ([]model.Recording, error) {
	rows, err := d.sql.Query(`
		SELECT composite_id, open_id, run_offset, flags, sample_file_bytes,
		       video_samples, video_sync_samples, start_time_90k, wall_duration_90k,
		       media_duration_delta_90k, prev_media_duration_90k, prev_runs, video_sample_entry_id
		FROM recording
		WHERE stream_id = ? AND start_time_90k >= ? AND start_time_90k < ?
		ORDER BY start_time_90k`, streamID, startTime90k, endTime90k)
	if err != nil {
		return nil, errors.Wrap(err, "db: list recordings")
	}
	defer rows.Close()

	var out []model.Recording
	for rows.Next() {
		var r model.Recording
		var id int64
		if err := rows.Scan(&id, &r.OpenID, &r.RunOffset, &r.Flags, &r.SampleFileBytes,
			&r.VideoSamples, &r.VideoSyncSamples, &r.StartTime90k, &r.WallDuration90k,
			&r.MediaDurationDelta90k, &r.PrevMediaDuration90k, &r.PrevRuns, &r.VideoSampleEntryID); err != nil {
			return nil, errors.Wrap(err, "db: scan recording")
		}
		r.ID = model.CompositeID(id)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRecording fetches a single recording row by composite id.
func (d *DB) GetRecording(id model.CompositeID) (model.Recording, error) {
	var r model.Recording
	r.ID = id
	err := d.sql.QueryRow(`
		SELECT open_id, run_offset, flags, sample_file_bytes, video_samples,
		       video_sync_samples, start_time_90k, wall_duration_90k,
		       media_duration_delta_90k, prev_media_duration_90k, prev_runs, video_sample_entry_id
		FROM recording WHERE composite_id = ?`, int64(id)).Scan(
		&r.OpenID, &r.RunOffset, &r.Flags, &r.SampleFileBytes, &r.VideoSamples,
		&r.VideoSyncSamples, &r.StartTime90k, &r.WallDuration90k,
		&r.MediaDurationDelta90k, &r.PrevMediaDuration90k, &r.PrevRuns, &r.VideoSampleEntryID)
	return r, errors.Wrapf(err, "db: get recording %s", id)
}

// GetVideoIndex fetches the recording_playback blob for a recording.
func (d *DB) GetVideoIndex(id model.CompositeID) ([]byte, error) {
	var blob []byte
	err := d.sql.QueryRow(`SELECT video_index FROM recording_playback WHERE composite_id = ?`, int64(id)).Scan(&blob)
	return blob, errors.Wrapf(err, "db: get video_index %s", id)
}

// GetIntegrity fetches the optional recording_integrity row, returning
// (nil, nil) if no such row exists yet.
func (d *DB) GetIntegrity(id model.CompositeID) (*model.RecordingIntegrity, error) {
	var ri model.RecordingIntegrity
	ri.ID = id
	err := d.sql.QueryRow(`
		SELECT sample_file_blake3, local_time_since_open_90k, wall_time_delta_90k
		FROM recording_integrity WHERE composite_id = ?`, int64(id)).
		Scan(&ri.SampleFileBLAKE3, &ri.LocalTimeSinceOpen90k, &ri.WallTimeDelta90k)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "db: get recording_integrity %s", id)
	}
	return &ri, nil
}

// SetIntegrityChecksum records (or updates) the blake3 digest for a
// recording. The Writer's digest reaches the database through
// InsertRecording instead, and the re-verification sweep only reads it.
func (d *DB) SetIntegrityChecksum(tx *sql.Tx, id model.CompositeID, sum []byte) error {
	res, err := tx.Exec(`UPDATE recording_integrity SET sample_file_blake3 = ? WHERE composite_id = ?`, sum, int64(id))
	if err != nil {
		return errors.Wrapf(err, "db: update recording_integrity %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err := tx.Exec(`INSERT INTO recording_integrity (composite_id, sample_file_blake3) VALUES (?, ?)`, int64(id), sum)
		return errors.Wrapf(err, "db: insert recording_integrity %s", id)
	}
	return nil
}

// DeleteRecording removes a recording and its siblings within tx, used
// by the Flusher when committing a Retention decision. The caller is
// responsible for having already inserted the corresponding garbage
// row in the same transaction, per the unlink-after-commit ordering
// invariant.
func (d *DB) DeleteRecording(tx *sql.Tx, id model.CompositeID) error {
	if _, err := tx.Exec(`DELETE FROM recording_integrity WHERE composite_id = ?`, int64(id)); err != nil {
		return errors.Wrapf(err, "db: delete recording_integrity %s", id)
	}
	if _, err := tx.Exec(`DELETE FROM recording_playback WHERE composite_id = ?`, int64(id)); err != nil {
		return errors.Wrapf(err, "db: delete recording_playback %s", id)
	}
	if _, err := tx.Exec(`DELETE FROM recording WHERE composite_id = ?`, int64(id)); err != nil {
		return errors.Wrapf(err, "db: delete recording %s", id)
	}
	return nil
}
