package db

import (
	"database/sql"

	"github.com/pkg/errors"
)

// VideoSampleEntryRow mirrors the video_sample_entry table: a
// deduplicated copy of the ISO/IEC 14496-12 VisualSampleEntry box
// (avc1/avcC/pasp) shared by every recording that uses the same codec
// parameters, keyed by its sha1 to avoid storing it twice per stream.
type VideoSampleEntryRow struct {
	ID     int64
	Width  int
	Height int
	SHA1   []byte
	Data   []byte
}

// InsertVideoSampleEntry inserts a new entry, or returns the id of the
// existing row with the same sha1 if one is already present.
func (d *DB) InsertVideoSampleEntry(width, height int, sha1, data []byte) (int64, error) {
	var id int64
	err := d.sql.QueryRow(`SELECT id FROM video_sample_entry WHERE sha1 = ?`, sha1).Scan(&id)
	switch err {
	case nil:
		return id, nil
	case sql.ErrNoRows:
		res, err := d.sql.Exec(
			`INSERT INTO video_sample_entry (width, height, sha1, data) VALUES (?, ?, ?, ?)`,
			width, height, sha1, data)
		if err != nil {
			return 0, errors.Wrap(err, "db: insert video_sample_entry")
		}
		return res.LastInsertId()
	default:
		return 0, errors.Wrap(err, "db: lookup video_sample_entry")
	}
}

// GetVideoSampleEntry fetches one entry by id, used by the MP4
// synthesizer to build the moov box's sample description.
func (d *DB) GetVideoSampleEntry(id int64) (VideoSampleEntryRow, error) {
	var r VideoSampleEntryRow
	r.ID = id
	err := d.sql.QueryRow(`SELECT width, height, sha1, data FROM video_sample_entry WHERE id = ?`, id).
		Scan(&r.Width, &r.Height, &r.SHA1, &r.Data)
	return r, errors.Wrap(err, "db: get video_sample_entry")
}
