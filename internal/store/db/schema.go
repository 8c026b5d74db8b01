package db

// schemaVersion is bumped whenever the DDL below changes incompatibly.
// Opening a database stamped with a different version is a fatal error
// per spec.md §7 ("schema version mismatch: fatal, refuse to open").
const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS meta (
	schema_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sample_file_dir (
	id                    INTEGER PRIMARY KEY,
	path                  TEXT NOT NULL,
	last_complete_open_id INTEGER
);

CREATE TABLE IF NOT EXISTS open (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid         BLOB NOT NULL,
	end_time_90k INTEGER
);

CREATE TABLE IF NOT EXISTS stream (
	id                     INTEGER PRIMARY KEY,
	sample_file_dir_id     INTEGER NOT NULL REFERENCES sample_file_dir (id),
	cum_recordings         INTEGER NOT NULL DEFAULT 0,
	cum_media_duration_90k INTEGER NOT NULL DEFAULT 0,
	cum_runs               INTEGER NOT NULL DEFAULT 0,
	retain_bytes           INTEGER NOT NULL DEFAULT 0,
	flush_if_sec           INTEGER NOT NULL DEFAULT 5
);

CREATE TABLE IF NOT EXISTS video_sample_entry (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	width  INTEGER NOT NULL,
	height INTEGER NOT NULL,
	sha1   BLOB NOT NULL UNIQUE,
	data   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS recording (
	composite_id              INTEGER PRIMARY KEY,
	stream_id                 INTEGER NOT NULL REFERENCES stream (id),
	open_id                   INTEGER NOT NULL REFERENCES open (id),
	run_offset                INTEGER NOT NULL,
	flags                     INTEGER NOT NULL DEFAULT 0,
	sample_file_bytes         INTEGER NOT NULL,
	video_samples             INTEGER NOT NULL,
	video_sync_samples        INTEGER NOT NULL,
	start_time_90k            INTEGER NOT NULL,
	wall_duration_90k         INTEGER NOT NULL,
	media_duration_delta_90k INTEGER NOT NULL,
	prev_media_duration_90k   INTEGER NOT NULL,
	prev_runs                 INTEGER NOT NULL,
	video_sample_entry_id     INTEGER NOT NULL REFERENCES video_sample_entry (id)
);

-- Covers stream+time range scans without touching the heap: exactly the
-- "recording_cover" index the in-memory index's startup scan relies on.
CREATE INDEX IF NOT EXISTS recording_cover
	ON recording (stream_id, start_time_90k, composite_id, wall_duration_90k,
	              sample_file_bytes, video_samples, video_sync_samples, flags,
	              open_id, video_sample_entry_id, media_duration_delta_90k,
	              run_offset, prev_media_duration_90k, prev_runs);

CREATE TABLE IF NOT EXISTS recording_playback (
	composite_id INTEGER PRIMARY KEY REFERENCES recording (composite_id),
	video_index  BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS recording_integrity (
	composite_id              INTEGER PRIMARY KEY REFERENCES recording (composite_id),
	sample_file_blake3        BLOB,
	local_time_since_open_90k INTEGER,
	wall_time_delta_90k       INTEGER
);

CREATE TABLE IF NOT EXISTS garbage (
	sample_file_dir_id INTEGER NOT NULL,
	composite_id       INTEGER NOT NULL,
	PRIMARY KEY (sample_file_dir_id, composite_id)
);
`
