// Package db implements the SQL metadata store: the stream, recording,
// recording_playback, recording_integrity, garbage, open and
// video_sample_entry tables described in spec.md §3/§6, backed by
// sqlite through database/sql and the mattn/go-sqlite3 driver.
//
// Every mutating method that spans more than one statement takes a
// *sql.Tx so the Flusher can batch a whole round of stream commits into
// one transaction, matching the single-writer-lock discipline the spec
// requires.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DB wraps the sqlite connection. All write access funnels through a
// single *sql.DB with a connection pool capped at 1 writer by the
// driver's own locking; callers (the Flusher) are still responsible for
// serializing transactions application-side since sqlite3 only
// serializes at the file-lock level, not the logical level.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema is current.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=10000")
	if err != nil {
		return nil, errors.Wrap(err, "db: open")
	}
	// The writer lock is logically single-threaded regardless of driver
	// pooling; keep it that way so transactions never interleave.
	conn.SetMaxOpenConns(1)

	d := &DB{sql: conn}
	if err := d.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// Raw exposes the underlying *sql.DB for callers (migrations, fsck)
// that need ad hoc access outside this package's API surface.
func (d *DB) Raw() *sql.DB { return d.sql }

func (d *DB) init() error {
	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "db: begin init tx")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaDDL); err != nil {
		return errors.Wrap(err, "db: apply schema")
	}

	var count int
	if err := tx.QueryRow(`SELECT count(*) FROM meta`).Scan(&count); err != nil {
		return errors.Wrap(err, "db: count meta rows")
	}
	switch count {
	case 0:
		if _, err := tx.Exec(`INSERT INTO meta (schema_version) VALUES (?)`, schemaVersion); err != nil {
			return errors.Wrap(err, "db: stamp schema version")
		}
	case 1:
		var version int
		if err := tx.QueryRow(`SELECT schema_version FROM meta`).Scan(&version); err != nil {
			return errors.Wrap(err, "db: read schema version")
		}
		if version != schemaVersion {
			return fmt.Errorf("db: schema version mismatch: database has %d, binary expects %d", version, schemaVersion)
		}
	default:
		return fmt.Errorf("db: corrupt meta table: %d rows", count)
	}

	return errors.Wrap(tx.Commit(), "db: commit init tx")
}

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error (including a panic, which is re-raised
// after rollback).
func (d *DB) WithTx(fn func(tx *sql.Tx) error) (err error) {
	tx, err := d.sql.Begin()
	if err != nil {
		return errors.Wrap(err, "db: begin")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "db: commit")
}
