/*
   hkpstore - OpenPGP key store and refresh engine
   Copyright (C) 2024  hkpstore contributors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package storage is the SQL-backed persistence layer: a single local
// database file holding stores, bindings, keys, the subkey index, and
// the append-only log. Every write is a single-statement commit;
// UNIQUE-constraint conflicts are treated as races, not errors: the
// caller re-reads and compares.
package storage

import (
	"database/sql"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// DB owns the single connection to the local database file.
type DB struct {
	sqlDB *sql.DB
	log   *logrus.Entry
}

// Open opens (creating if necessary) the database file at path,
// applies the "secure delete on" and "foreign keys on" pragmas, and
// applies or validates the schema version.
func Open(path string, log *logrus.Entry) (*DB, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open database")
	}
	// The engine's own single-threaded request loop serializes access;
	// one connection avoids SQLite's writer lock contention surfacing
	// as spurious busy errors.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{sqlDB: sqlDB, log: log}
	if err := db.pragma("PRAGMA secure_delete = ON"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.pragma("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.sqlDB.Close()
}

func (db *DB) pragma(stmt string) error {
	if _, err := db.sqlDB.Exec(stmt); err != nil {
		return errors.Wrapf(err, "storage: %s", stmt)
	}
	return nil
}

// migrate applies schema version 1 if the version table is missing or
// empty, and otherwise checks the persisted version. Anything higher
// than 1 means a future schema this binary does not understand, and
// aborts rather than guess at a migration; lower values are accepted
// as they are.
func (db *DB) migrate() error {
	var count int
	row := db.sqlDB.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='version'`)
	if err := row.Scan(&count); err != nil {
		return errors.Wrap(err, "storage: probe version table")
	}
	if count == 0 {
		return db.createSchema()
	}

	var version int
	err := db.sqlDB.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return db.createSchema()
	}
	if err != nil {
		return errors.Wrap(err, "storage: read schema version")
	}
	if version > schemaVersion {
		return errors.Errorf("storage: unimplemented migration from schema version %d", version)
	}
	return nil
}

func (db *DB) createSchema() error {
	tx, err := db.sqlDB.Begin()
	if err != nil {
		return errors.Wrap(err, "storage: begin schema creation")
	}
	defer tx.Rollback()

	for _, stmt := range createTableSQL {
		if _, err := tx.Exec(stmt); err != nil {
			return errors.Wrapf(err, "storage: apply schema statement %q", firstLine(stmt))
		}
	}
	if _, err := tx.Exec(`INSERT INTO version (version) VALUES (?)`, schemaVersion); err != nil {
		return errors.Wrap(err, "storage: record schema version")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "storage: commit schema creation")
	}
	db.log.WithField("version", schemaVersion).Info("initialized database schema")
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint
// failure, which callers treat as a race (re-read and compare) rather
// than a hard error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}
