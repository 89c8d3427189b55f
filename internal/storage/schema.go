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

package storage

// schemaVersion is the only schema version this package knows how to
// read or write. A version table holding anything higher aborts with
// an "unimplemented migration" error rather than guess at an upgrade
// path.
const schemaVersion = 1

// createTableSQL holds the schema version 1 DDL, one statement per
// table, applied in dependency order (keys before bindings and
// key_by_keyid, which reference it).
var createTableSQL = []string{
	`CREATE TABLE IF NOT EXISTS keys (
		id INTEGER PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		key BLOB,
		created INTEGER NOT NULL,
		updated INTEGER,
		update_at INTEGER NOT NULL,
		encryption_count INTEGER NOT NULL DEFAULT 0,
		encryption_first INTEGER,
		encryption_last INTEGER,
		verification_count INTEGER NOT NULL DEFAULT 0,
		verification_first INTEGER,
		verification_last INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS stores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		realm TEXT NOT NULL,
		network_policy INTEGER NOT NULL,
		name TEXT NOT NULL,
		UNIQUE(realm, name)
	)`,
	`CREATE TABLE IF NOT EXISTS bindings (
		id INTEGER PRIMARY KEY,
		store INTEGER NOT NULL REFERENCES stores(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		key INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
		created INTEGER NOT NULL,
		updated INTEGER,
		encryption_count INTEGER NOT NULL DEFAULT 0,
		encryption_first INTEGER,
		encryption_last INTEGER,
		verification_count INTEGER NOT NULL DEFAULT 0,
		verification_first INTEGER,
		verification_last INTEGER,
		UNIQUE(store, label)
	)`,
	`CREATE TABLE IF NOT EXISTS key_by_keyid (
		id INTEGER PRIMARY KEY,
		keyid INTEGER NOT NULL,
		key INTEGER NOT NULL REFERENCES keys(id) ON DELETE CASCADE,
		UNIQUE(keyid, key)
	)`,
	`CREATE TABLE IF NOT EXISTS log (
		id INTEGER PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		level TEXT NOT NULL,
		store INTEGER,
		binding INTEGER,
		key INTEGER,
		slug TEXT NOT NULL,
		message TEXT NOT NULL,
		error TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS version (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS key_by_keyid_keyid_idx ON key_by_keyid(keyid)`,
	`CREATE INDEX IF NOT EXISTS bindings_key_idx ON bindings(key)`,
	`CREATE INDEX IF NOT EXISTS log_store_idx ON log(store)`,
	`CREATE INDEX IF NOT EXISTS log_binding_idx ON log(binding)`,
	`CREATE INDEX IF NOT EXISTS log_key_idx ON log(key)`,
	`CREATE INDEX IF NOT EXISTS keys_update_at_idx ON keys(update_at)`,
}
