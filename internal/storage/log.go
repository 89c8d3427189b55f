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

import (
	"github.com/pkg/errors"

	"hkpstore/internal/timeid"
)

// AppendLog inserts a log entry and returns its assigned id. The log is
// append-only: no update or delete method exists for it, and its
// store/binding/key references carry no foreign key, so deleting the
// object an entry references leaves the entry in place.
func (db *DB) AppendLog(e LogEntry) (timeid.ID, error) {
	res, err := db.sqlDB.Exec(
		`INSERT INTO log (timestamp, level, store, binding, key, slug, message, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, string(e.Level), e.Store, e.Binding, e.Key, e.Slug, e.Message, e.Error)
	if err != nil {
		return timeid.NullID, errors.Wrap(err, "storage: append log entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return timeid.NullID, errors.Wrap(err, "storage: last insert id for log entry")
	}
	return timeid.ID(id), nil
}

// IterLog returns up to limit log entries matching selector with id
// strictly greater than after, ordered by id ascending.
func (db *DB) IterLog(selector Selector, after timeid.ID, limit int) ([]LogEntry, error) {
	query := `SELECT id, timestamp, level, store, binding, key, slug, message, error FROM log WHERE id > ?`
	args := []interface{}{after}

	if !selector.isAll() {
		switch {
		case selector.Store != nil:
			query += ` AND store = ?`
			args = append(args, *selector.Store)
		case selector.Binding != nil:
			query += ` AND binding = ?`
			args = append(args, *selector.Binding)
		case selector.Key != nil:
			query += ` AND key = ?`
			args = append(args, *selector.Key)
		}
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.sqlDB.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: iter log")
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.Timestamp, &level, &e.Store, &e.Binding, &e.Key, &e.Slug, &e.Message, &e.Error); err != nil {
			return nil, errors.Wrap(err, "storage: scan log entry")
		}
		e.Level = Level(level)
		out = append(out, e)
	}
	return out, rows.Err()
}
