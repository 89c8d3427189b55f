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
	"database/sql"

	"github.com/pkg/errors"

	"hkpstore/internal/timeid"
)

const bindingColumns = `id, store, label, key, created, updated,
	encryption_count, encryption_first, encryption_last,
	verification_count, verification_first, verification_last`

func scanBinding(row interface {
	Scan(...interface{}) error
}) (Binding, error) {
	var b Binding
	err := row.Scan(&b.ID, &b.Store, &b.Label, &b.Key, &b.Created, &b.Updated,
		&b.EncCount, &b.EncFirst, &b.EncLast, &b.VerCount, &b.VerFirst, &b.VerLast)
	if err == sql.ErrNoRows {
		return Binding{}, ErrNotFound
	}
	return b, err
}

// CreateBinding inserts a (store, label) -> key binding. If the pair
// already exists the UNIQUE(store, label) conflict is re-read and
// returned instead of erroring; the caller (internal/store) compares
// the existing binding's key against the one it intended and raises
// Conflict itself when they differ.
func (db *DB) CreateBinding(store timeid.ID, label string, key timeid.ID) (Binding, error) {
	now := timeid.Now()
	res, err := db.sqlDB.Exec(
		`INSERT INTO bindings (store, label, key, created) VALUES (?, ?, ?, ?)`,
		store, label, key, now)
	if err == nil {
		id, err := res.LastInsertId()
		if err != nil {
			return Binding{}, errors.Wrap(err, "storage: last insert id for binding")
		}
		return Binding{ID: timeid.ID(id), Store: store, Label: label, Key: key, Stats: Stats{Created: now}}, nil
	}
	if !isUniqueViolation(err) {
		return Binding{}, errors.Wrap(err, "storage: insert binding")
	}
	return db.GetBindingByLabel(store, label)
}

// GetBindingByLabel returns the binding for (store, label), or ErrNotFound.
func (db *DB) GetBindingByLabel(store timeid.ID, label string) (Binding, error) {
	b, err := scanBinding(db.sqlDB.QueryRow(
		`SELECT `+bindingColumns+` FROM bindings WHERE store = ? AND label = ?`, store, label))
	if err != nil && err != ErrNotFound {
		return Binding{}, errors.Wrap(err, "storage: query binding by label")
	}
	return b, err
}

// GetBindingByKey returns the binding in store that points at key, or
// ErrNotFound. Labels are unique per store but a key may be bound more
// than once; the lowest binding id wins.
func (db *DB) GetBindingByKey(store, key timeid.ID) (Binding, error) {
	b, err := scanBinding(db.sqlDB.QueryRow(
		`SELECT `+bindingColumns+` FROM bindings WHERE store = ? AND key = ? ORDER BY id ASC LIMIT 1`,
		store, key))
	if err != nil && err != ErrNotFound {
		return Binding{}, errors.Wrap(err, "storage: query binding by key")
	}
	return b, err
}

// GetBindingByID returns the binding with the given row id, or ErrNotFound.
func (db *DB) GetBindingByID(id timeid.ID) (Binding, error) {
	b, err := scanBinding(db.sqlDB.QueryRow(`SELECT `+bindingColumns+` FROM bindings WHERE id = ?`, id))
	if err != nil && err != ErrNotFound {
		return Binding{}, errors.Wrap(err, "storage: query binding by id")
	}
	return b, err
}

// UpdateBindingKey rebinds label to a new key row (force rebind).
func (db *DB) UpdateBindingKey(id, key timeid.ID, updated timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(`UPDATE bindings SET key = ?, updated = ? WHERE id = ?`, key, updated, id)
	if err != nil {
		return errors.Wrap(err, "storage: rebind binding")
	}
	return nil
}

// RegisterBindingEncryption bumps the binding's encryption counters atomically.
func (db *DB) RegisterBindingEncryption(id timeid.ID, now timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(
		`UPDATE bindings SET encryption_count = encryption_count + 1,
		 encryption_first = COALESCE(encryption_first, ?), encryption_last = ?
		 WHERE id = ?`, now, now, id)
	if err != nil {
		return errors.Wrap(err, "storage: register binding encryption")
	}
	return nil
}

// RegisterBindingVerification bumps the binding's verification counters atomically.
func (db *DB) RegisterBindingVerification(id timeid.ID, now timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(
		`UPDATE bindings SET verification_count = verification_count + 1,
		 verification_first = COALESCE(verification_first, ?), verification_last = ?
		 WHERE id = ?`, now, now, id)
	if err != nil {
		return errors.Wrap(err, "storage: register binding verification")
	}
	return nil
}

// DeleteBinding removes a binding row.
func (db *DB) DeleteBinding(id timeid.ID) error {
	_, err := db.sqlDB.Exec(`DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "storage: delete binding")
	}
	return nil
}

// IterBindings returns up to limit bindings of store with id strictly
// greater than after, ordered by id ascending.
func (db *DB) IterBindings(store timeid.ID, after timeid.ID, limit int) ([]Binding, error) {
	rows, err := db.sqlDB.Query(
		`SELECT `+bindingColumns+` FROM bindings WHERE store = ? AND id > ? ORDER BY id ASC LIMIT ?`,
		store, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: iter bindings")
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan binding")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
