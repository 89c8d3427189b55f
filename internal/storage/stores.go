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

	"hkpstore/internal/policy"
	"hkpstore/internal/timeid"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("storage: not found")

// GetOrCreateStore inserts a store row for (realm, name) with the given
// policy if none exists, or returns the existing row unchanged. The
// UNIQUE(realm, name) conflict path re-reads rather than erroring:
// concurrent opens of the same (realm, name) both succeed and observe
// the same row.
func (db *DB) GetOrCreateStore(realm, name string, p policy.Policy) (Store, error) {
	res, err := db.sqlDB.Exec(
		`INSERT INTO stores (realm, network_policy, name) VALUES (?, ?, ?)`,
		realm, int(p), name)
	if err == nil {
		id, err := res.LastInsertId()
		if err != nil {
			return Store{}, errors.Wrap(err, "storage: last insert id for store")
		}
		return Store{ID: timeid.ID(id), Realm: realm, Name: name, Policy: p}, nil
	}
	if !isUniqueViolation(err) {
		return Store{}, errors.Wrap(err, "storage: insert store")
	}
	return db.GetStoreByName(realm, name)
}

// GetStoreByName returns the store at (realm, name), or ErrNotFound.
func (db *DB) GetStoreByName(realm, name string) (Store, error) {
	row := db.sqlDB.QueryRow(
		`SELECT id, network_policy FROM stores WHERE realm = ? AND name = ?`, realm, name)
	var s Store
	var p int
	if err := row.Scan(&s.ID, &p); err == sql.ErrNoRows {
		return Store{}, ErrNotFound
	} else if err != nil {
		return Store{}, errors.Wrap(err, "storage: query store")
	}
	s.Realm, s.Name = realm, name
	if err := s.setPolicy(p); err != nil {
		return Store{}, err
	}
	return s, nil
}

// setPolicy assigns a policy byte read from storage, rejecting values
// outside the defined range: those mean the database file is corrupt,
// and no operation may proceed on it.
func (s *Store) setPolicy(p int) error {
	s.Policy = policy.Policy(p)
	if !s.Policy.Valid() {
		return errors.Errorf("storage: store %d has corrupt network policy %d", s.ID, p)
	}
	return nil
}

// GetStoreByID returns the store with the given row id, or ErrNotFound.
func (db *DB) GetStoreByID(id timeid.ID) (Store, error) {
	row := db.sqlDB.QueryRow(
		`SELECT id, realm, network_policy, name FROM stores WHERE id = ?`, id)
	var s Store
	var p int
	if err := row.Scan(&s.ID, &s.Realm, &p, &s.Name); err == sql.ErrNoRows {
		return Store{}, ErrNotFound
	} else if err != nil {
		return Store{}, errors.Wrap(err, "storage: query store by id")
	}
	if err := s.setPolicy(p); err != nil {
		return Store{}, err
	}
	return s, nil
}

// DeleteStore removes a store row; bindings cascade via the foreign key.
func (db *DB) DeleteStore(id timeid.ID) error {
	_, err := db.sqlDB.Exec(`DELETE FROM stores WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "storage: delete store")
	}
	return nil
}

// IterStores returns up to limit stores with id strictly greater than
// after and realm matching realmPrefix (empty matches all), ordered by
// id ascending.
func (db *DB) IterStores(realmPrefix string, after timeid.ID, limit int) ([]Store, error) {
	rows, err := db.sqlDB.Query(
		`SELECT id, realm, network_policy, name FROM stores
		 WHERE id > ? AND realm LIKE ? ORDER BY id ASC LIMIT ?`,
		after, realmPrefix+"%", limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: iter stores")
	}
	defer rows.Close()

	var out []Store
	for rows.Next() {
		var s Store
		var p int
		if err := rows.Scan(&s.ID, &s.Realm, &p, &s.Name); err != nil {
			return nil, errors.Wrap(err, "storage: scan store")
		}
		if err := s.setPolicy(p); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
