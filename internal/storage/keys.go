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

// GetOrCreateKey inserts a key row for fingerprint if none exists, with
// update_at set to now so a freshly referenced key is immediately
// eligible for its first refresh, or returns the existing row.
func (db *DB) GetOrCreateKey(fingerprint string) (Key, error) {
	now := timeid.Now()
	res, err := db.sqlDB.Exec(
		`INSERT INTO keys (fingerprint, created, update_at) VALUES (?, ?, ?)`,
		fingerprint, now, now)
	if err == nil {
		id, err := res.LastInsertId()
		if err != nil {
			return Key{}, errors.Wrap(err, "storage: last insert id for key")
		}
		return Key{ID: timeid.ID(id), Fingerprint: fingerprint, UpdateAt: now, Stats: Stats{Created: now}}, nil
	}
	if !isUniqueViolation(err) {
		return Key{}, errors.Wrap(err, "storage: insert key")
	}
	return db.GetKeyByFingerprint(fingerprint)
}

func scanKey(row interface {
	Scan(...interface{}) error
}) (Key, error) {
	var k Key
	err := row.Scan(&k.ID, &k.Fingerprint, &k.Blob, &k.Created, &k.Updated, &k.UpdateAt,
		&k.EncCount, &k.EncFirst, &k.EncLast, &k.VerCount, &k.VerFirst, &k.VerLast)
	if err == sql.ErrNoRows {
		return Key{}, ErrNotFound
	}
	return k, err
}

const keyColumns = `id, fingerprint, key, created, updated, update_at,
	encryption_count, encryption_first, encryption_last,
	verification_count, verification_first, verification_last`

// GetKeyByFingerprint returns the key row for fingerprint, or ErrNotFound.
func (db *DB) GetKeyByFingerprint(fingerprint string) (Key, error) {
	k, err := scanKey(db.sqlDB.QueryRow(`SELECT `+keyColumns+` FROM keys WHERE fingerprint = ?`, fingerprint))
	if err != nil && err != ErrNotFound {
		return Key{}, errors.Wrap(err, "storage: query key by fingerprint")
	}
	return k, err
}

// GetKeyByID returns the key row with the given id, or ErrNotFound.
func (db *DB) GetKeyByID(id timeid.ID) (Key, error) {
	k, err := scanKey(db.sqlDB.QueryRow(`SELECT `+keyColumns+` FROM keys WHERE id = ?`, id))
	if err != nil && err != ErrNotFound {
		return Key{}, errors.Wrap(err, "storage: query key by id")
	}
	return k, err
}

// GetKeyByKeyID resolves a 64-bit KeyID through the key_by_keyid index
// to its owning key row, or ErrNotFound.
func (db *DB) GetKeyByKeyID(keyid uint64) (Key, error) {
	k, err := scanKey(db.sqlDB.QueryRow(
		`SELECT `+keyColumns+` FROM keys
		 WHERE id = (SELECT key FROM key_by_keyid WHERE keyid = ? LIMIT 1)`,
		int64(keyid)))
	if err != nil && err != ErrNotFound {
		return Key{}, errors.Wrap(err, "storage: query key by keyid")
	}
	return k, err
}

// UpdateKeyBlob sets the stored TPK blob and updated timestamp after a
// successful merge.
func (db *DB) UpdateKeyBlob(id timeid.ID, blob []byte, updated timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(`UPDATE keys SET key = ?, updated = ? WHERE id = ?`, blob, updated, id)
	if err != nil {
		return errors.Wrap(err, "storage: update key blob")
	}
	return nil
}

// UpdateKeyRefresh records a refresh attempt's outcome: updated and
// update_at are the scheduler's new watermark for this key. A non-nil
// updated is written along with update_at (success); a nil updated
// leaves the column untouched and only update_at moves (failure).
func (db *DB) UpdateKeyRefresh(id timeid.ID, updated *timeid.Timestamp, updateAt timeid.Timestamp) error {
	var err error
	if updated != nil {
		_, err = db.sqlDB.Exec(`UPDATE keys SET updated = ?, update_at = ? WHERE id = ?`, *updated, updateAt, id)
	} else {
		_, err = db.sqlDB.Exec(`UPDATE keys SET update_at = ? WHERE id = ?`, updateAt, id)
	}
	if err != nil {
		return errors.Wrap(err, "storage: update key refresh state")
	}
	return nil
}

// RegisterKeyEncryption bumps the key's encryption counters atomically.
func (db *DB) RegisterKeyEncryption(id timeid.ID, now timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(
		`UPDATE keys SET encryption_count = encryption_count + 1,
		 encryption_first = COALESCE(encryption_first, ?), encryption_last = ?
		 WHERE id = ?`, now, now, id)
	if err != nil {
		return errors.Wrap(err, "storage: register key encryption")
	}
	return nil
}

// RegisterKeyVerification bumps the key's verification counters atomically.
func (db *DB) RegisterKeyVerification(id timeid.ID, now timeid.Timestamp) error {
	_, err := db.sqlDB.Exec(
		`UPDATE keys SET verification_count = verification_count + 1,
		 verification_first = COALESCE(verification_first, ?), verification_last = ?
		 WHERE id = ?`, now, now, id)
	if err != nil {
		return errors.Wrap(err, "storage: register key verification")
	}
	return nil
}

// IterKeys returns up to limit keys with id strictly greater than
// after, ordered by id ascending.
func (db *DB) IterKeys(after timeid.ID, limit int) ([]Key, error) {
	rows, err := db.sqlDB.Query(`SELECT `+keyColumns+` FROM keys WHERE id > ? ORDER BY id ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, errors.Wrap(err, "storage: iter keys")
	}
	defer rows.Close()

	var out []Key
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "storage: scan key")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// InsertSubkeyIndex records that keyid belongs to key, using INSERT OR
// IGNORE so a constraint violation (already indexed) is simply a no-op.
func (db *DB) InsertSubkeyIndex(keyid uint64, key timeid.ID) error {
	_, err := db.sqlDB.Exec(
		`INSERT OR IGNORE INTO key_by_keyid (keyid, key) VALUES (?, ?)`, int64(keyid), key)
	if err != nil {
		return errors.Wrap(err, "storage: insert subkey index")
	}
	return nil
}

// RefreshCandidate is the key selected by the scheduler, along with the
// number of keys currently eligible under the same policy ceiling (used
// to compute the per-key refresh interval).
type RefreshCandidate struct {
	Key          Key
	EligibleKeys int
}

// PickRefreshCandidate returns the key with the smallest update_at among
// keys reachable from a store whose policy is at least minPolicy, plus
// the total count of such keys. If no key is eligible, Key.ID is the
// zero value and EligibleKeys is 0.
func (db *DB) PickRefreshCandidate(minPolicy policy.Policy) (RefreshCandidate, error) {
	var count int
	err := db.sqlDB.QueryRow(
		`SELECT COUNT(DISTINCT keys.id) FROM keys
		 JOIN bindings ON bindings.key = keys.id
		 JOIN stores ON stores.id = bindings.store
		 WHERE stores.network_policy >= ?`, int(minPolicy)).Scan(&count)
	if err != nil {
		return RefreshCandidate{}, errors.Wrap(err, "storage: count eligible keys")
	}
	if count == 0 {
		return RefreshCandidate{}, nil
	}

	row := db.sqlDB.QueryRow(
		`SELECT DISTINCT `+prefixColumns("keys", keyColumns)+` FROM keys
		 JOIN bindings ON bindings.key = keys.id
		 JOIN stores ON stores.id = bindings.store
		 WHERE stores.network_policy >= ?
		 ORDER BY keys.update_at ASC LIMIT 1`, int(minPolicy))
	k, err := scanKey(row)
	if err != nil {
		return RefreshCandidate{}, errors.Wrap(err, "storage: pick refresh candidate")
	}
	return RefreshCandidate{Key: k, EligibleKeys: count}, nil
}

// prefixColumns qualifies each column in a flat "a, b, c" list with
// table, so a SELECT DISTINCT over a join doesn't ambiguity-error on
// columns like "id" that also exist on stores/bindings.
func prefixColumns(table, columns string) string {
	var b []byte
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			field := trimSpace(columns[start:i])
			if len(b) > 0 {
				b = append(b, ',', ' ')
			}
			b = append(b, table+"."+field...)
			start = i + 1
		}
	}
	return string(b)
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\n' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\n' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
