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

// Package store implements the store service: lookup/creation/merge
// semantics with conflict rules over stores, bindings, and keys. It
// is the sole mutator of the database during normal request handling;
// the refresh scheduler (internal/scheduler) uses the same Server so
// writes never race.
package store

import (
	"bytes"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/openpgp"

	"hkpstore/internal/errs"
	"hkpstore/internal/fpr"
	"hkpstore/internal/hlog"
	"hkpstore/internal/metrics"
	hpgp "hkpstore/internal/openpgp"
	"hkpstore/internal/policy"
	"hkpstore/internal/storage"
	"hkpstore/internal/timeid"
)

// Server owns the single database connection and is the sole mutator.
type Server struct {
	db    *storage.DB
	log   *hlog.Writer
	cache *lru.Cache // keyed by "realm\x00name" -> storage.Store
	entry *logrus.Entry
}

// NewServer builds a Server over db. cacheSize bounds the in-process
// store-row cache (hashicorp/golang-lru); a cacheSize below 1 is raised
// to 1, so the cache is never switched off.
func NewServer(db *storage.DB, logw *hlog.Writer, entry *logrus.Entry, cacheSize int) (*Server, error) {
	if cacheSize <= 0 {
		cacheSize = 1
	}
	c, err := lru.New(cacheSize)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{db: db, log: logw, cache: c, entry: entry}, nil
}

// Store is a namespace of bindings under (realm, name), scoped to one
// network policy.
type Store struct {
	srv *Server
	row storage.Store
}

// ID returns the store's opaque row identifier.
func (s *Store) ID() timeid.ID { return s.row.ID }

// Policy returns the store's persisted network policy.
func (s *Store) Policy() policy.Policy { return s.row.Policy }

// Realm returns the store's realm.
func (s *Store) Realm() string { return s.row.Realm }

// Name returns the store's name.
func (s *Store) Name() string { return s.row.Name }

func storeCacheKey(realm, name string) string { return realm + "\x00" + name }

// DB returns the underlying storage handle so collaborators that share
// this Server's single connection (internal/scheduler) never open a
// second one.
func (srv *Server) DB() *storage.DB { return srv.db }

// MergeTPK merges tpkBytes into the key row identified by row, failing
// with Conflict if the parsed TPK's fingerprint does not match row's.
// The refresh scheduler uses this to apply a freshly fetched TPK to the
// candidate storage.PickRefreshCandidate selected.
func (srv *Server) MergeTPK(row storage.Key, tpkBytes []byte) (*Key, error) {
	entity, err := hpgp.ParseTPK(tpkBytes)
	if err != nil {
		return nil, errs.New(errs.MalformedTPK, err)
	}
	if hpgp.Fingerprint(entity).String() != row.Fingerprint {
		return nil, errs.New(errs.Conflict, nil)
	}
	return srv.mergeInto(row, entity)
}

// Open returns the store at (realm, name), creating it with ceiling as
// its persisted policy if it does not yet exist. If the store already
// exists under a different policy, Open fails with
// NetworkPolicyViolation: a store created under a stricter policy
// must never be silently relaxed.
func (srv *Server) Open(realm string, ceiling policy.Policy, name string) (*Store, error) {
	if cached, ok := srv.cache.Get(storeCacheKey(realm, name)); ok {
		row := cached.(storage.Store)
		if row.Policy != ceiling {
			metrics.PolicyViolations.WithLabelValues(row.Policy.String()).Inc()
			return nil, errs.PolicyViolation(row.Policy)
		}
		return &Store{srv: srv, row: row}, nil
	}

	row, err := srv.db.GetOrCreateStore(realm, name, ceiling)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	srv.cache.Add(storeCacheKey(realm, name), row)

	if row.Policy != ceiling {
		metrics.PolicyViolations.WithLabelValues(row.Policy.String()).Inc()
		return nil, errs.PolicyViolation(row.Policy)
	}

	storeID := row.ID
	srv.log.Info(hlog.Refs{Store: &storeID}, hlog.StoreSlug(realm, name), "store opened")
	return &Store{srv: srv, row: row}, nil
}

// Delete removes the store; bindings cascade via the foreign key.
func (s *Store) Delete() error {
	if err := s.srv.db.DeleteStore(s.row.ID); err != nil {
		return errs.New(errs.SystemError, err)
	}
	s.srv.cache.Remove(storeCacheKey(s.row.Realm, s.row.Name))
	storeID := s.row.ID
	s.srv.log.Info(hlog.Refs{Store: &storeID}, hlog.StoreSlug(s.row.Realm, s.row.Name), "store deleted")
	return nil
}

// Log returns up to limit log entries referencing this store, with id
// strictly greater than after.
func (s *Store) Log(after timeid.ID, limit int) ([]storage.LogEntry, error) {
	id := s.row.ID
	entries, err := s.srv.log.Iterate(storage.Selector{Store: &id}, after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return entries, nil
}

// IterStores returns up to limit stores under realmPrefix with id
// strictly greater than after, ordered by id ascending.
func (srv *Server) IterStores(realmPrefix string, after timeid.ID, limit int) ([]*Store, error) {
	rows, err := srv.db.IterStores(realmPrefix, after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	out := make([]*Store, len(rows))
	for i, row := range rows {
		out[i] = &Store{srv: srv, row: row}
	}
	return out, nil
}

// Key is a fingerprint-addressed TPK row.
type Key struct {
	srv *Server
	row storage.Key
}

// ID returns the key's opaque row identifier.
func (k *Key) ID() timeid.ID { return k.row.ID }

// Fingerprint returns the key's 40-hex fingerprint.
func (k *Key) Fingerprint() string { return k.row.Fingerprint }

// TPK returns the stored TPK blob, or nil if the key row has never been merged into.
func (k *Key) TPK() []byte { return k.row.Blob }

// Stats returns the key's usage statistics.
func (k *Key) Stats() storage.Stats { return k.row.Stats }

func keyFromRow(srv *Server, row storage.Key) *Key { return &Key{srv: srv, row: row} }

// Import merges tpkBytes into this key row. The parsed TPK's
// fingerprint must match the row's; a mismatch is a Conflict, since a
// key row never changes identity.
func (k *Key) Import(tpkBytes []byte) (*Key, error) {
	return k.srv.MergeTPK(k.row, tpkBytes)
}

// Log returns up to limit log entries referencing this key, with id
// strictly greater than after.
func (k *Key) Log(after timeid.ID, limit int) ([]storage.LogEntry, error) {
	id := k.row.ID
	entries, err := k.srv.log.Iterate(storage.Selector{Key: &id}, after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return entries, nil
}

// LookupByFingerprint returns the key with the given 40-hex fingerprint.
func (srv *Server) LookupByFingerprint(fingerprint string) (*Key, error) {
	parsed, err := fpr.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, errs.New(errs.MalformedFingerprint, err)
	}
	row, err := srv.db.GetKeyByFingerprint(parsed.String())
	if err == storage.ErrNotFound {
		return nil, errs.New(errs.NotFound, nil)
	} else if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return keyFromRow(srv, row), nil
}

// LookupByKeyID resolves a KeyID through the subkey index to the owning
// primary key row (the primary key's own KeyID is indexed too, so this
// also serves a direct primary-key lookup).
func (srv *Server) LookupByKeyID(id fpr.KeyID) (*Key, error) {
	row, err := srv.db.GetKeyByKeyID(id.AsUint64())
	if err == storage.ErrNotFound {
		return nil, errs.New(errs.NotFound, nil)
	} else if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return keyFromRow(srv, row), nil
}

// LookupBySubkeyID resolves a subkey's KeyID to its owning primary
// key row; it shares the key_by_keyid index with LookupByKeyID.
func (srv *Server) LookupBySubkeyID(id fpr.KeyID) (*Key, error) {
	return srv.LookupByKeyID(id)
}

// IterKeys returns up to limit keys with id strictly greater than
// after, ordered by id ascending.
func (srv *Server) IterKeys(after timeid.ID, limit int) ([]*Key, error) {
	rows, err := srv.db.IterKeys(after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	out := make([]*Key, len(rows))
	for i, row := range rows {
		out[i] = keyFromRow(srv, row)
	}
	return out, nil
}

// Import parses tpkBytes, inserts or adopts the key row by primary
// fingerprint, and merges the parsed TPK into the stored blob.
func (srv *Server) Import(tpkBytes []byte) (*Key, error) {
	entity, err := hpgp.ParseTPK(tpkBytes)
	if err != nil {
		return nil, errs.New(errs.MalformedTPK, err)
	}
	row, err := srv.db.GetOrCreateKey(hpgp.Fingerprint(entity).String())
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return srv.mergeInto(row, entity)
}

// mergeInto merges entity into whatever blob row already carries,
// writes the result back, reindexes its subkeys, and logs the outcome.
// Callers guarantee row's fingerprint matches entity's primary key.
func (srv *Server) mergeInto(row storage.Key, entity *openpgp.Entity) (*Key, error) {
	var current *openpgp.Entity
	if len(row.Blob) > 0 {
		parsed, err := hpgp.ParseTPK(row.Blob)
		if err != nil {
			return nil, errs.New(errs.SystemError, err)
		}
		current = parsed
	}

	merged, err := hpgp.Merge(current, entity)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}

	var buf bytes.Buffer
	if err := hpgp.Serialize(merged, &buf); err != nil {
		return nil, errs.New(errs.SystemError, err)
	}

	now := timeid.Now()
	if err := srv.db.UpdateKeyBlob(row.ID, buf.Bytes(), now); err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	for _, keyID := range hpgp.KeysAll(merged) {
		if err := srv.db.InsertSubkeyIndex(keyID.AsUint64(), row.ID); err != nil {
			return nil, errs.New(errs.SystemError, err)
		}
	}

	row.Blob = buf.Bytes()
	row.Updated = &now
	keyID := row.ID
	srv.log.Info(hlog.Refs{Key: &keyID}, row.Fingerprint, "key merged")
	return keyFromRow(srv, row), nil
}
