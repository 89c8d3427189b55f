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

package store

import (
	"hkpstore/internal/errs"
	"hkpstore/internal/fpr"
	"hkpstore/internal/hlog"
	hpgp "hkpstore/internal/openpgp"
	"hkpstore/internal/storage"
	"hkpstore/internal/timeid"
)

// Binding labels one key inside one store.
type Binding struct {
	srv *Server
	row storage.Binding
}

// ID returns the binding's opaque row identifier.
func (b *Binding) ID() timeid.ID { return b.row.ID }

// Label returns the binding's label, unique within its store.
func (b *Binding) Label() string { return b.row.Label }

// Stats returns the binding's usage statistics.
func (b *Binding) Stats() storage.Stats { return b.row.Stats }

func bindingFromRow(srv *Server, row storage.Binding) *Binding { return &Binding{srv: srv, row: row} }

// Key returns the key row this binding currently points at.
func (b *Binding) Key() (*Key, error) {
	row, err := b.srv.db.GetKeyByID(b.row.Key)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return keyFromRow(b.srv, row), nil
}

// Add labels a (possibly new) key with label inside s. If label is
// already bound to a different key, Add fails with Conflict rather
// than silently rebinding. Use Binding.Import with force to rebind
// deliberately.
func (s *Store) Add(label, fingerprint string) (*Binding, error) {
	parsed, err := fpr.ParseFingerprint(fingerprint)
	if err != nil {
		return nil, errs.New(errs.MalformedFingerprint, err)
	}

	keyRow, err := s.srv.db.GetOrCreateKey(parsed.String())
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}

	bindingRow, err := s.srv.db.CreateBinding(s.row.ID, label, keyRow.ID)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	if bindingRow.Key != keyRow.ID {
		return nil, errs.New(errs.Conflict, nil)
	}

	storeID := s.row.ID
	bindingID := bindingRow.ID
	s.srv.log.Info(hlog.Refs{Store: &storeID, Binding: &bindingID}, label, "binding created")
	return bindingFromRow(s.srv, bindingRow), nil
}

// LookupBySubkeyID returns the binding within s whose key carries the
// given (sub)KeyID in the subkey index.
func (s *Store) LookupBySubkeyID(id fpr.KeyID) (*Binding, error) {
	keyRow, err := s.srv.db.GetKeyByKeyID(id.AsUint64())
	if err == storage.ErrNotFound {
		return nil, errs.New(errs.NotFound, nil)
	} else if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	row, err := s.srv.db.GetBindingByKey(s.row.ID, keyRow.ID)
	if err == storage.ErrNotFound {
		return nil, errs.New(errs.NotFound, nil)
	} else if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return bindingFromRow(s.srv, row), nil
}

// GetBinding returns label's binding within s.
func (s *Store) GetBinding(label string) (*Binding, error) {
	row, err := s.srv.db.GetBindingByLabel(s.row.ID, label)
	if err == storage.ErrNotFound {
		return nil, errs.New(errs.NotFound, nil)
	} else if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return bindingFromRow(s.srv, row), nil
}

// IterBindings returns up to limit bindings of s with id strictly
// greater than after, ordered by id ascending.
func (s *Store) IterBindings(after timeid.ID, limit int) ([]*Binding, error) {
	rows, err := s.srv.db.IterBindings(s.row.ID, after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	out := make([]*Binding, len(rows))
	for i, row := range rows {
		out[i] = bindingFromRow(s.srv, row)
	}
	return out, nil
}

// Delete removes the binding. The key row it pointed at is left intact;
// it may still be reachable through other bindings or by direct lookup.
func (b *Binding) Delete() error {
	if err := b.srv.db.DeleteBinding(b.row.ID); err != nil {
		return errs.New(errs.SystemError, err)
	}
	bindingID := b.row.ID
	b.srv.log.Info(hlog.Refs{Binding: &bindingID}, b.row.Label, "binding deleted")
	return nil
}

// Import parses tpkBytes and merges it into the key this binding
// currently points at. If the parsed TPK's fingerprint does not match
// that key, Import fails with Conflict unless force is set, in which
// case the binding is rebound to the (possibly new) key matching the
// parsed fingerprint before merging.
func (b *Binding) Import(tpkBytes []byte, force bool) (*Key, error) {
	entity, err := hpgp.ParseTPK(tpkBytes)
	if err != nil {
		return nil, errs.New(errs.MalformedTPK, err)
	}
	fingerprint := hpgp.Fingerprint(entity).String()

	currentKey, err := b.srv.db.GetKeyByID(b.row.Key)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}

	target := currentKey
	if currentKey.Fingerprint != fingerprint {
		if !force {
			return nil, errs.New(errs.Conflict, nil)
		}
		newKey, err := b.srv.db.GetOrCreateKey(fingerprint)
		if err != nil {
			return nil, errs.New(errs.SystemError, err)
		}
		now := timeid.Now()
		if err := b.srv.db.UpdateBindingKey(b.row.ID, newKey.ID, now); err != nil {
			return nil, errs.New(errs.SystemError, err)
		}
		b.row.Key = newKey.ID
		b.row.Updated = &now
		target = newKey

		bindingID := b.row.ID
		b.srv.log.Info(hlog.Refs{Binding: &bindingID, Key: &newKey.ID}, b.row.Label, "binding rebound")
	}

	return b.srv.mergeInto(target, entity)
}

// RegisterEncryption records that this binding's key was used to
// encrypt a message, bumping counters on both the binding and the
// owning key row. The binding's refreshed stats are returned.
func (b *Binding) RegisterEncryption() (storage.Stats, error) {
	now := timeid.Now()
	if err := b.srv.db.RegisterBindingEncryption(b.row.ID, now); err != nil {
		return storage.Stats{}, errs.New(errs.SystemError, err)
	}
	if err := b.srv.db.RegisterKeyEncryption(b.row.Key, now); err != nil {
		return storage.Stats{}, errs.New(errs.SystemError, err)
	}
	return b.reloadStats()
}

// RegisterVerification records that this binding's key was used to
// verify a signature, bumping counters on both the binding and the
// owning key row. The binding's refreshed stats are returned.
func (b *Binding) RegisterVerification() (storage.Stats, error) {
	now := timeid.Now()
	if err := b.srv.db.RegisterBindingVerification(b.row.ID, now); err != nil {
		return storage.Stats{}, errs.New(errs.SystemError, err)
	}
	if err := b.srv.db.RegisterKeyVerification(b.row.Key, now); err != nil {
		return storage.Stats{}, errs.New(errs.SystemError, err)
	}
	return b.reloadStats()
}

func (b *Binding) reloadStats() (storage.Stats, error) {
	row, err := b.srv.db.GetBindingByID(b.row.ID)
	if err != nil {
		return storage.Stats{}, errs.New(errs.SystemError, err)
	}
	b.row = row
	return row.Stats, nil
}

// Log returns up to limit log entries referencing this binding, with
// id strictly greater than after.
func (b *Binding) Log(after timeid.ID, limit int) ([]storage.LogEntry, error) {
	id := b.row.ID
	entries, err := b.srv.log.Iterate(storage.Selector{Binding: &id}, after, limit)
	if err != nil {
		return nil, errs.New(errs.SystemError, err)
	}
	return entries, nil
}
