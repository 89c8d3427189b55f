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

package store_test

import (
	"bytes"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"

	"hkpstore/internal/errs"
	"hkpstore/internal/fpr"
	"hkpstore/internal/hlog"
	hpgp "hkpstore/internal/openpgp"
	"hkpstore/internal/policy"
	"hkpstore/internal/storage"
	"hkpstore/internal/store"
	"hkpstore/internal/timeid"
)

func newServer(t *testing.T) *store.Server {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "store.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv, err := store.NewServer(db, hlog.New(db, nil), nil, 16)
	require.NoError(t, err)
	return srv
}

func newTestTPK(t *testing.T) []byte {
	t.Helper()
	cfg := &packet.Config{RSABits: 1024, Algorithm: packet.PubKeyAlgoRSA}
	entity, err := openpgp.NewEntity("Test Key", "", "test@hkpstore.example", cfg)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(ioutil.Discard, cfg))

	var buf bytes.Buffer
	require.NoError(t, entity.Serialize(&buf))
	return buf.Bytes()
}

func fingerprintOf(t *testing.T, tpk []byte) string {
	t.Helper()
	entity, err := hpgp.ParseTPK(tpk)
	require.NoError(t, err)
	return hpgp.Fingerprint(entity).String()
}

func TestOpenReturnsSameStore(t *testing.T) {
	srv := newServer(t)

	first, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	second, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, policy.Encrypted, second.Policy())
}

func TestOpenPolicyViolation(t *testing.T) {
	srv := newServer(t)

	_, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)

	_, err = srv.Open("org.example", policy.Insecure, "default")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NetworkPolicyViolation))
	serr, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, policy.Encrypted, serr.Policy)
}

func TestCreateBindImportLookup(t *testing.T) {
	testStart := timeid.Now()
	srv := newServer(t)
	tpk := newTestTPK(t)
	fingerprint := fingerprintOf(t, tpk)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)

	binding, err := s.Add("alice", fingerprint)
	require.NoError(t, err)
	assert.Equal(t, "alice", binding.Label())

	imported, err := srv.Import(tpk)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, imported.Fingerprint())

	key, err := srv.LookupByFingerprint(fingerprint)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, key.Fingerprint())
	assert.NotEmpty(t, key.TPK())
	assert.True(t, key.Stats().Created >= testStart)

	// The binding resolves to the same key row.
	viaBinding, err := binding.Key()
	require.NoError(t, err)
	assert.Equal(t, key.ID(), viaBinding.ID())
}

func TestAddConflict(t *testing.T) {
	srv := newServer(t)
	tpkA, tpkB := newTestTPK(t), newTestTPK(t)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)

	_, err = s.Add("alice", fingerprintOf(t, tpkA))
	require.NoError(t, err)

	_, err = s.Add("alice", fingerprintOf(t, tpkB))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))

	// Re-adding the same fingerprint is a race, not a conflict.
	again, err := s.Add("alice", fingerprintOf(t, tpkA))
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Label())
}

func TestAddMalformedFingerprint(t *testing.T) {
	srv := newServer(t)
	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)

	_, err = s.Add("alice", "not a fingerprint")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MalformedFingerprint))
}

func TestImportMalformedTPK(t *testing.T) {
	srv := newServer(t)
	_, err := srv.Import([]byte("garbage"))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.MalformedTPK))
}

func TestBindingImportForceRebinds(t *testing.T) {
	srv := newServer(t)
	tpkA, tpkB := newTestTPK(t), newTestTPK(t)
	fprB := fingerprintOf(t, tpkB)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	binding, err := s.Add("alice", fingerprintOf(t, tpkA))
	require.NoError(t, err)

	// A different key without force is a conflict.
	_, err = binding.Import(tpkB, false)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))

	// With force, the binding moves to the new key.
	key, err := binding.Import(tpkB, true)
	require.NoError(t, err)
	assert.Equal(t, fprB, key.Fingerprint())

	rebound, err := s.GetBinding("alice")
	require.NoError(t, err)
	current, err := rebound.Key()
	require.NoError(t, err)
	assert.Equal(t, fprB, current.Fingerprint())
}

func TestBindingImportMatchingMerges(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)
	fingerprint := fingerprintOf(t, tpk)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	binding, err := s.Add("alice", fingerprint)
	require.NoError(t, err)

	key, err := binding.Import(tpk, false)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, key.Fingerprint())
	assert.NotEmpty(t, key.TPK())

	// Importing the same TPK again is idempotent on the parsed content.
	again, err := binding.Import(tpk, false)
	require.NoError(t, err)
	first, err := hpgp.ParseTPK(key.TPK())
	require.NoError(t, err)
	second, err := hpgp.ParseTPK(again.TPK())
	require.NoError(t, err)
	assert.Equal(t, hpgp.Fingerprint(first), hpgp.Fingerprint(second))
	assert.Len(t, second.Subkeys, len(first.Subkeys))
	assert.Len(t, second.Identities, len(first.Identities))
}

func TestLookupBySubkeyID(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)
	fingerprint := fingerprintOf(t, tpk)

	_, err := srv.Import(tpk)
	require.NoError(t, err)

	entity, err := hpgp.ParseTPK(tpk)
	require.NoError(t, err)
	require.NotEmpty(t, entity.Subkeys)
	subID := fpr.Fingerprint(entity.Subkeys[0].PublicKey.Fingerprint).KeyID()

	key, err := srv.LookupBySubkeyID(subID)
	require.NoError(t, err)
	assert.Equal(t, fingerprint, key.Fingerprint())

	// The primary KeyID resolves through the same index.
	primary, err := srv.LookupByKeyID(hpgp.Fingerprint(entity).KeyID())
	require.NoError(t, err)
	assert.Equal(t, fingerprint, primary.Fingerprint())
}

func TestLookupNotFound(t *testing.T) {
	srv := newServer(t)

	_, err := srv.LookupByFingerprint("7FAF6ED7238143557BDF7ED26863C9AD5B4D22D3")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))

	_, err = srv.LookupByKeyID(fpr.KeyIDFromUint64(0xDEADBEEF))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestRegisterEncryptionCounters(t *testing.T) {
	testStart := timeid.Now()
	srv := newServer(t)
	tpk := newTestTPK(t)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	binding, err := s.Add("alice", fingerprintOf(t, tpk))
	require.NoError(t, err)

	const n = 3
	var latest storage.Stats
	for i := 0; i < n; i++ {
		latest, err = binding.RegisterEncryption()
		require.NoError(t, err)
	}
	_, err = binding.RegisterVerification()
	require.NoError(t, err)
	testEnd := timeid.Now()
	assert.Equal(t, int64(n), latest.EncCount)

	got, err := s.GetBinding("alice")
	require.NoError(t, err)
	stats := got.Stats()
	assert.Equal(t, int64(n), stats.EncCount)
	require.NotNil(t, stats.EncFirst)
	require.NotNil(t, stats.EncLast)
	assert.True(t, *stats.EncFirst <= *stats.EncLast)
	assert.True(t, *stats.EncFirst >= testStart && *stats.EncLast <= testEnd)
	assert.Equal(t, int64(1), stats.VerCount)

	// The owning key row counts too.
	key, err := got.Key()
	require.NoError(t, err)
	assert.Equal(t, int64(n), key.Stats().EncCount)
	assert.Equal(t, int64(1), key.Stats().VerCount)
}

func TestBindingAndStoreDelete(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)
	fingerprint := fingerprintOf(t, tpk)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	binding, err := s.Add("alice", fingerprint)
	require.NoError(t, err)

	require.NoError(t, binding.Delete())
	_, err = s.GetBinding("alice")
	assert.True(t, errs.Is(err, errs.NotFound))

	// The key outlives its binding.
	_, err = srv.LookupByFingerprint(fingerprint)
	require.NoError(t, err)

	require.NoError(t, s.Delete())
	reopened, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	assert.NotEqual(t, s.ID(), reopened.ID())
}

func TestIterators(t *testing.T) {
	srv := newServer(t)

	for _, name := range []string{"one", "two", "three"} {
		_, err := srv.Open("org.example", policy.Encrypted, name)
		require.NoError(t, err)
	}

	var seen []string
	after := timeid.NullID
	for {
		page, err := srv.IterStores("org.example", after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, s := range page {
			seen = append(seen, s.Name())
			after = s.ID()
		}
	}
	assert.Equal(t, []string{"one", "two", "three"}, seen)

	tpk := newTestTPK(t)
	_, err := srv.Import(tpk)
	require.NoError(t, err)
	keys, err := srv.IterKeys(timeid.NullID, 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, fingerprintOf(t, tpk), keys[0].Fingerprint())
}

func TestStoreLog(t *testing.T) {
	srv := newServer(t)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	tpk := newTestTPK(t)
	_, err = s.Add("alice", fingerprintOf(t, tpk))
	require.NoError(t, err)

	entries, err := s.Log(timeid.NullID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "org.example:default", entries[0].Slug)
	for _, e := range entries {
		assert.Equal(t, storage.LevelInfo, e.Level)
	}
}

func TestStoreLookupBySubkeyID(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)
	fingerprint := fingerprintOf(t, tpk)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	_, err = s.Add("alice", fingerprint)
	require.NoError(t, err)
	_, err = srv.Import(tpk)
	require.NoError(t, err)

	entity, err := hpgp.ParseTPK(tpk)
	require.NoError(t, err)
	require.NotEmpty(t, entity.Subkeys)
	subID := fpr.Fingerprint(entity.Subkeys[0].PublicKey.Fingerprint).KeyID()

	binding, err := s.LookupBySubkeyID(subID)
	require.NoError(t, err)
	assert.Equal(t, "alice", binding.Label())

	// A subkey never imported into this store finds nothing.
	_, err = s.LookupBySubkeyID(fpr.KeyIDFromUint64(0x1234))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.NotFound))
}

func TestKeyImportAndLogs(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)

	key, err := srv.Import(tpk)
	require.NoError(t, err)

	// A key-level import of the same TPK merges in place.
	merged, err := key.Import(tpk)
	require.NoError(t, err)
	assert.Equal(t, key.Fingerprint(), merged.Fingerprint())

	// A TPK with a different fingerprint cannot take over the row.
	_, err = key.Import(newTestTPK(t))
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Conflict))

	entries, err := key.Log(timeid.NullID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "key merged", entries[0].Message)
}

func TestBindingLog(t *testing.T) {
	srv := newServer(t)
	tpk := newTestTPK(t)

	s, err := srv.Open("org.example", policy.Encrypted, "default")
	require.NoError(t, err)
	binding, err := s.Add("alice", fingerprintOf(t, tpk))
	require.NoError(t, err)

	entries, err := binding.Log(timeid.NullID, 100)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "binding created", entries[0].Message)
	assert.Equal(t, "alice", entries[0].Slug)
}
