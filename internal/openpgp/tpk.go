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

// Package openpgp is the TPK primitive layer the store builds on:
// parse, merge, serialize, and derive identifiers from a Transferable
// Public Key, on top of golang.org/x/crypto/openpgp (built against
// the ProtonMail/crypto fork per this module's replace directive).
package openpgp

import (
	"bytes"
	"io"
	"time"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
	"golang.org/x/crypto/openpgp/packet"

	"hkpstore/internal/fpr"
)

// MalformedTPKError wraps a parse failure that the store surfaces as
// errs.MalformedTPK.
type MalformedTPKError struct {
	cause error
}

func (e *MalformedTPKError) Error() string { return "malformed TPK: " + e.cause.Error() }
func (e *MalformedTPKError) Unwrap() error { return e.cause }

// ParseTPK decodes tpkBytes as either an ASCII-armored or raw binary
// OpenPGP public key, returning its first entity. A TPK is exactly one
// primary key plus its subkeys, user IDs/attributes and signatures; a
// multi-entity keyring is rejected as malformed, since the store's unit
// of storage is one TPK per fingerprint.
func ParseTPK(tpkBytes []byte) (*openpgp.Entity, error) {
	entities, err := readKeyRing(tpkBytes)
	if err != nil {
		return nil, &MalformedTPKError{cause: err}
	}
	if len(entities) != 1 {
		return nil, &MalformedTPKError{cause: errTooManyEntities(len(entities))}
	}
	if entities[0].PrimaryKey == nil {
		return nil, &MalformedTPKError{cause: errNoPrimaryKey}
	}
	return entities[0], nil
}

func readKeyRing(data []byte) (openpgp.EntityList, error) {
	block, err := armor.Decode(bytes.NewReader(data))
	if err == nil {
		return openpgp.ReadKeyRing(block.Body)
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

type tpkError string

func (e tpkError) Error() string { return string(e) }

const errNoPrimaryKey = tpkError("no primary key")

func errTooManyEntities(n int) error {
	if n == 0 {
		return tpkError("no key material found")
	}
	return tpkError("expected exactly one TPK, found a keyring")
}

// Fingerprint returns the primary key's fingerprint.
func Fingerprint(e *openpgp.Entity) fpr.Fingerprint {
	return fpr.Fingerprint(e.PrimaryKey.Fingerprint)
}

// KeysAll returns the KeyID of the primary key and every subkey, for
// subkey-index reindexing.
func KeysAll(e *openpgp.Entity) []fpr.KeyID {
	out := make([]fpr.KeyID, 0, 1+len(e.Subkeys))
	out = append(out, Fingerprint(e).KeyID())
	for _, sub := range e.Subkeys {
		if sub.PublicKey == nil {
			continue
		}
		out = append(out, fpr.Fingerprint(sub.PublicKey.Fingerprint).KeyID())
	}
	return out
}

// Serialize writes e's public packets (primary key, identities,
// subkeys, and all their signatures) in binary form, the form stored in
// keys.key.
func Serialize(e *openpgp.Entity, w io.Writer) error {
	return e.Serialize(w)
}

// KeyDigest is a derived, non-persisted summary of a parsed TPK for
// display purposes.
type KeyDigest struct {
	Fingerprint   fpr.Fingerprint
	PrimaryUserID string
	SubkeyCount   int
	CreationTime  time.Time
}

// DigestOf summarizes e. The primary user id is the identity the TPK
// marks primary, or failing that the first one in map order.
func DigestOf(e *openpgp.Entity) KeyDigest {
	d := KeyDigest{
		Fingerprint:  Fingerprint(e),
		SubkeyCount:  len(e.Subkeys),
		CreationTime: e.PrimaryKey.CreationTime,
	}
	for name, id := range e.Identities {
		if d.PrimaryUserID == "" {
			d.PrimaryUserID = name
		}
		if id.SelfSignature != nil && id.SelfSignature.IsPrimaryId != nil && *id.SelfSignature.IsPrimaryId {
			d.PrimaryUserID = name
			break
		}
	}
	return d
}

// sigKey identifies a signature for deduplication: two signatures with
// the same issuer, creation time, and signature type are the same
// signature even if re-encountered in a different TPK upload.
type sigKey struct {
	issuer  uint64
	created int64
	sigType packet.SignatureType
}

func keyOf(s *packet.Signature) sigKey {
	var issuer uint64
	if s.IssuerKeyId != nil {
		issuer = *s.IssuerKeyId
	}
	return sigKey{issuer: issuer, created: s.CreationTime.Unix(), sigType: s.SigType}
}

// Merge combines current and incoming into a single entity carrying the
// union of their user IDs, subkeys, revocations and user ID
// certifications, de-duplicated. Where a user ID or subkey is present in
// both, current's self-signature or subkey binding signature is kept and
// incoming's is used only when current has none. Merge is idempotent:
// Merge(a, a) preserves a's content, just with duplicate signatures
// collapsed. Callers (internal/store) guarantee current and incoming
// share the same primary fingerprint before calling Merge.
func Merge(current, incoming *openpgp.Entity) (*openpgp.Entity, error) {
	if current == nil {
		return incoming, nil
	}
	if incoming == nil {
		return current, nil
	}

	merged := &openpgp.Entity{
		PrimaryKey: current.PrimaryKey,
		Identities: make(map[string]*openpgp.Identity, len(current.Identities)),
	}

	merged.Revocations = mergeSignatures(current.Revocations, incoming.Revocations)

	for name, id := range current.Identities {
		merged.Identities[name] = cloneIdentity(id)
	}
	for name, id := range incoming.Identities {
		if existing, ok := merged.Identities[name]; ok {
			existing.Signatures = mergeSignatures(existing.Signatures, id.Signatures)
			if existing.SelfSignature == nil {
				existing.SelfSignature = id.SelfSignature
			}
		} else {
			merged.Identities[name] = cloneIdentity(id)
		}
	}

	merged.Subkeys = mergeSubkeys(current.Subkeys, incoming.Subkeys)

	return merged, nil
}

func cloneIdentity(id *openpgp.Identity) *openpgp.Identity {
	clone := &openpgp.Identity{
		Name:          id.Name,
		UserId:        id.UserId,
		SelfSignature: id.SelfSignature,
	}
	clone.Signatures = append([]*packet.Signature{}, id.Signatures...)
	return clone
}

func mergeSignatures(a, b []*packet.Signature) []*packet.Signature {
	out := make([]*packet.Signature, 0, len(a)+len(b))
	seen := make(map[sigKey]bool, len(a)+len(b))
	for _, s := range append(append([]*packet.Signature{}, a...), b...) {
		k := keyOf(s)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

func mergeSubkeys(a, b []openpgp.Subkey) []openpgp.Subkey {
	byFingerprint := make(map[fpr.Fingerprint]openpgp.Subkey, len(a)+len(b))
	order := make([]fpr.Fingerprint, 0, len(a)+len(b))
	for _, sub := range a {
		f := fpr.Fingerprint(sub.PublicKey.Fingerprint)
		byFingerprint[f] = sub
		order = append(order, f)
	}
	for _, sub := range b {
		f := fpr.Fingerprint(sub.PublicKey.Fingerprint)
		if existing, ok := byFingerprint[f]; ok {
			merged := existing
			if merged.Sig == nil {
				merged.Sig = sub.Sig
			}
			byFingerprint[f] = merged
			continue
		}
		byFingerprint[f] = sub
		order = append(order, f)
	}
	out := make([]openpgp.Subkey, 0, len(order))
	seen := make(map[fpr.Fingerprint]bool, len(order))
	for _, f := range order {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, byFingerprint[f])
	}
	return out
}
