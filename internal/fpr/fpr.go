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

// Package fpr implements the 20-byte OpenPGP fingerprint and 8-byte
// KeyID types, along with the process-wide randomized hasher used when
// either type is a map key.
package fpr

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Fingerprint is the 20-byte SHA-1 hash identifying a primary key.
type Fingerprint [20]byte

// KeyID is the low 8 bytes of a Fingerprint, used as a short identifier.
type KeyID [8]byte

// ParseFingerprint decodes a space-tolerant, case-insensitive hex string
// into a Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	clean := stripSpace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return fp, fmt.Errorf("fpr: malformed fingerprint %q: %w", s, err)
	}
	if len(b) != len(fp) {
		return fp, fmt.Errorf("fpr: fingerprint %q has %d bytes, want %d", s, len(b), len(fp))
	}
	copy(fp[:], b)
	return fp, nil
}

// ParseKeyID decodes a space-tolerant, case-insensitive hex string into
// a KeyID. It accepts the full 16 hex characters only; short/long-form
// disambiguation is the caller's responsibility (the store resolves a
// KeyID through its subkey index only).
func ParseKeyID(s string) (KeyID, error) {
	var id KeyID
	clean := stripSpace(s)
	b, err := hex.DecodeString(clean)
	if err != nil {
		return id, fmt.Errorf("fpr: malformed key id %q: %w", s, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("fpr: key id %q has %d bytes, want %d", s, len(b), len(id))
	}
	copy(id[:], b)
	return id, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
}

// String renders the fingerprint as 40 uppercase hex characters.
func (f Fingerprint) String() string {
	return strings.ToUpper(hex.EncodeToString(f[:]))
}

// KeyID returns the low 8 bytes of the fingerprint.
func (f Fingerprint) KeyID() KeyID {
	var id KeyID
	copy(id[:], f[12:])
	return id
}

// String renders the key id as 16 uppercase hex characters prefixed with 0x.
func (id KeyID) String() string {
	return "0x" + strings.ToUpper(hex.EncodeToString(id[:]))
}

// AsUint64 returns the big-endian interpretation of the key id.
func (id KeyID) AsUint64() uint64 {
	return binary.BigEndian.Uint64(id[:])
}

// KeyIDFromUint64 builds a KeyID from its big-endian uint64 form, as
// stored (bit-preserving) in the key_by_keyid.keyid column.
func KeyIDFromUint64(v uint64) KeyID {
	var id KeyID
	binary.BigEndian.PutUint64(id[:], v)
	return id
}

// hashSeed is a process-wide random value mixed into every Fingerprint/
// KeyID hash so an attacker who can choose fingerprints cannot force
// map-bucket collisions (hash-flooding) in a long-running server.
var (
	hashSeedOnce sync.Once
	hashSeed     uint64
)

func seed() uint64 {
	hashSeedOnce.Do(func() {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand failing means the system entropy source is
			// broken; fall back to a fixed, non-secret seed rather than
			// panicking a long-running service over hash quality.
			hashSeed = 0x9e3779b97f4a7c15
			return
		}
		hashSeed = binary.LittleEndian.Uint64(b[:])
	})
	return hashSeed
}

// Hash returns a seeded hash of the fingerprint, suitable for use as a
// map key's hash when Fingerprint is embedded in a larger key type.
func (f Fingerprint) Hash() uint64 {
	return fnv1a(f[:], seed())
}

// Hash returns a seeded hash of the key id.
func (id KeyID) Hash() uint64 {
	return fnv1a(id[:], seed())
}

func fnv1a(data []byte, seed uint64) uint64 {
	h := seed ^ 0xcbf29ce484222325
	for _, b := range data {
		h ^= uint64(b)
		h *= 0x100000001b3
	}
	return h
}
