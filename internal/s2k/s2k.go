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

// Package s2k implements the OpenPGP String-to-Key derivation functions
// (RFC 4880 section 3.7) and the iteration-count codec they share with
// the packet layer's Iterated variant.
package s2k

import (
	"fmt"
	"hash"
)

// Kind identifies which S2K construction a variant uses.
type Kind int

const (
	KindSimple Kind = iota
	KindSalted
	KindIterated
	KindPrivate
	KindUnknown
)

// HashFunc constructs a fresh hash.Hash for the S2K's configured digest.
type HashFunc func() hash.Hash

// S2K is one of the five RFC 4880 string-to-key variants.
type S2K struct {
	Kind       Kind
	Hash       HashFunc
	Salt       [8]byte
	Iterations uint32 // octet count, already decoded; meaningful for KindIterated
	Tag        uint8  // meaningful for KindPrivate/KindUnknown
}

// Simple builds a Simple S2K.
func Simple(h HashFunc) S2K { return S2K{Kind: KindSimple, Hash: h} }

// Salted builds a Salted S2K.
func Salted(h HashFunc, salt [8]byte) S2K {
	return S2K{Kind: KindSalted, Hash: h, Salt: salt}
}

// Iterated builds an Iterated S2K. iterations is the octet count fed to
// the hash, i.e. the value already returned by DecodeCount, not the
// coded byte itself.
func Iterated(h HashFunc, salt [8]byte, iterations uint32) S2K {
	return S2K{Kind: KindIterated, Hash: h, Salt: salt, Iterations: iterations}
}

// MalformedPacketError reports an S2K that cannot be used to derive a key.
type MalformedPacketError struct {
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return "malformed packet: " + e.Reason
}

// DeriveKey implements the RFC 4880 section 3.7.1 "concatenated hash"
// construction: enough independent hash contexts, each pre-loaded with
// an increasing run of zero octets, are run over the salt/password
// material so that their concatenated output covers keyLen bytes.
func (s S2K) DeriveKey(password []byte, keyLen int) ([]byte, error) {
	switch s.Kind {
	case KindPrivate, KindUnknown:
		return nil, &MalformedPacketError{Reason: fmt.Sprintf("cannot derive key from S2K tag %d", s.Tag)}
	}
	if s.Hash == nil {
		return nil, &MalformedPacketError{Reason: "S2K has no hash function"}
	}

	hashSize := s.Hash().Size()
	numHashes := (keyLen + hashSize - 1) / hashSize
	out := make([]byte, 0, numHashes*hashSize)

	for i := 0; i < numHashes; i++ {
		h := s.Hash()
		// Each successive hash context is preloaded with i zero bytes,
		// per RFC 4880 3.7.1.1 note on keys longer than one hash output.
		zeros := make([]byte, i)
		h.Write(zeros)

		switch s.Kind {
		case KindSimple:
			h.Write(password)
		case KindSalted:
			h.Write(s.Salt[:])
			h.Write(password)
		case KindIterated:
			s.writeIterated(h, password)
		}
		out = append(out, h.Sum(nil)...)
	}
	return out[:keyLen], nil
}

// writeIterated feeds salt||password to h repeatedly until exactly
// s.Iterations octets (not "iterations" of the whole unit) have been
// written, per RFC 4880 3.7.1.3: a final partial unit is truncated, not
// padded.
func (s S2K) writeIterated(h hash.Hash, password []byte) {
	unit := append(append([]byte{}, s.Salt[:]...), password...)
	if len(unit) == 0 {
		return
	}
	total := int(s.Iterations)
	full := total / len(unit)
	for i := 0; i < full; i++ {
		h.Write(unit)
	}
	remainder := total - full*len(unit)
	if remainder > 0 {
		h.Write(unit[:remainder])
	}
}

// Count-encoding bounds from RFC 4880 3.7.1.3.
const (
	MinCount = 1024
	MaxCount = 0x3e00000
)

// DecodeCount expands the packed one-byte iteration count into the
// octet count fed to the hash. Total for all 256 values of c.
func DecodeCount(c uint8) uint32 {
	return (uint32(16) + uint32(c&15)) << (uint32(c>>4) + 6)
}

// EncodeCount packs iters into the one-byte mantissa/exponent form. It
// fails when iters is not exactly representable: the round trip
// EncodeCount(DecodeCount(c)) == c must hold for every c, which in turn
// requires iters' low bits below the mantissa window to be zero.
func EncodeCount(iters uint32) (uint8, error) {
	for exp := uint32(0); exp <= 0xf; exp++ {
		shift := exp + 6
		if iters&((1<<shift)-1) != 0 {
			continue
		}
		mantissa := iters >> shift
		if mantissa < 16 || mantissa > 31 {
			continue
		}
		return uint8((exp << 4) | (mantissa - 16)), nil
	}
	return 0, fmt.Errorf("s2k: %d is not exactly representable as an iteration count", iters)
}

// NearestIterationCount rounds i up to the nearest value representable
// by EncodeCount, clamped to [MinCount, MaxCount].
func NearestIterationCount(i int) uint32 {
	if i <= MinCount {
		return MinCount
	}
	if i >= MaxCount {
		return MaxCount
	}
	for c := 0; c <= 0xff; c++ {
		n := DecodeCount(uint8(c))
		if int(n) >= i {
			return n
		}
	}
	return MaxCount
}
