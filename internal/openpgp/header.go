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

package openpgp

import "fmt"

// Tag identifies an OpenPGP packet type, RFC 4880 section 4.3. It is
// kept independent of golang.org/x/crypto/openpgp/packet's unexported
// packet type so the header checker can run ahead of, and regardless
// of, whether the body parser recognizes the tag.
type Tag uint8

const (
	TagReserved            Tag = 0
	TagPKESK               Tag = 1
	TagSignature           Tag = 2
	TagSKESK               Tag = 3
	TagOnePassSig          Tag = 4
	TagSecretKey           Tag = 5
	TagPublicKey           Tag = 6
	TagSecretSubkey        Tag = 7
	TagCompressedData      Tag = 8
	TagSED                 Tag = 9
	TagMarker              Tag = 10
	TagLiteral             Tag = 11
	TagTrust               Tag = 12
	TagUserID              Tag = 13
	TagPublicSubkey        Tag = 14
	TagUserAttribute       Tag = 17
	TagSEIP               Tag = 18
	TagMDC                 Tag = 19
	TagAEAD                Tag = 20
)

// String renders t using the short names of RFC 4880 section 4.3.
func (t Tag) String() string {
	switch t {
	case TagReserved:
		return "Reserved"
	case TagPKESK:
		return "PKESK"
	case TagSignature:
		return "Signature"
	case TagSKESK:
		return "SKESK"
	case TagOnePassSig:
		return "OnePassSig"
	case TagSecretKey:
		return "SecretKey"
	case TagPublicKey:
		return "PublicKey"
	case TagSecretSubkey:
		return "SecretSubkey"
	case TagCompressedData:
		return "CompressedData"
	case TagSED:
		return "SED"
	case TagMarker:
		return "Marker"
	case TagLiteral:
		return "Literal"
	case TagTrust:
		return "Trust"
	case TagUserID:
		return "UserID"
	case TagPublicSubkey:
		return "PublicSubkey"
	case TagUserAttribute:
		return "UserAttribute"
	case TagSEIP:
		return "SEIP"
	case TagMDC:
		return "MDC"
	case TagAEAD:
		return "AEAD"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

func (t Tag) isData() bool {
	switch t {
	case TagLiteral, TagCompressedData, TagSED, TagSEIP, TagAEAD:
		return true
	}
	return false
}

func (t Tag) isKnown() bool {
	switch t {
	case TagReserved, TagPKESK, TagSignature, TagSKESK, TagOnePassSig,
		TagSecretKey, TagPublicKey, TagSecretSubkey, TagCompressedData,
		TagSED, TagMarker, TagLiteral, TagTrust, TagUserID,
		TagPublicSubkey, TagUserAttribute, TagSEIP, TagMDC, TagAEAD:
		return true
	}
	return false
}

func (t Tag) isUnknownOrPrivate() bool {
	if t.isKnown() {
		return false
	}
	// RFC 4880 4.3: tags 60-63 are reserved for private/experimental use;
	// everything else unrecognized is simply unknown to this checker.
	return true
}

// LengthType classifies how a packet header encodes its body length.
type LengthType int

const (
	LengthFull LengthType = iota
	LengthPartial
	LengthIndeterminate
)

// Header is the CTB tag plus body-length descriptor of a parsed packet,
// independent of the body itself.
type Header struct {
	Tag        Tag
	Length     LengthType
	BodyLen    int64 // meaningful when Length == LengthFull
	FirstChunk int64 // meaningful when Length == LengthPartial
}

// MalformedPacketError reports a structurally invalid packet header.
type MalformedPacketError struct {
	Reason string
}

func (e *MalformedPacketError) Error() string {
	return "malformed packet: " + e.Reason
}

// UnsupportedPacketError reports a header that is well-formed but not
// admissible under the caller's compatibility mode.
type UnsupportedPacketError struct {
	Reason string
}

func (e *UnsupportedPacketError) Error() string {
	return "unsupported packet: " + e.Reason
}

const (
	maxSignatureLen  = 10 + 2*65536 + 65536
	maxPKESKLen      = 10240
	maxSKESKLen      = 10240
	onePassSigLen    = 13
	onePassSigFCLen  = 1024
	maxKeyMaterialLen = 1 << 20 // 1 MiB
	maxUserIDLen     = 32 << 10 // 32 KiB
	mdcLen           = 20
	minPartialChunk  = 512
)

// Valid checks h against the structural admissibility rules.
// futureCompatible relaxes the Unknown/Private tag rejection and the
// OnePassSig exact-length rule, mirroring a reader willing to tolerate
// packets from a newer RFC revision it does not otherwise understand.
func (h Header) Valid(futureCompatible bool) error {
	switch h.Tag {
	case TagReserved:
		return &MalformedPacketError{Reason: "reserved packet tag"}
	case TagMarker:
		return &MalformedPacketError{Reason: "marker packet tag is never valid"}
	}

	if h.Tag.isUnknownOrPrivate() && !futureCompatible {
		return &UnsupportedPacketError{Reason: fmt.Sprintf("unknown or private tag %d", h.Tag)}
	}

	switch h.Length {
	case LengthPartial:
		if !h.Tag.isData() {
			return &MalformedPacketError{Reason: fmt.Sprintf("partial body length not permitted for tag %d", h.Tag)}
		}
		if h.FirstChunk < minPartialChunk {
			return &MalformedPacketError{Reason: fmt.Sprintf("partial first chunk %d below minimum %d", h.FirstChunk, minPartialChunk)}
		}
		return nil
	case LengthIndeterminate:
		if !h.Tag.isData() {
			return &MalformedPacketError{Reason: fmt.Sprintf("indeterminate length not permitted for tag %d", h.Tag)}
		}
		return nil
	}

	return h.validFullLength(futureCompatible)
}

func (h Header) validFullLength(futureCompatible bool) error {
	switch h.Tag {
	case TagSignature:
		if h.BodyLen >= maxSignatureLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("signature packet length %d exceeds bound", h.BodyLen)}
		}
	case TagPKESK:
		if h.BodyLen >= maxPKESKLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("PKESK packet length %d exceeds bound", h.BodyLen)}
		}
	case TagSKESK:
		if h.BodyLen >= maxSKESKLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("SKESK packet length %d exceeds bound", h.BodyLen)}
		}
	case TagOnePassSig:
		switch {
		case h.BodyLen == onePassSigLen:
		case futureCompatible && h.BodyLen < onePassSigFCLen:
		default:
			return &MalformedPacketError{Reason: fmt.Sprintf("one-pass-signature packet length %d invalid", h.BodyLen)}
		}
	case TagPublicKey, TagPublicSubkey, TagSecretKey, TagSecretSubkey:
		if h.BodyLen >= maxKeyMaterialLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("key packet length %d exceeds bound", h.BodyLen)}
		}
	case TagUserID:
		if h.BodyLen >= maxUserIDLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("user id packet length %d exceeds bound", h.BodyLen)}
		}
	case TagMDC:
		if h.BodyLen != mdcLen {
			return &MalformedPacketError{Reason: fmt.Sprintf("MDC packet length %d must be exactly %d", h.BodyLen, mdcLen)}
		}
	}
	return nil
}
