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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func full(tag Tag, n int64) Header {
	return Header{Tag: tag, Length: LengthFull, BodyLen: n}
}

func TestReservedAndMarkerNeverValid(t *testing.T) {
	for _, fc := range []bool{false, true} {
		assert.Error(t, full(TagReserved, 1).Valid(fc))
		assert.Error(t, full(TagMarker, 3).Valid(fc))
	}
}

func TestUnknownAndPrivateTags(t *testing.T) {
	private := Tag(61)
	unknown := Tag(55)

	assert.Error(t, full(private, 1).Valid(false))
	assert.Error(t, full(unknown, 1).Valid(false))

	assert.NoError(t, full(private, 1).Valid(true))
	assert.NoError(t, full(unknown, 1).Valid(true))
}

func TestPartialLengthOnlyForDataPackets(t *testing.T) {
	data := []Tag{TagLiteral, TagCompressedData, TagSED, TagSEIP, TagAEAD}
	for _, tag := range data {
		h := Header{Tag: tag, Length: LengthPartial, FirstChunk: 512}
		assert.NoError(t, h.Valid(false), tag.String())

		short := Header{Tag: tag, Length: LengthPartial, FirstChunk: 511}
		assert.Error(t, short.Valid(false), tag.String())
	}

	for _, tag := range []Tag{TagSignature, TagPublicKey, TagUserID, TagTrust} {
		h := Header{Tag: tag, Length: LengthPartial, FirstChunk: 4096}
		assert.Error(t, h.Valid(false), tag.String())
	}
}

func TestIndeterminateLengthOnlyForDataPackets(t *testing.T) {
	ok := Header{Tag: TagLiteral, Length: LengthIndeterminate}
	assert.NoError(t, ok.Valid(false))

	bad := Header{Tag: TagUserID, Length: LengthIndeterminate}
	assert.Error(t, bad.Valid(false))
}

func TestFullLengthBounds(t *testing.T) {
	cases := []struct {
		tag   Tag
		ok    int64
		tooBig int64
	}{
		{TagSignature, 10 + 2*65536 + 65536 - 1, 10 + 2*65536 + 65536},
		{TagPKESK, 10239, 10240},
		{TagSKESK, 10239, 10240},
		{TagPublicKey, 1<<20 - 1, 1 << 20},
		{TagPublicSubkey, 1<<20 - 1, 1 << 20},
		{TagSecretKey, 1<<20 - 1, 1 << 20},
		{TagSecretSubkey, 1<<20 - 1, 1 << 20},
		{TagUserID, 32<<10 - 1, 32 << 10},
	}
	for _, c := range cases {
		assert.NoError(t, full(c.tag, c.ok).Valid(false), c.tag.String())
		assert.Error(t, full(c.tag, c.tooBig).Valid(false), c.tag.String())
	}
}

func TestOnePassSigLength(t *testing.T) {
	assert.NoError(t, full(TagOnePassSig, 13).Valid(false))
	assert.Error(t, full(TagOnePassSig, 12).Valid(false))
	assert.Error(t, full(TagOnePassSig, 14).Valid(false))

	assert.NoError(t, full(TagOnePassSig, 12).Valid(true))
	assert.NoError(t, full(TagOnePassSig, 1023).Valid(true))
	assert.Error(t, full(TagOnePassSig, 1024).Valid(true))
}

func TestMDCLengthExact(t *testing.T) {
	assert.NoError(t, full(TagMDC, 20).Valid(false))
	assert.Error(t, full(TagMDC, 19).Valid(false))
	assert.Error(t, full(TagMDC, 21).Valid(false))
}

func TestUnboundedTags(t *testing.T) {
	huge := int64(1) << 40
	for _, tag := range []Tag{TagTrust, TagUserAttribute, TagLiteral, TagCompressedData, TagSED, TagSEIP, TagAEAD} {
		assert.NoError(t, full(tag, huge).Valid(false), tag.String())
	}
}
