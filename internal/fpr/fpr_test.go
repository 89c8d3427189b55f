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

package fpr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const aliceFpr = "7FAF6ED7238143557BDF7ED26863C9AD5B4D22D3"

func TestParseFingerprint(t *testing.T) {
	fp, err := ParseFingerprint(aliceFpr)
	require.NoError(t, err)
	assert.Equal(t, aliceFpr, fp.String())
}

func TestParseFingerprintTolerant(t *testing.T) {
	// Grouped lowercase hex as pasted from a terminal.
	fp, err := ParseFingerprint("7faf 6ed7 2381 4355 7bdf\n7ed2 6863 c9ad 5b4d 22d3")
	require.NoError(t, err)
	assert.Equal(t, aliceFpr, fp.String())
}

func TestParseFingerprintRejectsBadInput(t *testing.T) {
	_, err := ParseFingerprint("not hex at all")
	assert.Error(t, err)

	_, err = ParseFingerprint("7FAF6ED7")
	assert.Error(t, err)

	_, err = ParseFingerprint(aliceFpr + "00")
	assert.Error(t, err)
}

func TestKeyIDDerivation(t *testing.T) {
	fp, err := ParseFingerprint(aliceFpr)
	require.NoError(t, err)
	id := fp.KeyID()
	assert.Equal(t, "0x6863C9AD5B4D22D3", id.String())
	assert.Equal(t, uint64(0x6863C9AD5B4D22D3), id.AsUint64())
}

func TestParseKeyID(t *testing.T) {
	id, err := ParseKeyID("6863 c9ad 5b4d 22d3")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x6863C9AD5B4D22D3), id.AsUint64())

	_, err = ParseKeyID("6863C9AD")
	assert.Error(t, err)
}

func TestKeyIDFromUint64RoundTrip(t *testing.T) {
	id := KeyIDFromUint64(0x0123456789ABCDEF)
	assert.Equal(t, uint64(0x0123456789ABCDEF), id.AsUint64())
	assert.Equal(t, "0x0123456789ABCDEF", id.String())
}

func TestHashSeeded(t *testing.T) {
	a, err := ParseFingerprint(aliceFpr)
	require.NoError(t, err)
	b := a
	b[0] ^= 0xff

	// Stable within the process, and distinct inputs disagree.
	assert.Equal(t, a.Hash(), a.Hash())
	assert.NotEqual(t, a.Hash(), b.Hash())
	assert.Equal(t, a.KeyID().Hash(), a.KeyID().Hash())
}
