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

package dump

import (
	"bytes"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

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

func TestDumpRendersTree(t *testing.T) {
	tpk := newTestTPK(t)
	var out strings.Builder
	require.NoError(t, New(&out, 80).Dump(tpk))

	text := out.String()
	assert.Contains(t, text, "PublicKey (tag 6")
	assert.Contains(t, text, "PublicSubkey (tag 14")
	assert.Contains(t, text, "UserID (tag 13")
	assert.Contains(t, text, "Signature (tag 2")
	// The user id and signature hang off the primary key subtree.
	assert.Contains(t, text, "├── ")
	assert.Contains(t, text, "└── ")
}

func TestDumpPreviewsLongBodies(t *testing.T) {
	tpk := newTestTPK(t)
	var out strings.Builder
	require.NoError(t, New(&out, 80).Dump(tpk))

	// Key material bodies exceed the preview window; the remainder is
	// summarized, not dumped.
	assert.Contains(t, out.String(), "more bytes)")
}

func TestDumpFitsWidth(t *testing.T) {
	tpk := newTestTPK(t)
	for _, width := range []int{40, 80, 132} {
		var out strings.Builder
		require.NoError(t, New(&out, width).Dump(tpk))
		for _, line := range strings.Split(out.String(), "\n") {
			if strings.Contains(line, "  0000") { // hex rows only
				assert.True(t, len(line) <= width+4, "width %d line %q", width, line)
			}
		}
	}
}

func TestDumpEmptyInput(t *testing.T) {
	var out strings.Builder
	require.NoError(t, New(&out, 80).Dump(nil))
	assert.Empty(t, out.String())
}

func TestDumpRejectsTruncatedHeader(t *testing.T) {
	var out strings.Builder
	// A new-format CTB announcing a five-octet length, then nothing.
	err := New(&out, 80).Dump([]byte{0xC2, 0xFF})
	assert.Error(t, err)
}
