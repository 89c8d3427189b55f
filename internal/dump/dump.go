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

// Package dump renders a TPK's raw packet stream as a tree, one
// subtree per primary or subkey packet, without requiring the body to
// parse as a recognized structure. It operates
// on golang.org/x/crypto/openpgp/packet's opaque packet reader, so a
// packet with a body that fails semantic parsing can still be shown.
package dump

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/openpgp/packet"

	hpgp "hkpstore/internal/openpgp"
)

const literalPreviewLen = 40

// Dumper writes a tree-structured rendering of a packet stream to w,
// wrapping hex previews to fit within width columns.
type Dumper struct {
	w     io.Writer
	width int
}

// New builds a Dumper. A width of 0 or less defaults to 80 columns.
func New(w io.Writer, width int) *Dumper {
	if width <= 0 {
		width = 80
	}
	return &Dumper{w: w, width: width}
}

// root buffers one primary-key-or-standalone packet plus every packet
// that follows it until the next root packet begins.
type root struct {
	head     packet.OpaquePacket
	children []packet.OpaquePacket
}

func isRootTag(tag hpgp.Tag) bool {
	switch tag {
	case hpgp.TagPublicKey, hpgp.TagSecretKey, hpgp.TagPublicSubkey, hpgp.TagSecretSubkey:
		return true
	}
	return false
}

// Dump parses data as a sequence of opaque packets and writes its tree
// rendering. A packet whose header cannot even be parsed stops the
// walk and returns the underlying error; packets whose body merely
// fails to parse semantically are still rendered, since OpaquePacket
// only requires a valid header.
func (d *Dumper) Dump(data []byte) error {
	r := packet.NewOpaqueReader(bytes.NewReader(data))
	var roots []*root
	var current *root

	for {
		op, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("dump: %w", err)
		}

		tag := hpgp.Tag(op.Tag)
		if current == nil || isRootTag(tag) {
			current = &root{head: *op}
			roots = append(roots, current)
			continue
		}
		current.children = append(current.children, *op)
	}

	for _, rt := range roots {
		d.writeRoot(rt)
	}
	return nil
}

func (d *Dumper) writeRoot(rt *root) {
	fmt.Fprintf(d.w, "%s (tag %d, %d bytes)\n", hpgp.Tag(rt.head.Tag), rt.head.Tag, len(rt.head.Contents))
	d.writeBody(rt.head.Contents, "")

	for i, child := range rt.children {
		last := i == len(rt.children)-1
		connector := "├── "
		childPrefix := "│   "
		if last {
			connector = "└── "
			childPrefix = "    "
		}
		tag := hpgp.Tag(child.Tag)
		fmt.Fprintf(d.w, "%s%s (tag %d, %d bytes)\n", connector, tag, child.Tag, len(child.Contents))
		d.writeBody(child.Contents, childPrefix)
	}
}

func (d *Dumper) writeBody(body []byte, prefix string) {
	preview := body
	truncated := false
	if len(preview) > literalPreviewLen && literalPreviewLen > 0 {
		preview = preview[:literalPreviewLen]
		truncated = true
	}
	d.hexDump(preview, prefix)
	if truncated {
		fmt.Fprintf(d.w, "%s  ... (%d more bytes)\n", prefix, len(body)-literalPreviewLen)
	}
}

// hexDump renders data as offset-prefixed hex rows sized to fit width
// columns: after the prefix and an 8-digit offset, each byte is printed
// as two packed hex digits, with three columns budgeted per byte.
func (d *Dumper) hexDump(data []byte, prefix string) {
	if len(data) == 0 {
		return
	}
	perLine := (d.width - len(prefix) - 10) / 3
	if perLine < 1 {
		perLine = 1
	}
	for off := 0; off < len(data); off += perLine {
		end := off + perLine
		if end > len(data) {
			end = len(data)
		}
		fmt.Fprintf(d.w, "%s  %08x  %s\n", prefix, off, hex.EncodeToString(data[off:end]))
	}
}
