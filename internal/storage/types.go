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

package storage

import (
	"hkpstore/internal/policy"
	"hkpstore/internal/timeid"
)

// Store is the stores table row.
type Store struct {
	ID     timeid.ID
	Realm  string
	Name   string
	Policy policy.Policy
}

// Stats holds the counters and timestamps common to bindings and keys.
type Stats struct {
	Created  timeid.Timestamp
	Updated  *timeid.Timestamp
	EncCount int64
	EncFirst *timeid.Timestamp
	EncLast  *timeid.Timestamp
	VerCount int64
	VerFirst *timeid.Timestamp
	VerLast  *timeid.Timestamp
}

// Binding is the bindings table row.
type Binding struct {
	ID    timeid.ID
	Store timeid.ID
	Label string
	Key   timeid.ID
	Stats
}

// Key is the keys table row.
type Key struct {
	ID          timeid.ID
	Fingerprint string
	Blob        []byte
	UpdateAt    timeid.Timestamp
	Stats
}

// SubkeyIndex is a key_by_keyid table row.
type SubkeyIndex struct {
	ID    timeid.ID
	KeyID uint64
	Key   timeid.ID
}

// Level is the log entry severity.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// LogEntry is a log table row.
type LogEntry struct {
	ID        timeid.ID
	Timestamp timeid.Timestamp
	Level     Level
	Store     *timeid.ID
	Binding   *timeid.ID
	Key       *timeid.ID
	Slug      string
	Message   string
	Error     *string
}

// Selector restricts a log iteration to entries referencing a
// particular store, binding, or key, or to every entry ("all").
type Selector struct {
	Store   *timeid.ID
	Binding *timeid.ID
	Key     *timeid.ID
}

// All is the selector that matches every log entry.
var All = Selector{}

func (s Selector) isAll() bool {
	return s.Store == nil && s.Binding == nil && s.Key == nil
}
