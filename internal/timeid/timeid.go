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

// Package timeid provides the monotonic timestamp and opaque row-id
// primitives shared by every storage and scheduler component.
package timeid

import (
	"math"
	"time"
)

// Timestamp is seconds since the Unix epoch.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// Add returns t+d, saturating at the int64 bounds instead of wrapping.
func (t Timestamp) Add(d time.Duration) Timestamp {
	secs := int64(d / time.Second)
	switch {
	case secs > 0 && int64(t) > math.MaxInt64-secs:
		return Timestamp(math.MaxInt64)
	case secs < 0 && int64(t) < math.MinInt64-secs:
		return Timestamp(math.MinInt64)
	default:
		return t + Timestamp(secs)
	}
}

// Sub returns the duration t-u.
func (t Timestamp) Sub(u Timestamp) time.Duration {
	return time.Duration(int64(t)-int64(u)) * time.Second
}

// Before reports whether t is strictly earlier than u.
func (t Timestamp) Before(u Timestamp) bool {
	return t < u
}

// Time converts the Timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

// ID is an opaque 64-bit row key. The zero value, NullID, never
// identifies a real row; it is never exposed across the store's public
// API, only used internally by the storage layer.
type ID int64

// NullID is the reserved sentinel meaning "no row".
const NullID ID = 0

// Valid reports whether id is a real row reference.
func (id ID) Valid() bool {
	return id != NullID
}
