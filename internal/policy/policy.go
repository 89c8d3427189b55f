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

// Package policy defines the totally-ordered network policy levels
// that bound what traffic the engine may emit on behalf of a store.
package policy

import "fmt"

// Policy is a network policy level. Levels are totally ordered:
// Offline < Anonymized < Encrypted < Insecure.
type Policy int

const (
	Offline Policy = iota
	Anonymized
	Encrypted
	Insecure
)

// Valid reports whether p is one of the four defined levels. A value
// read from storage outside this range means the database is corrupt.
func (p Policy) Valid() bool {
	return p >= Offline && p <= Insecure
}

func (p Policy) String() string {
	switch p {
	case Offline:
		return "offline"
	case Anonymized:
		return "anonymized"
	case Encrypted:
		return "encrypted"
	case Insecure:
		return "insecure"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// RefreshCeiling is the policy level at which the background scheduler
// operates. Stores persisted at a stricter level (Offline, Anonymized)
// are never refreshed; anonymized refresh would need a different
// transport and stays disabled until one exists.
const RefreshCeiling = Encrypted

// EligibleForRefresh reports whether a store at storePolicy may be
// touched by the refresh scheduler.
func EligibleForRefresh(storePolicy Policy) bool {
	return storePolicy >= RefreshCeiling
}
