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

// Package keyserver declares the one thing the refresh scheduler
// needs from a network keyserver client: fetch a TPK by KeyID,
// returning bytes or an error. Concrete transports live outside this
// module.
package keyserver

import (
	"context"

	"hkpstore/internal/fpr"
)

// Client fetches a fresh TPK for a KeyID from the keyserver network.
// Implementations are expected to apply their own transport timeout;
// the scheduler treats ctx cancellation and any other error
// identically.
type Client interface {
	Fetch(ctx context.Context, id fpr.KeyID) ([]byte, error)
}
