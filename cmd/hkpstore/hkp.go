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

package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	"hkpstore/internal/fpr"
)

// hkpClient fetches TPKs over the HKP lookup interface. It is the one
// concrete keyserver.Client in this repository and lives here, in the
// operator tool, because the engine itself only depends on the
// interface.
type hkpClient struct {
	base   *url.URL
	client *http.Client
}

func newHKPClient(baseURL string) (*hkpClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("keyserver URL %q: %w", baseURL, err)
	}
	return &hkpClient{
		base:   u,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Fetch retrieves the TPK for id via /pks/lookup?op=get. The armored
// response body is returned as-is; the store's import path accepts
// both armored and binary TPKs.
func (c *hkpClient) Fetch(ctx context.Context, id fpr.KeyID) ([]byte, error) {
	u := *c.base
	u.Path = "/pks/lookup"
	q := url.Values{}
	q.Set("op", "get")
	q.Set("options", "mr")
	q.Set("search", id.String())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyserver returned %s for %s", resp.Status, id)
	}
	return ioutil.ReadAll(resp.Body)
}
