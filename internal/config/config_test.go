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

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.NotEmpty(t, cfg.Home)
	assert.Equal(t, "store.db", cfg.DatabaseFile)
	assert.Equal(t, "encrypted", cfg.DefaultNetworkPolicy)
	assert.Equal(t, 5*time.Minute, cfg.MinSleep.Duration)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshInterval.Duration)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such-file.conf"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hkpstore.conf")
	require.NoError(t, ioutil.WriteFile(path, []byte(`
home = "/var/lib/hkpstore"
database_file = "keys.db"
default_network_policy = "offline"
min_sleep = "10m"
refresh_interval = "48h"
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/hkpstore", cfg.Home)
	assert.Equal(t, "keys.db", cfg.DatabaseFile)
	assert.Equal(t, "offline", cfg.DefaultNetworkPolicy)
	assert.Equal(t, 10*time.Minute, cfg.MinSleep.Duration)
	assert.Equal(t, 48*time.Hour, cfg.RefreshInterval.Duration)
	assert.Equal(t, filepath.Join("/var/lib/hkpstore", "keys.db"), cfg.DatabasePath())
}

func TestLoadPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hkpstore.conf")
	require.NoError(t, ioutil.WriteFile(path, []byte(`min_sleep = "30s"`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.MinSleep.Duration)
	assert.Equal(t, Default().DatabaseFile, cfg.DatabaseFile)
	assert.Equal(t, Default().RefreshInterval, cfg.RefreshInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hkpstore.conf")
	require.NoError(t, ioutil.WriteFile(path, []byte(`min_sleep = "not a duration"`), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}
