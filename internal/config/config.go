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

// Package config loads the engine's TOML configuration file: a small
// struct with sane defaults, overridden field-by-field by whatever
// the file sets.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the engine's on-disk configuration.
type Config struct {
	// Home is the directory holding the database file. Defaults to
	// $HOME/.hkpstore when the file does not set it.
	Home string `toml:"home"`

	// DatabaseFile is the filename within Home. Defaults to "store.db".
	DatabaseFile string `toml:"database_file"`

	// DefaultNetworkPolicy is used by the CLI when a command doesn't
	// specify one explicitly. One of offline, anonymized, encrypted, insecure.
	DefaultNetworkPolicy string `toml:"default_network_policy"`

	// MinSleep overrides the scheduler's minimum sleep between iterations.
	MinSleep Duration `toml:"min_sleep"`

	// RefreshInterval overrides the scheduler's target per-key refresh interval.
	RefreshInterval Duration `toml:"refresh_interval"`
}

// Duration is a time.Duration that unmarshals from a TOML string like "5m".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for BurntSushi/toml.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Home:                 filepath.Join(home, ".hkpstore"),
		DatabaseFile:         "store.db",
		DefaultNetworkPolicy: "encrypted",
		MinSleep:             Duration{5 * time.Minute},
		RefreshInterval:      Duration{7 * 24 * time.Hour},
	}
}

// Load reads and merges path over Default(); a missing file is not an
// error and yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DatabasePath returns the full path to the configured database file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.Home, c.DatabaseFile)
}
