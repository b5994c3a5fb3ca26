// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package ingestion

import (
	"time"

	"github.com/kraklabs/sepasync/pkg/archive"
	"github.com/kraklabs/sepasync/pkg/feed"
)

// Config holds configuration for the ingestion pipeline.
type Config struct {
	// DataDir is the root of the published snapshot (branches/, products/).
	DataDir string

	// StateDir holds run history and the remote overflow file.
	StateDir string

	// TempDir is where the downloaded archive and spooled inner archives go.
	// Empty means the system temp dir. Everything created here is removed
	// when the run ends.
	TempDir string

	// Day selects the feed URL. Defaults to the current weekday.
	Day *time.Weekday

	// FeedURLs overrides entries of feed.DefaultURLs.
	FeedURLs map[time.Weekday]string

	// Feed controls download retries and timeouts.
	Feed feed.Config

	// InnerPrefixes selects inner archives by file name prefix, e.g.
	// "sepa_1_comercio-sepa-10_". Empty selects every inner .zip.
	InnerPrefixes []string

	// MaxInMemoryArchive is the largest inner archive decompressed in memory.
	MaxInMemoryArchive int64

	// Brands is the ordered brand rule list.
	Brands []BrandRule

	// Region is the geographic filter applied to branches.
	Region RegionConfig

	// SQLitePath, when set, also exports the snapshot to a SQLite catalog.
	SQLitePath string

	// Remote controls synchronization of change-sets.
	Remote RemoteConfig
}

// RemoteConfig controls the optional remote synchronization step.
type RemoteConfig struct {
	Enabled bool

	// OverflowFile stores writes deferred by the quota for the next run.
	OverflowFile string

	// FailOnError makes a run with failed remote documents return an error.
	FailOnError bool
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Feed: feed.DefaultConfig(),
		InnerPrefixes: []string{
			"sepa_1_comercio-sepa-10_", // Carrefour
			"sepa_1_comercio-sepa-11_", // ChangoMas
			"sepa_1_comercio-sepa-15_", // Dia
			"sepa_1_comercio-sepa-9_",  // Cencosud
		},
		MaxInMemoryArchive: archive.DefaultMaxInMemory,
		Brands:             DefaultBrands(),
		Region:             DefaultRegion(),
	}
}

func (c Config) day(now time.Time) time.Weekday {
	if c.Day != nil {
		return *c.Day
	}
	return now.Weekday()
}
