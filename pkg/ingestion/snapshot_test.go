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
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/sepasync/pkg/storage"
)

func newStore(t *testing.T) *storage.FileStore {
	t.Helper()
	store, err := storage.NewFileStore(storage.FileStoreConfig{Root: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSnapshot_SaveLoadRoundTrip(t *testing.T) {
	store := newStore(t)

	snap := NewSnapshot()
	snap.SetBranches("dia", map[string]Branch{
		"7": {ID: "7", Brand: "Dia", Name: "Tolosa", LastUpdated: t0},
	})
	snap.SetProducts("dia", "7", map[string]Product{
		"x-7": {ID: "x-7", BranchID: "7", Price: 10.5, Stock: true, LastUpdated: t0},
	})
	snap.SetBranches("coto", nil)
	require.NoError(t, snap.Save(store))

	assert.FileExists(t, store.Path(BranchFile("coto")), "empty brand still gets a file")
	assert.FileExists(t, store.Path(ProductFile("dia", "7")))

	loaded, err := LoadSnapshot(store)
	require.NoError(t, err)
	assert.Equal(t, snap.BranchesOf("dia"), loaded.BranchesOf("dia"))
	assert.Equal(t, snap.ProductsOf("dia", "7"), loaded.ProductsOf("dia", "7"))
	assert.Empty(t, loaded.BranchesOf("coto"))
	assert.Equal(t, []string{"coto", "dia"}, loaded.Slugs())

	c := loaded.Counts()
	assert.Equal(t, SnapshotCounts{Brands: 2, Branches: 1, Products: 1, InStockProducts: 1}, c)
}

func TestSnapshot_EmptyProductSetWritten(t *testing.T) {
	store := newStore(t)

	snap := NewSnapshot()
	snap.SetProducts("vea", "3", nil)
	require.NoError(t, snap.Save(store))

	data, err := os.ReadFile(store.Path(ProductFile("vea", "3")))
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	loaded, err := LoadSnapshot(store)
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, loaded.BranchIDsWithProducts("vea"))
}

func TestSnapshot_SaveFailureKeepsPreviousSnapshot(t *testing.T) {
	store := newStore(t)

	first := NewSnapshot()
	first.SetBranches("dia", map[string]Branch{"7": {ID: "7", Brand: "Dia", LastUpdated: t0}})
	first.SetProducts("dia", "7", map[string]Product{"x-7": {ID: "x-7", BranchID: "7", Price: 10, LastUpdated: t0}})
	require.NoError(t, first.Save(store))

	second := NewSnapshot()
	second.SetBranches("dia", map[string]Branch{
		"7": {ID: "7", Brand: "Dia", LastUpdated: t0},
		"8": {ID: "8", Brand: "Dia", LastUpdated: t0},
	})
	second.SetProducts("dia", "7", map[string]Product{"x-7": {ID: "x-7", BranchID: "7", Price: 12, LastUpdated: t0}})
	// NaN has no JSON encoding, so this branch file fails halfway through the save.
	second.SetProducts("dia", "8", map[string]Product{"x-8": {ID: "x-8", BranchID: "8", Price: math.NaN(), LastUpdated: t0}})
	require.Error(t, second.Save(store))

	loaded, err := LoadSnapshot(store)
	require.NoError(t, err)
	assert.Equal(t, first.BranchesOf("dia"), loaded.BranchesOf("dia"))
	assert.Equal(t, first.ProductsOf("dia", "7"), loaded.ProductsOf("dia", "7"))
	assert.Equal(t, []string{"7"}, loaded.BranchIDsWithProducts("dia"))

	leftovers, err := filepath.Glob(store.Path(".staging-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSnapshot_SaveRejectsUnsafeBranchID(t *testing.T) {
	store := newStore(t)

	snap := NewSnapshot()
	snap.SetProducts("dia", "a/b", nil)
	err := snap.Save(store)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"a/b"`)
	assert.NoFileExists(t, store.Path(ProductFile("dia", "a/b")))
}

func TestSnapshot_BrandListOnlyHasBrandsWithBranches(t *testing.T) {
	store := newStore(t)

	snap := NewSnapshot()
	snap.SetBranches("dia", map[string]Branch{"7": {ID: "7", Brand: "Dia"}})
	snap.SetBranches("coto", nil)
	require.NoError(t, snap.Save(store))

	var list []BrandListEntry
	found, err := store.ReadJSON(BrandListFile, &list)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []BrandListEntry{{ID: "dia", Name: "Dia"}}, list)
}

func TestValidBranchID(t *testing.T) {
	for id, want := range map[string]bool{
		"7":    true,
		"a_b":  true,
		"0042": true,
		"":     false,
		"a/b":  false,
		" 7":   false,
		".x":   false,
		"a:b":  false,
		"a\\b": false,
		"a..b": false,
	} {
		assert.Equal(t, want, ValidBranchID(id), "id %q", id)
	}
}

func TestLoadSnapshot_Missing(t *testing.T) {
	snap, err := LoadSnapshot(newStore(t))
	require.NoError(t, err)
	assert.Empty(t, snap.Slugs())
}

func TestLoadSnapshot_Corrupt(t *testing.T) {
	store := newStore(t)
	p := store.Path(BranchFile("dia"))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
	require.NoError(t, os.WriteFile(p, []byte("{not json"), 0o640))

	_, err := LoadSnapshot(store)
	assert.Error(t, err)
}

func TestProductFile_SanitizesBranchID(t *testing.T) {
	assert.Equal(t, "products/dia/a_b.json", ProductFile("dia", "a/b"))
	assert.Equal(t, "products/dia/_.json", ProductFile("dia", " "))
}

func TestWriteBrandList(t *testing.T) {
	store := newStore(t)
	require.NoError(t, WriteBrandList(store, BrandNames(DefaultBrands())))

	var list []BrandListEntry
	found, err := store.ReadJSON(BrandListFile, &list)
	require.NoError(t, err)
	require.True(t, found)

	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"carrefour", "changomas", "coto", "dia", "disco", "jumbo", "vea"}, ids)
}

func TestBrandNames_ExpandsBanners(t *testing.T) {
	names := BrandNames(DefaultBrands())
	assert.Contains(t, names, "Jumbo")
	assert.Contains(t, names, "Vea")
	assert.NotContains(t, names, "Cencosud")
}

func newStoreAt(t *testing.T, root string) *storage.FileStore {
	t.Helper()
	store, err := storage.NewFileStore(storage.FileStoreConfig{Root: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}
