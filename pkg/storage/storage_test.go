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

package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(FileStoreConfig{Root: filepath.Join(t.TempDir(), "data")})
	require.NoError(t, err)
	return s
}

func TestFileStoreRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type doc struct {
		ID    string  `json:"id"`
		Price float64 `json:"precio"`
	}
	require.NoError(t, s.WriteJSON("products/dia/12.json", []doc{{ID: "a-12", Price: 9.5}}))

	var got []doc
	found, err := s.ReadJSON("products/dia/12.json", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []doc{{ID: "a-12", Price: 9.5}}, got)

	leftovers, _ := filepath.Glob(s.Path("products/dia/.*tmp-*"))
	assert.Empty(t, leftovers)
}

func TestFileStoreMissing(t *testing.T) {
	s := newTestStore(t)
	var v []int
	found, err := s.ReadJSON("branches/nope.json", &v)
	require.NoError(t, err)
	assert.False(t, found)

	names, err := s.List("branches", ".json")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFileStoreEmptyListIsValidJSON(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteJSON("branches/vea.json", []string{}))

	raw, err := os.ReadFile(s.Path("branches/vea.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestFileStoreList(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteJSON("branches/dia.json", []int{}))
	require.NoError(t, s.WriteJSON("branches/carrefour.json", []int{}))
	require.NoError(t, s.WriteJSON("products/dia/1.json", []int{}))

	names, err := s.List("branches", ".json")
	require.NoError(t, err)
	assert.Equal(t, []string{"carrefour", "dia"}, names)

	dirs, err := s.ListDirs("products")
	require.NoError(t, err)
	assert.Equal(t, []string{"dia"}, dirs)
}

func TestFileStoreCorrupt(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.Path("branches"), 0750))
	require.NoError(t, os.WriteFile(s.Path("branches/dia.json"), []byte("{not json"), 0640))

	var v []int
	found, err := s.ReadJSON("branches/dia.json", &v)
	assert.True(t, found)
	assert.Error(t, err)
}

func TestFileStoreClosed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())
	assert.Error(t, s.WriteJSON("x.json", 1))
}

func TestPromoteReplacesEntries(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteJSON("branches/dia.json", []string{"old"}))
	require.NoError(t, s.WriteJSON("products/dia/1.json", []string{"old"}))
	require.NoError(t, s.WriteJSON("products/dia/2.json", []string{"old"}))
	require.NoError(t, s.WriteJSON("keep.json", []string{"untouched"}))

	stage, err := s.Staging()
	require.NoError(t, err)
	require.NoError(t, stage.WriteJSON("branches/dia.json", []string{"new"}))
	require.NoError(t, stage.WriteJSON("products/dia/1.json", []string{"new"}))
	require.NoError(t, stage.WriteJSON("list.json", []string{"new"}))

	require.NoError(t, s.Promote(stage, "branches", "products", "list.json", "absent"))

	var got []string
	_, err = s.ReadJSON("products/dia/1.json", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, got)
	assert.NoFileExists(t, s.Path("products/dia/2.json"), "the whole directory is replaced")
	assert.FileExists(t, s.Path("list.json"))
	assert.FileExists(t, s.Path("keep.json"))
	assert.NoDirExists(t, stage.Root())
}

func TestPromoteRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.WriteJSON("branches/dia.json", []string{"old"}))
	require.NoError(t, s.WriteJSON("products/dia/1.json", []string{"old"}))

	stage, err := s.Staging()
	require.NoError(t, err)
	require.NoError(t, stage.WriteJSON("branches/dia.json", []string{"new"}))
	require.NoError(t, stage.WriteJSON("products/dia/1.json", []string{"new"}))
	// A non-empty directory where the live products would be moved aside
	// makes the second rename fail after the first succeeded.
	require.NoError(t, stage.WriteJSON(".previous/products/blocker.json", []string{}))

	err = s.Promote(stage, "branches", "products")
	require.Error(t, err)

	var got []string
	_, err = s.ReadJSON("branches/dia.json", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, got, "already promoted entries are put back")
	_, err = s.ReadJSON("products/dia/1.json", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, got)
	require.NoError(t, stage.Discard())
}

func TestStagingRemovesLeftovers(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Staging()
	require.NoError(t, err)
	require.NoError(t, first.WriteJSON("branches/dia.json", []string{}))

	second, err := s.Staging()
	require.NoError(t, err)
	assert.NoDirExists(t, first.Root())
	assert.DirExists(t, second.Root())
	assert.Equal(t, s.Root(), filepath.Dir(second.Root()))
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "carrefour", Slug("Carrefour"))
	assert.Equal(t, "changomas", Slug("Chango Más"))
	assert.Equal(t, "dia", Slug("Día"))
	assert.Equal(t, "", Slug("---"))
}

func TestExportSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "catalog.db")
	tables := []Table{{
		Name:    "products",
		Columns: []Column{{Name: "id"}, {Name: "price", Type: "REAL"}, {Name: "stock", Type: "INTEGER"}},
		Rows:    [][]any{{"a-1", 10.5, 1}, {"b-1", 3.25, 0}},
		Indexes: []string{"price"},
	}}
	require.NoError(t, ExportSQLite(context.Background(), path, tables))
	// Re-export replaces the table rather than appending.
	require.NoError(t, ExportSQLite(context.Background(), path, tables))

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM products`).Scan(&n))
	assert.Equal(t, 2, n)

	var price float64
	require.NoError(t, db.QueryRow(`SELECT price FROM products WHERE id = ?`, "a-1").Scan(&price))
	assert.Equal(t, 10.5, price)
}

func TestExportSQLiteRowWidth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	err := ExportSQLite(context.Background(), path, []Table{{
		Name:    "t",
		Columns: []Column{{Name: "a"}, {Name: "b"}},
		Rows:    [][]any{{"only-one"}},
	}})
	assert.Error(t, err)
}
