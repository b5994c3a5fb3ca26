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

package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range order {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestOpenBytesEntries(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"a.csv":     []byte("id\n1\n"),
		"dir/b.csv": []byte("id\n2\n"),
	}, "a.csv", "dir/b.csv")

	a, err := OpenBytes("outer.zip", data)
	require.NoError(t, err)
	defer a.Close()

	var names []string
	for e := range a.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a.csv", "dir/b.csv"}, names)

	e, ok := a.Find(func(e Entry) bool { return e.Base() == "b.csv" })
	require.True(t, ok)
	rc, err := e.Open()
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "id\n2\n", string(body))
}

func TestOpenCorrupt(t *testing.T) {
	_, err := OpenBytes("bad.zip", []byte("not a zip at all"))
	require.Error(t, err)
	assert.True(t, IsContainerError(err))

	_, err = Open(filepath.Join(t.TempDir(), "missing.zip"))
	assert.True(t, IsContainerError(err))
}

func TestNestedInMemory(t *testing.T) {
	inner := buildZip(t, map[string][]byte{"sucursales.csv": []byte("x")}, "sucursales.csv")
	outer := buildZip(t, map[string][]byte{
		"inner.zip": inner,
		"junk.zip":  []byte("garbage"),
	}, "junk.zip", "inner.zip")

	a, err := OpenBytes("outer.zip", outer)
	require.NoError(t, err)
	defer a.Close()

	var opened []string
	var skipped int
	for e := range a.Entries() {
		nested, err := e.OpenArchive(t.TempDir(), 0)
		if err != nil {
			assert.True(t, IsContainerError(err))
			skipped++
			continue
		}
		for ne := range nested.Entries() {
			opened = append(opened, ne.Name)
		}
		require.NoError(t, nested.Close())
	}
	assert.Equal(t, 1, skipped)
	assert.Equal(t, []string{"sucursales.csv"}, opened)
}

func TestNestedSpooled(t *testing.T) {
	inner := buildZip(t, map[string][]byte{"productos.csv": bytes.Repeat([]byte("y"), 4096)}, "productos.csv")
	outer := buildZip(t, map[string][]byte{"inner.zip": inner}, "inner.zip")

	a, err := OpenBytes("outer.zip", outer)
	require.NoError(t, err)
	e, ok := a.Find(func(e Entry) bool { return e.HasSuffix(".ZIP") })
	require.True(t, ok)

	dir := t.TempDir()
	nested, err := e.OpenArchive(dir, 16)
	require.NoError(t, err)

	spooled, _ := filepath.Glob(filepath.Join(dir, "inner-*.zip"))
	require.Len(t, spooled, 1)

	_, ok = nested.Find(func(e Entry) bool { return e.Name == "productos.csv" })
	assert.True(t, ok)

	require.NoError(t, nested.Close())
	_, err = os.Stat(spooled[0])
	assert.True(t, os.IsNotExist(err))
}
