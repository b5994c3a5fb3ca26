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
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLog_AppendAndTail(t *testing.T) {
	dir := t.TempDir()
	for i := range 5 {
		require.NoError(t, AppendRunLog(dir, RunLogEntry{RunID: fmt.Sprint(i), Products: i}))
	}

	all, err := ReadRunLog(dir, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	last, err := ReadRunLog(dir, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "3", last[0].RunID)
	assert.Equal(t, "4", last[1].RunID)
}

func TestRunLog_SkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, AppendRunLog(dir, RunLogEntry{RunID: "a"}))
	f, err := os.OpenFile(filepath.Join(dir, RunLogFile), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("garbage\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, AppendRunLog(dir, RunLogEntry{RunID: "b", Error: "boom"}))

	entries, err := ReadRunLog(dir, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "boom", entries[1].Error)
}

func TestRunLog_Missing(t *testing.T) {
	entries, err := ReadRunLog(t.TempDir(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoError(t, AppendRunLog("", RunLogEntry{}))
}
