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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserErrorUnwrap(t *testing.T) {
	base := stderrors.New("connection refused")
	err := NewNetworkError("Cannot download feed", "server unreachable", "retry later", base)

	assert.Equal(t, "Cannot download feed: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, CategoryNetwork, err.Category)
	assert.Equal(t, ExitFatal, err.ExitCode)
}

func TestAsUserErrorWrapped(t *testing.T) {
	ue := NewConfigError("Bad config", "", "", nil)
	wrapped := fmt.Errorf("load: %w", ue)

	got := asUserError(wrapped)
	require.NotNil(t, got)
	assert.Same(t, ue, got)

	plain := asUserError(stderrors.New("boom"))
	assert.Equal(t, CategoryInternal, plain.Category)
}

func TestFormat(t *testing.T) {
	color.NoColor = true
	out := Format(NewPermissionError("Cannot write snapshot", "read-only disk", "check permissions", stderrors.New("EACCES")))

	assert.Contains(t, out, "Error: Cannot write snapshot")
	assert.Contains(t, out, "Cause: read-only disk")
	assert.Contains(t, out, "Fix:   check permissions")
	assert.Contains(t, out, "Detail: EACCES")
}
