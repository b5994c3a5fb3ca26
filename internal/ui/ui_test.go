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

package ui

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestCountText(t *testing.T) {
	color.NoColor = true
	assert.Equal(t, "0", CountText(0))
	assert.Equal(t, "42", CountText(int64(42)))
}

func TestInitColorsNoColor(t *testing.T) {
	color.NoColor = false
	InitColors(true)
	assert.True(t, color.NoColor)
}

func TestUnderline(t *testing.T) {
	assert.Equal(t, "-----", underline(5))
	assert.Equal(t, "", underline(0))
}
