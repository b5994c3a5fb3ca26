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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/sepasync/pkg/tabular"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1.234,56", 1234.56},
		{"1,234.56", 1234.56},
		{"1234,5", 1234.5},
		{"99.9", 99.9},
		{"$ 10", 10},
		{"0,005", 0.01},
		{"1.234.567,891", 1234567.89},
	}
	for _, tt := range tests {
		got, err := ParsePrice(tt.in)
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9, tt.in)
	}
}

func TestParsePrice_Rejects(t *testing.T) {
	for _, in := range []string{"abc", "0", "0,00", "-5", "1,2,3x"} {
		_, err := ParsePrice(in)
		assert.ErrorIs(t, err, ErrInvalidPrice, in)
	}
	_, err := ParsePrice("  ")
	assert.ErrorIs(t, err, ErrMissingPrice)
}

func TestProductKey(t *testing.T) {
	assert.Equal(t, "A123", ProductKey("A123", "7790001", "x", "", "", ""))
	assert.Equal(t, "7790001", ProductKey("000", "7790001", "x", "", "", ""))
	assert.Equal(t, "7790001", ProductKey("", "7790001.0", "x", "", "", ""))

	key := ProductKey("0", "0000", "Leche", "La Serenisima", "1", "lt")
	assert.Len(t, key, 16)
	assert.Equal(t, key, FallbackKey("Leche", "La Serenisima", "1", "lt"))
}

func TestFallbackKey_Deterministic(t *testing.T) {
	a := FallbackKey("Yerba", "", "500", "gr")
	b := FallbackKey("Yerba", "", "500", "gr")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, FallbackKey("Yerba", "500", "", "gr"))
	assert.NotEqual(t, a, FallbackKey("Yerba", "NOMARCA", "500", "grs"))
}

func TestSanitizeEAN(t *testing.T) {
	assert.Equal(t, "7790895000997", SanitizeEAN(" 7790895000997 "))
	assert.Equal(t, "7790895000997", SanitizeEAN("7790895000997.0"))
	assert.Equal(t, "123", SanitizeEAN("12-3"))
	assert.Equal(t, "", SanitizeEAN(""))
}

func TestNormalizer_Product(t *testing.T) {
	now := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	n := Normalizer{Now: now}

	row := tabular.Row{
		ColProductID:   "P-1",
		ColEAN:         "7790001",
		ColDescription: "Arroz largo fino",
		ColPrice:       "1.234,56",
		ColQuantity:    "",
		ColUnit:        "",
	}
	p, err := n.Product("Dia", "77", row)
	require.NoError(t, err)
	assert.Equal(t, "P-1-77", p.ID)
	assert.Equal(t, "7790001", p.EAN)
	assert.InDelta(t, 1234.56, p.Price, 1e-9)
	assert.Equal(t, DefaultProductBrand, p.Brand)
	assert.Equal(t, DefaultQuantity, p.Quantity)
	assert.Equal(t, DefaultUnit, p.Unit)
	assert.Equal(t, "Dia", p.Supermarket)
	assert.Equal(t, "77", p.BranchID)
	assert.True(t, p.Stock)
	assert.Equal(t, now, p.LastUpdated)
}

func TestNormalizer_ProductRejects(t *testing.T) {
	n := Normalizer{Now: time.Now()}

	_, err := n.Product("Dia", "1", tabular.Row{ColPrice: "10"})
	assert.ErrorIs(t, err, ErrMissingDescription)

	_, err = n.Product("Dia", "1", tabular.Row{ColDescription: "x"})
	assert.ErrorIs(t, err, ErrMissingPrice)

	_, err = n.Product("Dia", "1", tabular.Row{ColDescription: "x", ColPrice: "abc"})
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = n.Product("Dia", "1", tabular.Row{ColDescription: "x", ColPrice: "0"})
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestNormalizer_BranchNeverRejects(t *testing.T) {
	now := time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	b := Normalizer{Now: now}.Branch("Coto", tabular.Row{
		ColBranchID:  "12",
		ColLatitude:  "-34,6037",
		ColLongitude: "not a number",
	})
	assert.Equal(t, "12", b.ID)
	assert.Equal(t, "Coto", b.Brand)
	assert.InDelta(t, -34.6037, b.Latitude, 1e-9)
	assert.Zero(t, b.Longitude)
	assert.Empty(t, b.Name)
	assert.Equal(t, now, b.LastUpdated)
}
