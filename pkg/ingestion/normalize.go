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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kraklabs/sepasync/pkg/tabular"
)

// Product defaults applied when the feed leaves a column empty.
const (
	DefaultProductBrand = "Sin Marca"
	DefaultQuantity     = "1"
	DefaultUnit         = "unidad"
)

// Row rejection reasons.
var (
	ErrMissingDescription = errors.New("missing description")
	ErrMissingPrice       = errors.New("missing price")
	ErrInvalidPrice       = errors.New("invalid price")
)

// Normalizer shapes accepted rows into Branch and Product records. Now is
// captured once per run so every record of the run shares one timestamp.
type Normalizer struct {
	Now time.Time
}

// Branch never rejects: missing fields stay empty or zero.
func (n Normalizer) Branch(brand string, row tabular.Row) Branch {
	return Branch{
		ID:          row.Get(ColBranchID),
		CommerceID:  row.Get(ColCommerceID),
		CUIT:        row.Get(ColCUIT),
		LegalName:   row.Get(ColLegalName),
		Name:        row.Get(ColBranchName),
		Address:     row.Get(ColBranchAddress),
		Province:    row.Get(ColProvince),
		Locality:    row.Get(ColLocality),
		Latitude:    parseCoord(row.Get(ColLatitude)),
		Longitude:   parseCoord(row.Get(ColLongitude)),
		Brand:       brand,
		LastUpdated: n.Now,
	}
}

// Product builds the product record for row at branchID.
func (n Normalizer) Product(brand, branchID string, row tabular.Row) (Product, error) {
	desc := row.Get(ColDescription)
	if desc == "" {
		return Product{}, ErrMissingDescription
	}
	rawPrice := row.Get(ColPrice)
	if rawPrice == "" {
		return Product{}, ErrMissingPrice
	}
	price, err := ParsePrice(rawPrice)
	if err != nil {
		return Product{}, err
	}

	ean := SanitizeEAN(row.Get(ColEAN))
	p := Product{
		EAN:         ean,
		Name:        desc,
		Brand:       orDefault(row.Get(ColBrand), DefaultProductBrand),
		Price:       price,
		Quantity:    orDefault(row.Get(ColQuantity), DefaultQuantity),
		Unit:        orDefault(row.Get(ColUnit), DefaultUnit),
		Supermarket: brand,
		BranchID:    branchID,
		Stock:       true,
		LastUpdated: n.Now,
	}
	p.ID = ProductKey(row.Get(ColProductID), ean, desc, row.Get(ColBrand), row.Get(ColQuantity), row.Get(ColUnit)) + "-" + branchID
	return p, nil
}

// ProductKey derives the per-product unique key: the internal id when
// non-zero, else the EAN when non-zero, else a content hash.
func ProductKey(internalID, ean, desc, brand, qty, unit string) string {
	if id := strings.TrimSpace(internalID); id != "" && !isZero(id) {
		return id
	}
	if ean = SanitizeEAN(ean); ean != "" && !isZero(ean) {
		return ean
	}
	return FallbackKey(desc, brand, qty, unit)
}

// FallbackKey hashes the descriptive fields into a fixed-length key. Empty
// fields are replaced by placeholders so they cannot shift into neighbours.
func FallbackKey(desc, brand, qty, unit string) string {
	src := fmt.Sprintf("%s - %s - %s - %s",
		orDefault(desc, "NODESC"),
		orDefault(brand, "NOMARCA"),
		orDefault(qty, "NOQTY"),
		orDefault(unit, "NOUNIT"),
	)
	sum := sha256.Sum256([]byte(src))
	return hex.EncodeToString(sum[:])[:16]
}

// SanitizeEAN keeps only the digits of a barcode.
func SanitizeEAN(s string) string {
	s = strings.TrimSpace(s)
	// Spreadsheet exports sometimes render barcodes as floats.
	if strings.HasSuffix(s, ".0") {
		s = strings.TrimSuffix(s, ".0")
	}
	return digitsOnly(s)
}

// ParsePrice parses a price that may use either comma or dot as decimal
// separator. The last separator present is the decimal one; any earlier
// separators are grouping. The result is rounded to two decimals and must
// be positive.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return 0, ErrMissingPrice
	}

	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')
	switch {
	case lastComma > lastDot:
		s = strings.ReplaceAll(s[:lastComma], ".", "") + "." + s[lastComma+1:]
		s = strings.ReplaceAll(s, ",", "")
	case lastDot > lastComma && lastComma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPrice, s)
	}
	d = d.Round(2)
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: %s is not positive", ErrInvalidPrice, d.String())
	}
	f, _ := d.Float64()
	return f, nil
}

func parseCoord(s string) float64 {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func isZero(s string) bool {
	return strings.Trim(s, "0") == ""
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}
