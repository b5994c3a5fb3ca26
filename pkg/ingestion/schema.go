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

// Schema of the snapshot entities and the canonical column names the feed is
// mapped onto.
//
// Feed files (sucursales.csv, productos.csv) come from hundreds of retailers
// with their own header spellings; every spelling in Synonyms is mapped onto
// the canonical name before any other stage sees the row.
//
// All IDs are deterministic and stable across re-runs.

import (
	"time"

	"github.com/kraklabs/sepasync/pkg/tabular"
)

// Canonical column names.
const (
	ColCommerceID    = "id_comercio"
	ColBranchID      = "id_sucursal"
	ColBannerID      = "id_bandera"
	ColCUIT          = "comercio_cuit"
	ColLegalName     = "comercio_razon_social"
	ColLatitude      = "sucursales_latitud"
	ColLongitude     = "sucursales_longitud"
	ColBranchName    = "sucursal_nombre"
	ColBranchAddress = "sucursal_direccion"
	ColProvince      = "sucursales_provincia"
	ColLocality      = "sucursales_localidad"

	ColProductID   = "id_producto"
	ColDescription = "productos_descripcion"
	ColPrice       = "productos_precio_lista"
	ColEAN         = "productos_ean"
	ColBrand       = "productos_marca"
	ColQuantity    = "productos_cantidad_presentacion"
	ColUnit        = "productos_unidad_medida_presentacion"
)

// Synonyms lists the header spellings observed in the feed for each canonical column.
func Synonyms() tabular.SynonymTable {
	return tabular.SynonymTable{
		ColCommerceID:    {"id_comercio", "id"},
		ColBranchID:      {"id_sucursal", "sucursal_id"},
		ColBannerID:      {"id_bandera", "bandera_id"},
		ColCUIT:          {"comercio_cuit", "cuit"},
		ColLegalName:     {"comercio_razon_social", "razon_social", "razon social"},
		ColLatitude:      {"sucursales_latitud", "latitud"},
		ColLongitude:     {"sucursales_longitud", "longitud"},
		ColBranchName:    {"sucursal_nombre", "sucursales_nombre", "nombre"},
		ColBranchAddress: {"sucursal_direccion", "sucursales_direccion", "direccion"},
		ColProvince:      {"sucursales_provincia", "provincia"},
		ColLocality:      {"sucursales_localidad", "localidad"},
		ColProductID:     {"id_producto", "producto_id"},
		ColDescription:   {"productos_descripcion", "descripcion", "producto_nombre"},
		ColPrice:         {"productos_precio_lista", "precio_lista", "precio"},
		ColEAN:           {"productos_ean", "ean"},
		ColBrand:         {"productos_marca", "marca_producto", "marca"},
		ColQuantity:      {"productos_cantidad_presentacion", "cantidad_presentacion"},
		ColUnit:          {"productos_unidad_medida_presentacion", "unidad_medida_presentacion"},
	}
}

// Branch is one physical store of a recognized brand.
type Branch struct {
	ID          string    `json:"id_sucursal"`
	CommerceID  string    `json:"comercio_id"`
	CUIT        string    `json:"comercio_cuit"`
	LegalName   string    `json:"comercio_razon_social"`
	Name        string    `json:"nombre_sucursal"`
	Address     string    `json:"direccion_sucursal"`
	Province    string    `json:"provincia"`
	Locality    string    `json:"localidad"`
	Latitude    float64   `json:"latitud"`
	Longitude   float64   `json:"longitud"`
	Brand       string    `json:"marca"`
	LastUpdated time.Time `json:"ultima_actualizacion"`
}

// Product is one article offered at one branch. ID is "<uniqueKey>-<branchID>".
type Product struct {
	ID          string    `json:"id"`
	EAN         string    `json:"ean"`
	Name        string    `json:"nombre"`
	Brand       string    `json:"marca_producto"`
	Price       float64   `json:"precio"`
	Quantity    string    `json:"cantidad_presentacion"`
	Unit        string    `json:"unidad_medida_presentacion"`
	Supermarket string    `json:"supermercado_marca"`
	BranchID    string    `json:"sucursal_id"`
	Stock       bool      `json:"stock"`
	LastUpdated time.Time `json:"ultima_actualizacion"`
}

// sameBranch reports whether the fields that trigger an update are equal.
func sameBranch(a, b Branch) bool {
	return a.Name == b.Name &&
		a.Address == b.Address &&
		a.Latitude == b.Latitude &&
		a.Longitude == b.Longitude &&
		a.LegalName == b.LegalName &&
		a.Province == b.Province &&
		a.Locality == b.Locality
}

func sameProduct(a, b Product) bool {
	return a.Price == b.Price &&
		a.Stock == b.Stock &&
		a.Name == b.Name &&
		a.EAN == b.EAN &&
		a.Brand == b.Brand &&
		a.Quantity == b.Quantity &&
		a.Unit == b.Unit
}
