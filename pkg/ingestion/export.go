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
	"context"
	"maps"
	"slices"
	"time"

	"github.com/kraklabs/sepasync/pkg/storage"
)

// ExportCatalog writes snap as two SQLite tables, branches and products,
// replacing any previous export at path.
func ExportCatalog(ctx context.Context, path string, snap *Snapshot) error {
	branches := storage.Table{
		Name: "branches",
		Columns: []storage.Column{
			{Name: "brand_slug"}, {Name: "id_sucursal"}, {Name: "marca"},
			{Name: "nombre_sucursal"}, {Name: "direccion_sucursal"},
			{Name: "provincia"}, {Name: "localidad"},
			{Name: "latitud", Type: "REAL"}, {Name: "longitud", Type: "REAL"},
			{Name: "ultima_actualizacion"},
		},
		Indexes: []string{"brand_slug"},
	}
	products := storage.Table{
		Name: "products",
		Columns: []storage.Column{
			{Name: "brand_slug"}, {Name: "sucursal_id"}, {Name: "id"}, {Name: "ean"},
			{Name: "nombre"}, {Name: "marca_producto"}, {Name: "precio", Type: "REAL"},
			{Name: "cantidad_presentacion"}, {Name: "unidad_medida_presentacion"},
			{Name: "stock", Type: "INTEGER"}, {Name: "ultima_actualizacion"},
		},
		Indexes: []string{"sucursal_id", "ean"},
	}

	for _, slug := range snap.Slugs() {
		bs := snap.BranchesOf(slug)
		for _, id := range slices.Sorted(maps.Keys(bs)) {
			b := bs[id]
			branches.Rows = append(branches.Rows, []any{
				slug, b.ID, b.Brand, b.Name, b.Address, b.Province, b.Locality,
				b.Latitude, b.Longitude, b.LastUpdated.UTC().Format(time.RFC3339),
			})
		}
		for _, branchID := range snap.BranchIDsWithProducts(slug) {
			ps := snap.ProductsOf(slug, branchID)
			for _, id := range slices.Sorted(maps.Keys(ps)) {
				pr := ps[id]
				stock := 0
				if pr.Stock {
					stock = 1
				}
				products.Rows = append(products.Rows, []any{
					slug, branchID, pr.ID, pr.EAN, pr.Name, pr.Brand, pr.Price,
					pr.Quantity, pr.Unit, stock, pr.LastUpdated.UTC().Format(time.RFC3339),
				})
			}
		}
	}
	return storage.ExportSQLite(ctx, path, []storage.Table{branches, products})
}
