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
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(24 * time.Hour)
)

func product(id string, price float64, stock bool, at time.Time) Product {
	return Product{ID: id, Name: "item " + id, Price: price, Stock: stock, BranchID: "1", LastUpdated: at}
}

func productIDs(ps []Product) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	slices.Sort(ids)
	return ids
}

func TestReconcileProducts_Partitions(t *testing.T) {
	prior := map[string]Product{
		"same":    product("same", 10, true, t0),
		"changed": product("changed", 10, true, t0),
		"gone":    product("gone", 10, true, t0),
		"oos":     product("oos", 10, false, t0),
	}
	current := []Product{
		product("same", 10, true, t1),
		product("changed", 12, true, t1),
		product("new", 5, true, t1),
	}

	cs := ReconcileProducts(prior, current, t1)

	assert.Equal(t, []string{"new"}, productIDs(cs.Added))
	assert.Equal(t, []string{"changed"}, productIDs(cs.Updated))
	assert.Equal(t, []string{"gone"}, productIDs(cs.Deactivated))
	assert.Equal(t, []string{"oos", "same"}, cs.Unchanged)

	// Every key of prior ∪ current lands in exactly one set.
	all := append(append(append(productIDs(cs.Added), productIDs(cs.Updated)...), productIDs(cs.Deactivated)...), cs.Unchanged...)
	slices.Sort(all)
	assert.Equal(t, []string{"changed", "gone", "new", "oos", "same"}, all)
	assert.Equal(t, all, slices.Sorted(maps.Keys(cs.Final)))

	assert.Equal(t, t0, cs.Final["same"].LastUpdated, "unchanged keeps prior timestamp")
	assert.Equal(t, t1, cs.Final["changed"].LastUpdated)
	assert.InDelta(t, 12, cs.Final["changed"].Price, 1e-9)
	assert.False(t, cs.Final["gone"].Stock)
	assert.Equal(t, t1, cs.Final["gone"].LastUpdated)
	assert.Equal(t, t0, cs.Final["oos"].LastUpdated)
}

func TestReconcileProducts_DoesNotMutatePrior(t *testing.T) {
	prior := map[string]Product{"a": product("a", 1, true, t0)}
	snapshot := maps.Clone(prior)

	cs := ReconcileProducts(prior, nil, t1)

	require.Len(t, cs.Deactivated, 1)
	assert.Equal(t, snapshot, prior)
	assert.True(t, prior["a"].Stock)
}

func TestReconcileProducts_DeactivationIsIdempotent(t *testing.T) {
	prior := map[string]Product{"a": product("a", 1, true, t0)}

	first := ReconcileProducts(prior, nil, t1)
	require.Len(t, first.Deactivated, 1)

	second := ReconcileProducts(first.Final, nil, t1.Add(24*time.Hour))
	assert.Empty(t, second.Deactivated)
	assert.True(t, second.Empty())
	assert.Equal(t, t1, second.Final["a"].LastUpdated)
}

func TestReconcileProducts_ReactivationIsUpdate(t *testing.T) {
	prior := map[string]Product{"a": product("a", 1, false, t0)}
	cs := ReconcileProducts(prior, []Product{product("a", 1, true, t1)}, t1)
	assert.Equal(t, []string{"a"}, productIDs(cs.Updated))
	assert.True(t, cs.Final["a"].Stock)
}

func TestReconcileProducts_DuplicateFirstWins(t *testing.T) {
	cs := ReconcileProducts(nil, []Product{
		product("a", 1, true, t1),
		product("a", 2, true, t1),
	}, t1)
	require.Len(t, cs.Added, 1)
	assert.InDelta(t, 1, cs.Final["a"].Price, 1e-9)
}

func TestReconcileBranches(t *testing.T) {
	prior := map[string]Branch{
		"1": {ID: "1", Name: "Centro", LastUpdated: t0},
		"2": {ID: "2", Name: "Norte", LastUpdated: t0},
		"3": {ID: "3", Name: "Sur", LastUpdated: t0},
	}
	current := []Branch{
		{ID: "1", Name: "Centro"},
		{ID: "2", Name: "Norte II"},
		{ID: "4", Name: "Oeste"},
	}

	cs := ReconcileBranches(prior, current, t1)

	require.Len(t, cs.Added, 1)
	assert.Equal(t, "4", cs.Added[0].ID)
	require.Len(t, cs.Updated, 1)
	assert.Equal(t, "2", cs.Updated[0].ID)
	assert.Equal(t, []string{"1", "3"}, cs.Unchanged, "absent branches are carried, not removed")
	assert.Len(t, cs.Final, 4)
	assert.Equal(t, t0, cs.Final["1"].LastUpdated)
	assert.Equal(t, t1, cs.Final["4"].LastUpdated)
	assert.Equal(t, "Norte", prior["2"].Name)
}
