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
	"time"
)

// BranchChangeSet partitions one brand's branches against the prior snapshot.
// Final is the snapshot to persist: prior entries, new entries and updated
// entries. Branches missing from the current run are carried over unchanged.
type BranchChangeSet struct {
	Added     []Branch
	Updated   []Branch
	Unchanged []string
	Final     map[string]Branch
}

// ProductChangeSet partitions one (brand, branch) product set against the
// prior snapshot.
type ProductChangeSet struct {
	Added       []Product
	Updated     []Product
	Deactivated []Product
	Unchanged   []string
	Final       map[string]Product
}

// Empty reports whether nothing needs to be pushed.
func (c *ProductChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Deactivated) == 0
}

func (c *BranchChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0
}

// ReconcileBranches diffs current against prior. prior is not modified.
// Duplicate ids in current keep the first occurrence.
func ReconcileBranches(prior map[string]Branch, current []Branch, now time.Time) *BranchChangeSet {
	cs := &BranchChangeSet{Final: maps.Clone(prior)}
	if cs.Final == nil {
		cs.Final = make(map[string]Branch, len(current))
	}

	seen := make(map[string]struct{}, len(current))
	for _, b := range current {
		if _, dup := seen[b.ID]; dup {
			continue
		}
		seen[b.ID] = struct{}{}

		old, exists := prior[b.ID]
		switch {
		case !exists:
			b.LastUpdated = now
			cs.Added = append(cs.Added, b)
			cs.Final[b.ID] = b
		case !sameBranch(old, b):
			b.LastUpdated = now
			cs.Updated = append(cs.Updated, b)
			cs.Final[b.ID] = b
		default:
			cs.Unchanged = append(cs.Unchanged, b.ID)
		}
	}
	for id := range prior {
		if _, ok := seen[id]; !ok {
			cs.Unchanged = append(cs.Unchanged, id)
		}
	}
	slices.Sort(cs.Unchanged)
	return cs
}

// ReconcileProducts diffs one branch's current products against the prior
// products of that branch. Prior products missing from current are
// deactivated unless already out of stock. prior is not modified and
// duplicate ids in current keep the first occurrence.
func ReconcileProducts(prior map[string]Product, current []Product, now time.Time) *ProductChangeSet {
	cs := &ProductChangeSet{Final: maps.Clone(prior)}
	if cs.Final == nil {
		cs.Final = make(map[string]Product, len(current))
	}

	seen := make(map[string]struct{}, len(current))
	for _, p := range current {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}

		old, exists := prior[p.ID]
		switch {
		case !exists:
			p.LastUpdated = now
			cs.Added = append(cs.Added, p)
			cs.Final[p.ID] = p
		case !sameProduct(old, p):
			p.LastUpdated = now
			cs.Updated = append(cs.Updated, p)
			cs.Final[p.ID] = p
		default:
			cs.Unchanged = append(cs.Unchanged, p.ID)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(prior)) {
		if _, ok := seen[id]; ok {
			continue
		}
		old := prior[id]
		if !old.Stock {
			cs.Unchanged = append(cs.Unchanged, id)
			continue
		}
		old.Stock = false
		old.LastUpdated = now
		cs.Deactivated = append(cs.Deactivated, old)
		cs.Final[id] = old
	}
	slices.Sort(cs.Unchanged)
	return cs
}
