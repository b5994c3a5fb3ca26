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
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/kraklabs/sepasync/pkg/storage"
)

// =============================================================================
// LOCAL SNAPSHOT
// =============================================================================
//
// The snapshot is what the web client reads and what the next run diffs
// against. Layout below the data dir:
//
//	branches/<slug>.json                 []Branch
//	products/<slug>/<branchID>.json      []Product
//	supermarkets_list.json               []BrandListEntry
//
// A run loads the previous snapshot once, treats it as read-only, builds a
// new Snapshot from the change-sets and writes that.

// Snapshot layout paths.
const (
	BranchesDir   = "branches"
	ProductsDir   = "products"
	BrandListFile = "supermarkets_list.json"
)

// Snapshot holds branches and products keyed by brand slug.
type Snapshot struct {
	// Branches maps slug -> branch id -> branch.
	Branches map[string]map[string]Branch

	// Products maps slug -> branch id -> product id -> product.
	Products map[string]map[string]map[string]Product

	mu sync.RWMutex
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Branches: make(map[string]map[string]Branch),
		Products: make(map[string]map[string]map[string]Product),
	}
}

// BranchesOf returns the branches of a brand. The map must not be modified.
func (s *Snapshot) BranchesOf(slug string) map[string]Branch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Branches[slug]
}

// ProductsOf returns the products of one branch. The map must not be modified.
func (s *Snapshot) ProductsOf(slug, branchID string) map[string]Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Products[slug][branchID]
}

// SetBranches replaces the branches of a brand. A nil map stores an empty one.
func (s *Snapshot) SetBranches(slug string, branches map[string]Branch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if branches == nil {
		branches = make(map[string]Branch)
	}
	s.Branches[slug] = branches
}

// SetProducts replaces the products of one branch.
func (s *Snapshot) SetProducts(slug, branchID string, products map[string]Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if products == nil {
		products = make(map[string]Product)
	}
	if s.Products[slug] == nil {
		s.Products[slug] = make(map[string]map[string]Product)
	}
	s.Products[slug][branchID] = products
}

// BranchIDsWithProducts returns the branch ids of a brand that have a product set, sorted.
func (s *Snapshot) BranchIDsWithProducts(slug string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.Products[slug]))
}

// Slugs returns every brand slug with branches or products, sorted.
func (s *Snapshot) Slugs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := make(map[string]struct{})
	for k := range s.Branches {
		set[k] = struct{}{}
	}
	for k := range s.Products {
		set[k] = struct{}{}
	}
	return slices.Sorted(maps.Keys(set))
}

// SnapshotCounts summarizes a snapshot.
type SnapshotCounts struct {
	Brands          int
	Branches        int
	Products        int
	InStockProducts int
}

func (s *Snapshot) Counts() SnapshotCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c SnapshotCounts
	for _, bs := range s.Branches {
		c.Brands++
		c.Branches += len(bs)
	}
	for _, byBranch := range s.Products {
		for _, ps := range byBranch {
			c.Products += len(ps)
			for _, p := range ps {
				if p.Stock {
					c.InStockProducts++
				}
			}
		}
	}
	return c
}

// LoadSnapshot reads the snapshot persisted in store. Missing files yield an
// empty snapshot.
func LoadSnapshot(store *storage.FileStore) (*Snapshot, error) {
	snap := NewSnapshot()

	slugs, err := store.List(BranchesDir, ".json")
	if err != nil {
		return nil, err
	}
	for _, slug := range slugs {
		var list []Branch
		if _, err := store.ReadJSON(path.Join(BranchesDir, slug+".json"), &list); err != nil {
			return nil, fmt.Errorf("load branches %s: %w", slug, err)
		}
		m := make(map[string]Branch, len(list))
		for _, b := range list {
			m[b.ID] = b
		}
		snap.Branches[slug] = m
	}

	brandDirs, err := store.ListDirs(ProductsDir)
	if err != nil {
		return nil, err
	}
	for _, slug := range brandDirs {
		files, err := store.List(path.Join(ProductsDir, slug), ".json")
		if err != nil {
			return nil, err
		}
		byBranch := make(map[string]map[string]Product, len(files))
		for _, f := range files {
			var list []Product
			if _, err := store.ReadJSON(path.Join(ProductsDir, slug, f+".json"), &list); err != nil {
				return nil, fmt.Errorf("load products %s/%s: %w", slug, f, err)
			}
			m := make(map[string]Product, len(list))
			for _, p := range list {
				m[p.ID] = p
			}
			// The file name is the sanitized branch id; the records carry the real one.
			branchID := f
			if len(list) > 0 && list[0].BranchID != "" {
				branchID = list[0].BranchID
			}
			byBranch[branchID] = m
		}
		snap.Products[slug] = byBranch
	}
	return snap, nil
}

// Save writes every brand and branch in the snapshot, including empty ones,
// and the list of brands with at least one branch. Records are sorted by id
// so unchanged data produces identical files.
//
// The tree is built in a staging directory and swapped in whole: when Save
// fails the previous snapshot is left as it was.
func (s *Snapshot) Save(store *storage.FileStore) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stage, err := store.Staging()
	if err != nil {
		return err
	}
	if err := s.writeTo(stage); err != nil {
		_ = stage.Discard()
		return err
	}
	if err := store.Promote(stage, BranchesDir, ProductsDir, BrandListFile); err != nil {
		_ = stage.Discard()
		return err
	}
	return nil
}

func (s *Snapshot) writeTo(store *storage.FileStore) error {
	var names []string
	for _, slug := range slices.Sorted(maps.Keys(s.Branches)) {
		branches := s.Branches[slug]
		list := make([]Branch, 0, len(branches))
		for _, id := range slices.Sorted(maps.Keys(branches)) {
			list = append(list, branches[id])
		}
		if err := store.WriteJSON(BranchFile(slug), list); err != nil {
			return err
		}
		if len(list) > 0 {
			names = append(names, list[0].Brand)
		}
	}
	for slug, byBranch := range s.Products {
		for branchID, products := range byBranch {
			if !ValidBranchID(branchID) {
				return fmt.Errorf("branch id %q of %s cannot name a file", branchID, slug)
			}
			list := make([]Product, 0, len(products))
			for _, id := range slices.Sorted(maps.Keys(products)) {
				list = append(list, products[id])
			}
			if err := store.WriteJSON(ProductFile(slug, branchID), list); err != nil {
				return err
			}
		}
	}
	return WriteBrandList(store, names)
}

// BranchFile is the snapshot path of a brand's branches.
func BranchFile(slug string) string {
	return path.Join(BranchesDir, slug+".json")
}

// ProductFile is the snapshot path of one branch's products.
func ProductFile(slug, branchID string) string {
	return path.Join(ProductsDir, slug, safeName(branchID)+".json")
}

var unsafeChars = strings.NewReplacer("/", "_", "\\", "_", "..", "_", ":", "_")

// ValidBranchID reports whether id can be stored: it must be its own file
// name, so two branches never share a product file.
func ValidBranchID(id string) bool {
	return id != "" && !strings.HasPrefix(id, ".") && safeName(id) == id
}

func safeName(s string) string {
	s = unsafeChars.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

// BrandListEntry is one row of supermarkets_list.json.
type BrandListEntry struct {
	ID   string `json:"id"`
	Name string `json:"nombre"`
}

// WriteBrandList writes the list of brands the client can browse.
func WriteBrandList(store *storage.FileStore, names []string) error {
	seen := make(map[string]bool)
	list := make([]BrandListEntry, 0, len(names))
	for _, n := range names {
		slug := storage.Slug(n)
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		list = append(list, BrandListEntry{ID: slug, Name: n})
	}
	slices.SortFunc(list, func(a, b BrandListEntry) int { return strings.Compare(a.ID, b.ID) })
	return store.WriteJSON(BrandListFile, list)
}

// BrandNames lists the brand names rules can produce: plain brands and the
// banners of conglomerates.
func BrandNames(rules []BrandRule) []string {
	var names []string
	for _, r := range rules {
		if !r.conglomerate() {
			names = append(names, r.Name)
			continue
		}
		for _, b := range r.Banners {
			names = append(names, b.Name)
		}
	}
	return names
}
