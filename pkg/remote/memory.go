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

package remote

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. Commits are all-or-nothing.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]map[string]Document
	commits     int

	// FailFunc, when set, is consulted before every commit; a non-nil
	// return fails the commit without applying it.
	FailFunc func(collection string, writes []Write) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]Document)}
}

func (m *MemoryStore) Commit(ctx context.Context, collection string, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commits++
	if m.FailFunc != nil {
		if err := m.FailFunc(collection, writes); err != nil {
			return err
		}
	}

	coll := m.collections[collection]
	for _, w := range writes {
		switch w.Op {
		case OpSet, OpDelete:
		case OpUpdate:
			if _, ok := coll[w.ID]; !ok {
				return fmt.Errorf("update %s/%s: %w", collection, w.ID, ErrNotFound)
			}
		default:
			return fmt.Errorf("unknown op %q", w.Op)
		}
	}
	if coll == nil {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	for _, w := range writes {
		switch w.Op {
		case OpSet:
			coll[w.ID] = maps.Clone(w.Doc)
		case OpUpdate:
			merged := maps.Clone(coll[w.ID])
			maps.Copy(merged, w.Doc)
			coll[w.ID] = merged
		case OpDelete:
			delete(coll, w.ID)
		}
	}
	return nil
}

func (m *MemoryStore) IDs(ctx context.Context, collection string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.collections[collection]))
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *MemoryStore) Close(context.Context) error { return nil }

// Get returns a copy of one document.
func (m *MemoryStore) Get(collection, id string) (Document, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.collections[collection][id]
	return maps.Clone(d), ok
}

// Len returns the number of documents in collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collection])
}

// Commits returns the number of Commit calls, failed ones included.
func (m *MemoryStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}
