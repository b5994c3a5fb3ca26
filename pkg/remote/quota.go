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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

// Quota is a write budget shared by all uploads of one run.
type Quota struct {
	limit     int64
	remaining atomic.Int64
}

// NewQuota creates a budget of limit writes. limit <= 0 means unlimited,
// represented by a nil *Quota.
func NewQuota(limit int) *Quota {
	if limit <= 0 {
		return nil
	}
	q := &Quota{limit: int64(limit)}
	q.remaining.Store(int64(limit))
	return q
}

// Take reserves up to n writes and returns how many were granted.
func (q *Quota) Take(n int) int {
	for {
		cur := q.remaining.Load()
		if cur <= 0 {
			return 0
		}
		grant := min(int64(n), cur)
		if q.remaining.CompareAndSwap(cur, cur-grant) {
			return int(grant)
		}
	}
}

// Used returns the number of writes granted so far.
func (q *Quota) Used() int {
	if q == nil {
		return 0
	}
	return int(q.limit - q.remaining.Load())
}

// LoadOverflow reads units deferred by a previous run. A missing file
// yields no units.
func LoadOverflow(path string) ([]Unit, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read overflow: %w", err)
	}
	var units []Unit
	if err := json.Unmarshal(data, &units); err != nil {
		return nil, fmt.Errorf("decode overflow %s: %w", path, err)
	}
	return units, nil
}

// SaveOverflow persists units left for the next run, deferred or failed. With no units the
// file is removed.
func SaveOverflow(path string, units []Unit) error {
	if len(units) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove overflow: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create overflow dir: %w", err)
	}
	data, err := json.Marshal(units)
	if err != nil {
		return fmt.Errorf("encode overflow: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return fmt.Errorf("write overflow: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename overflow: %w", err)
	}
	return nil
}

// CountDocs returns the number of documents across units.
func CountDocs(units []Unit) int {
	n := 0
	for _, u := range units {
		n += len(u.Docs)
	}
	return n
}
