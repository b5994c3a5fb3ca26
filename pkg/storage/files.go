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

// Package storage persists pipeline output: JSON documents under a data
// directory and an optional SQLite catalog.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore reads and writes JSON documents below a root directory.
// Writes are atomic: a temp file in the target directory is renamed over
// the destination.
type FileStore struct {
	root   string
	mu     sync.RWMutex
	closed bool
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Root is the data directory. Defaults to ~/.sepasync/data.
	Root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.Root = filepath.Join(home, ".sepasync", "data")
	}
	if err := os.MkdirAll(cfg.Root, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{root: cfg.Root}, nil
}

func (s *FileStore) Root() string { return s.root }

// Path resolves rel against the root.
func (s *FileStore) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Close marks the store closed; later calls fail.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// WriteJSON encodes v to rel, creating parent directories.
func (s *FileStore) WriteJSON(rel string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	dst := s.Path(rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	return writeAtomic(dst, data)
}

// ReadJSON decodes rel into v. found is false when the file does not exist.
func (s *FileStore) ReadJSON(rel string, v any) (found bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, fmt.Errorf("store is closed")
	}

	data, err := os.ReadFile(s.Path(rel))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", rel, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", rel, err)
	}
	return true, nil
}

// List returns the names (without ext) of files in relDir ending in ext,
// sorted. A missing directory yields no names.
func (s *FileStore) List(relDir, ext string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.Path(relDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", relDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// ListDirs returns the sorted subdirectory names of relDir.
func (s *FileStore) ListDirs(relDir string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.Path(relDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", relDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// stagingPrefix names the hidden directories Staging creates below a root.
const stagingPrefix = ".staging-"

// Staging creates an empty store in a hidden directory below the root, for
// building a tree that Promote later moves into place. Directories left by
// interrupted stagings are removed first.
func (s *FileStore) Staging() (*FileStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	leftovers, _ := filepath.Glob(filepath.Join(s.root, stagingPrefix+"*"))
	for _, dir := range leftovers {
		_ = os.RemoveAll(dir)
	}
	dir, err := os.MkdirTemp(s.root, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return &FileStore{root: dir}, nil
}

// Discard deletes a staging store and everything in it.
func (s *FileStore) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return os.RemoveAll(s.root)
}

// Promote replaces the top-level entries names of s with those built in
// staged, then discards staged. Names staged lacks are left alone. If a
// rename fails, entries already replaced are put back, so s holds either
// every new entry or none.
func (s *FileStore) Promote(staged *FileStore, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}

	backup := filepath.Join(staged.root, ".previous")
	if err := os.MkdirAll(backup, 0750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	type swap struct {
		live, next, prev string
		hadPrev          bool
	}
	var done []swap
	undo := func() {
		for i := len(done) - 1; i >= 0; i-- {
			sw := done[i]
			_ = os.Rename(sw.live, sw.next)
			if sw.hadPrev {
				_ = os.Rename(sw.prev, sw.live)
			}
		}
	}

	for _, name := range names {
		sw := swap{
			live: s.Path(name),
			next: staged.Path(name),
			prev: filepath.Join(backup, filepath.FromSlash(name)),
		}
		if _, err := os.Lstat(sw.next); errors.Is(err, os.ErrNotExist) {
			continue
		}
		err := os.Rename(sw.live, sw.prev)
		switch {
		case err == nil:
			sw.hadPrev = true
		case !errors.Is(err, os.ErrNotExist):
			undo()
			return fmt.Errorf("move aside %s: %w", name, err)
		}
		if err := os.Rename(sw.next, sw.live); err != nil {
			if sw.hadPrev {
				_ = os.Rename(sw.prev, sw.live)
			}
			undo()
			return fmt.Errorf("promote %s: %w", name, err)
		}
		done = append(done, sw)
	}
	// The next Staging call removes what a failed discard leaves.
	_ = staged.Discard()
	return nil
}

func writeAtomic(dst string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", dst, err)
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

// Slug returns the filesystem-safe lower-cased form of a brand name:
// ASCII letters and digits only.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}
