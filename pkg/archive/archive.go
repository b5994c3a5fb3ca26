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

// Package archive walks ZIP containers, including containers nested inside
// another container's members, without extracting everything to disk.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// DefaultMaxInMemory is the largest nested member read fully into memory.
// Larger members are spooled to a temporary file.
const DefaultMaxInMemory = 64 << 20

// ContainerError reports a corrupt or unreadable container or member.
// It is recoverable: callers skip the member and keep walking.
type ContainerError struct {
	Name string
	Err  error
}

func (e *ContainerError) Error() string {
	return fmt.Sprintf("archive %s: %v", e.Name, e.Err)
}

func (e *ContainerError) Unwrap() error { return e.Err }

// IsContainerError reports whether err is a recoverable container failure.
func IsContainerError(err error) bool {
	var ce *ContainerError
	return errors.As(err, &ce)
}

// Archive is an open ZIP container.
type Archive struct {
	name   string
	zr     *zip.Reader
	closer io.Closer
	spool  string
}

// Open opens the container at path.
func Open(p string) (*Archive, error) {
	rc, err := zip.OpenReader(p)
	if err != nil {
		return nil, &ContainerError{Name: p, Err: err}
	}
	return &Archive{name: p, zr: &rc.Reader, closer: rc}, nil
}

// OpenBytes opens a container held in memory.
func OpenBytes(name string, data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &ContainerError{Name: name, Err: err}
	}
	return &Archive{name: name, zr: zr}, nil
}

func (a *Archive) Name() string { return a.name }

// Close releases the container and removes any spool file backing it.
func (a *Archive) Close() error {
	var errs []error
	if a.closer != nil {
		errs = append(errs, a.closer.Close())
		a.closer = nil
	}
	if a.spool != "" {
		if err := os.Remove(a.spool); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		a.spool = ""
	}
	return errors.Join(errs...)
}

// Entries yields the container's file members in directory order.
// Directory entries are skipped.
func (a *Archive) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, f := range a.zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			if !yield(Entry{Name: f.Name, Size: int64(f.UncompressedSize64), file: f, parent: a.name}) {
				return
			}
		}
	}
}

// Find returns the first entry accepted by match.
func (a *Archive) Find(match func(Entry) bool) (Entry, bool) {
	for e := range a.Entries() {
		if match(e) {
			return e, true
		}
	}
	return Entry{}, false
}

// Entry describes one member of a container.
type Entry struct {
	Name string
	Size int64

	file   *zip.File
	parent string
}

// Base returns the member's file name without directories.
func (e Entry) Base() string { return path.Base(e.Name) }

// HasSuffix reports whether the member name ends in suffix, ignoring case.
func (e Entry) HasSuffix(suffix string) bool {
	return strings.HasSuffix(strings.ToLower(e.Name), strings.ToLower(suffix))
}

// Open returns a stream over the member's decompressed bytes.
func (e Entry) Open() (io.ReadCloser, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, &ContainerError{Name: e.parent + "!" + e.Name, Err: err}
	}
	return rc, nil
}

// OpenArchive opens the member as a nested container. Members up to
// maxInMemory bytes are decompressed into memory; larger ones are spooled
// into tempDir and the spool file is removed when the returned Archive is
// closed.
func (e Entry) OpenArchive(tempDir string, maxInMemory int64) (*Archive, error) {
	name := e.parent + "!" + e.Name
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	if maxInMemory <= 0 {
		maxInMemory = DefaultMaxInMemory
	}
	if e.Size <= maxInMemory {
		data, err := io.ReadAll(io.LimitReader(rc, maxInMemory+1))
		if err != nil {
			return nil, &ContainerError{Name: name, Err: err}
		}
		return OpenBytes(name, data)
	}

	f, err := os.CreateTemp(tempDir, "inner-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	spool := f.Name()
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		_ = os.Remove(spool)
		return nil, &ContainerError{Name: name, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(spool)
		return nil, fmt.Errorf("close spool file: %w", err)
	}

	a, err := Open(spool)
	if err != nil {
		_ = os.Remove(spool)
		return nil, &ContainerError{Name: name, Err: errors.Unwrap(err)}
	}
	a.name = name
	a.spool = spool
	return a, nil
}
