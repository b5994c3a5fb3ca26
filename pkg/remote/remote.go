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

// Package remote pushes change-sets to a hierarchical document store in
// bounded, retried, time-limited batches.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Op is the kind of write applied to a document.
type Op string

const (
	// OpSet creates or overwrites the document.
	OpSet Op = "set"
	// OpUpdate merges fields into an existing document; a missing document
	// fails the batch.
	OpUpdate Op = "update"
	// OpDelete removes the document.
	OpDelete Op = "delete"
)

// Document is one record to push.
type Document map[string]any

// Write is one document operation inside a batch.
type Write struct {
	Op  Op
	ID  string
	Doc Document
}

// Store is a document store that commits batches of writes. A batch either
// commits or returns an error.
type Store interface {
	Commit(ctx context.Context, collection string, writes []Write) error
	// IDs returns up to limit document ids from collection.
	IDs(ctx context.Context, collection string, limit int) ([]string, error)
	Close(ctx context.Context) error
}

// Store errors. ErrUnavailable and ErrAborted are transient.
var (
	ErrNotFound    = errors.New("document not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrAborted     = errors.New("write aborted")
)

// IsRetryable reports whether a commit error is worth retrying.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrAborted):
		return true
	}
	return false
}

// BranchesPath is the collection holding a brand's branches.
func BranchesPath(brandSlug string) string {
	return "supermarkets/" + brandSlug + "/branches"
}

// ProductsPath is the collection holding one branch's products.
func ProductsPath(brandSlug, branchID string) string {
	return BranchesPath(brandSlug) + "/" + branchID + "/products"
}

// CollectionName flattens a hierarchical path into a flat collection name.
func CollectionName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

// docID extracts a usable identity from doc[field]. Strings must be
// non-empty; integral numbers are formatted; anything else is rejected.
func docID(doc Document, field string) (string, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return "", fmt.Errorf("missing %s", field)
	}
	switch id := v.(type) {
	case string:
		if strings.TrimSpace(id) == "" {
			return "", fmt.Errorf("empty %s", field)
		}
		if strings.Contains(id, "/") {
			return "", fmt.Errorf("%s %q contains a path separator", field, id)
		}
		return id, nil
	case int:
		return fmt.Sprint(id), nil
	case int64:
		return fmt.Sprint(id), nil
	case float64:
		if id != float64(int64(id)) {
			return "", fmt.Errorf("%s %v is not integral", field, id)
		}
		return fmt.Sprint(int64(id)), nil
	default:
		return "", fmt.Errorf("%s has unsupported type %T", field, v)
	}
}
