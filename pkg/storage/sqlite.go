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

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Column is one column of an exported table.
type Column struct {
	Name string
	Type string // INTEGER, REAL or TEXT
}

// Table is a relation to export: the table is dropped and recreated, then
// Rows are inserted in order. Each row has one value per column.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
	Indexes []string // column names to index
}

// ExportSQLite writes tables into the SQLite database at path inside a single
// transaction. Existing tables of the same name are replaced.
func ExportSQLite(ctx context.Context, path string, tables []Table) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range tables {
		if err := exportTable(ctx, tx, t); err != nil {
			return fmt.Errorf("export %s: %w", t.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func exportTable(ctx context.Context, tx *sql.Tx, t Table) error {
	defs := make([]string, 0, len(t.Columns))
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ := c.Type
		if typ == "" {
			typ = "TEXT"
		}
		defs = append(defs, fmt.Sprintf("%q %s", c.Name, typ))
		names = append(names, fmt.Sprintf("%q", c.Name))
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, t.Name)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %q (%s)`, t.Name, strings.Join(defs, ","))); err != nil {
		return err
	}

	ph := strings.TrimRight(strings.Repeat("?,", len(t.Columns)), ",")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, t.Name, strings.Join(names, ","), ph))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(t.Columns))
		}
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}

	for _, col := range t.Indexes {
		idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS "idx_%s_%s" ON %q(%q)`, t.Name, col, t.Name, col)
		if _, err := tx.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}
