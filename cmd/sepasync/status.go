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

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sepasync/internal/errors"
	"github.com/kraklabs/sepasync/internal/ui"
	"github.com/kraklabs/sepasync/pkg/ingestion"
	"github.com/kraklabs/sepasync/pkg/remote"
	"github.com/kraklabs/sepasync/pkg/storage"
)

// StatusResult represents the snapshot status for JSON output.
type StatusResult struct {
	DataDir   string                   `json:"data_dir"`
	StateDir  string                   `json:"state_dir"`
	Snapshot  ingestion.SnapshotCounts `json:"snapshot"`
	Brands    []BrandStatus            `json:"brands"`
	Runs      []ingestion.RunLogEntry  `json:"runs"`
	Pending   int                      `json:"remote_pending"`
	Error     string                   `json:"error,omitempty"`
	Timestamp time.Time                `json:"timestamp"`
}

// BrandStatus is the per-brand part of the status.
type BrandStatus struct {
	Slug     string `json:"slug"`
	Branches int    `json:"branches"`
	Products int    `json:"products"`
	InStock  int    `json:"in_stock"`
}

// runStatus executes the 'status' CLI command, displaying snapshot
// statistics and the most recent runs.
//
// Examples:
//
//	sepasync status           Display formatted status
//	sepasync status --json    Output as JSON for programmatic use
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	runs := fs.Int("runs", 5, "Number of recent runs to show")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sepasync status [options]

Description:
  Display the local snapshot: brands, branches and products (in stock
  and total), the most recent runs from the run log, and how many remote
  writes are waiting for the next run.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  sepasync status
  sepasync status --json | jq '.snapshot'

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, cfgFile, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	dataDir, err := dataRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	stateDir, err := stateRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	result := collectStatus(cfg, dataDir, stateDir, *runs)

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		return
	}
	printStatus(result)
}

// collectStatus gathers the status without failing: problems are reported
// in Error.
func collectStatus(cfg *Config, dataDir, stateDir string, runs int) *StatusResult {
	result := &StatusResult{DataDir: dataDir, StateDir: stateDir, Timestamp: time.Now()}

	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		result.Error = "no snapshot yet"
		return result
	}

	store, err := storage.NewFileStore(storage.FileStoreConfig{Root: dataDir})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer func() { _ = store.Close() }()

	snap, err := ingestion.LoadSnapshot(store)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Snapshot = snap.Counts()
	for _, slug := range snap.Slugs() {
		bs := BrandStatus{Slug: slug, Branches: len(snap.BranchesOf(slug))}
		for _, id := range snap.BranchIDsWithProducts(slug) {
			for _, p := range snap.ProductsOf(slug, id) {
				bs.Products++
				if p.Stock {
					bs.InStock++
				}
			}
		}
		result.Brands = append(result.Brands, bs)
	}

	if result.Runs, err = ingestion.ReadRunLog(stateDir, runs); err != nil {
		result.Error = err.Error()
	}

	overflow := cfg.Ingestion(dataDir, stateDir, nil).Remote.OverflowFile
	if pending, err := loadPending(overflow); err == nil {
		result.Pending = pending
	}
	return result
}

func printStatus(r *StatusResult) {
	ui.Header("Snapshot Status")
	fmt.Printf("%s %s\n", ui.Label("Data:"), r.DataDir)
	fmt.Printf("%s %s\n", ui.Label("State:"), r.StateDir)
	fmt.Println()

	if r.Error != "" {
		ui.Warning(r.Error)
		fmt.Println()
		fmt.Println("Run 'sepasync run' to ingest the feed.")
		return
	}

	fmt.Printf("Brands:   %s\n", ui.CountText(r.Snapshot.Brands))
	fmt.Printf("Branches: %s\n", ui.CountText(r.Snapshot.Branches))
	fmt.Printf("Products: %s (%s in stock)\n", ui.CountText(r.Snapshot.Products), ui.CountText(r.Snapshot.InStockProducts))
	if r.Pending > 0 {
		_, _ = ui.Yellow.Printf("Remote writes pending: %d\n", r.Pending)
	}

	if len(r.Brands) > 0 {
		fmt.Println()
		ui.SubHeader("By Brand:")
		for _, b := range r.Brands {
			fmt.Printf("  %-10s %s branches, %s products, %s in stock\n",
				b.Slug, ui.CountText(b.Branches), ui.CountText(b.Products), ui.CountText(b.InStock))
		}
	}

	if len(r.Runs) > 0 {
		fmt.Println()
		ui.SubHeader("Recent Runs:")
		for _, run := range r.Runs {
			line := fmt.Sprintf("  %s  %-9s +%d ~%d -%d  %s",
				run.StartedAt, run.Day, run.Added, run.Updated, run.Deactivated,
				(time.Duration(run.DurationMS) * time.Millisecond).String())
			if run.Error != "" {
				_, _ = ui.Red.Printf("%s  %s\n", line, run.Error)
			} else {
				fmt.Println(line)
			}
		}
	}
}

func loadPending(overflowFile string) (int, error) {
	units, err := remote.LoadOverflow(overflowFile)
	if err != nil {
		return 0, err
	}
	return remote.CountDocs(units), nil
}
