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
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sepasync/internal/errors"
	"github.com/kraklabs/sepasync/internal/ui"
	"github.com/kraklabs/sepasync/pkg/ingestion"
	"github.com/kraklabs/sepasync/pkg/remote"
	"github.com/kraklabs/sepasync/pkg/storage"
)

// runPurge executes the 'purge' CLI command, deleting remote documents of
// one brand (branches and every branch's products) or of one branch.
//
// The local snapshot lists which branch collections exist; it is not
// modified.
func runPurge(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	brand := fs.String("brand", "", "Brand slug to purge, e.g. dia (required)")
	branch := fs.String("branch", "", "Only purge the products of this branch id")
	confirm := fs.Bool("yes", false, "Confirm the purge (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sepasync purge --brand <slug> [options]

Description:
  WARNING: This is a destructive operation on the remote store.

  Deletes the remote branch documents of a brand and the product
  documents of every branch in the local snapshot for that brand. With
  --branch only that branch's products are deleted.

  The next 'sepasync run' only pushes changes, so documents deleted here
  come back only when they change. Remove the brand's snapshot files to
  force a full re-push.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  sepasync purge --brand dia --yes
  sepasync purge --brand jumbo --branch 1234 --yes

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *brand == "" {
		errors.FatalError(errors.NewInputError(
			"Missing --brand",
			"The purge command needs the brand slug to delete",
			"Run 'sepasync status' to list brand slugs, then 'sepasync purge --brand <slug> --yes'",
			nil,
		), globals.JSON)
	}
	if !*confirm {
		errors.FatalError(errors.NewInputError(
			"Confirmation required",
			"The --yes flag is required to confirm this destructive operation",
			fmt.Sprintf("Run 'sepasync purge --brand %s --yes' to confirm", *brand),
			nil,
		), globals.JSON)
	}

	cfg, cfgFile, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if cfg.Remote.MongoURI == "" {
		errors.FatalError(errors.NewConfigError(
			"No remote store configured",
			"remote.mongo_uri is empty",
			"Set remote.mongo_uri or SEPASYNC_MONGO_URI",
			nil,
		), globals.JSON)
	}

	slug := storage.Slug(*brand)
	collections := []string{remote.ProductsPath(slug, *branch)}
	if *branch == "" {
		dataDir, err := dataRootFromConfig(cfg, cfgFile)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		collections, err = brandCollections(dataDir, slug)
		if err != nil {
			errors.FatalError(errors.NewDatabaseError(
				"Cannot read the local snapshot",
				"The branch list of the brand could not be loaded",
				"Run 'sepasync status' to check the snapshot",
				err,
			), globals.JSON)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(false, globals)
	store, err := remote.NewMongoStore(ctx, cfg.Remote.MongoURI, cfg.Remote.Database)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot connect to the remote store",
			"MongoDB did not answer the initial ping",
			"Check remote.mongo_uri / SEPASYNC_MONGO_URI",
			err,
		), globals.JSON)
	}
	defer func() { _ = store.Close(context.Background()) }()

	up := remote.NewUploader(store, cfg.UploaderConfig(), nil, logger)
	total, err := purgeCollections(ctx, up, collections, logger)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Purge incomplete",
			fmt.Sprintf("Deleted %d documents before the failure", total),
			"Re-run the same purge command; already deleted documents are skipped",
			err,
		), globals.JSON)
	}
	ui.Successf("Purged %d documents from %d collections", total, len(collections))
}

// brandCollections lists the remote collections of a brand known from the
// local snapshot: every branch's products, then the branches.
func brandCollections(dataDir, slug string) ([]string, error) {
	store, err := storage.NewFileStore(storage.FileStoreConfig{Root: dataDir})
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	snap, err := ingestion.LoadSnapshot(store)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, id := range snap.BranchIDsWithProducts(slug) {
		seen[id] = true
		out = append(out, remote.ProductsPath(slug, id))
	}
	for _, id := range slices.Sorted(maps.Keys(snap.BranchesOf(slug))) {
		if !seen[id] {
			out = append(out, remote.ProductsPath(slug, id))
		}
	}
	return append(out, remote.BranchesPath(slug)), nil
}

func purgeCollections(ctx context.Context, up *remote.Uploader, collections []string, logger *slog.Logger) (int, error) {
	total := 0
	for _, col := range collections {
		n, err := up.Purge(ctx, col, 500)
		total += n
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", col, err)
		}
		logger.Info("purge.collection.done", "collection", col, "deleted", n)
	}
	return total, nil
}
