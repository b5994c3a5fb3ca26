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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/sepasync/internal/errors"
	"github.com/kraklabs/sepasync/internal/ui"
	"github.com/kraklabs/sepasync/pkg/events"
	"github.com/kraklabs/sepasync/pkg/ingestion"
	"github.com/kraklabs/sepasync/pkg/metrics"
	"github.com/kraklabs/sepasync/pkg/remote"
	"github.com/kraklabs/sepasync/pkg/runlock"
)

// runIngest executes the 'run' CLI command: one full ingestion of the feed.
//
// Flags:
//   - --day: Weekday whose feed to ingest (default: today)
//   - --debug: Enable debug logging (default: false)
//   - --metrics-addr: HTTP address for Prometheus metrics (default: disabled)
//
// Exit code is 0 on success and 1 on a fatal error. Skipped archives,
// dropped rows and cleanup failures never change it.
func runIngest(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dayFlag := fs.String("day", "", "Weekday whose feed to ingest, e.g. lunes or monday (default: today)")
	debug := fs.Bool("debug", false, "Enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to disable)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: sepasync run [options]

Description:
  Download the SEPA price archive for the day, keep the branches and
  products of the configured brands inside the target region, and
  reconcile them with the previous snapshot.

  Products missing from the feed are marked out of stock. When remote
  sync is enabled only the changes are pushed.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  # Ingest today's feed
  sepasync run

  # Re-run Monday's feed with debug logs and metrics
  sepasync run --day lunes --debug --metrics-addr :9090

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, cfgFile, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	var day *time.Weekday
	if *dayFlag != "" {
		d, err := parseWeekday(*dayFlag)
		if err != nil {
			errors.FatalError(errors.NewInputError(
				"Invalid --day value",
				err.Error(),
				"Use a weekday name such as 'lunes' or 'monday', or a number 0-6",
				nil,
			), globals.JSON)
		}
		day = &d
	}

	logger := newLogger(*debug, globals)
	slog.SetDefault(logger)

	dataDir, err := dataRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	stateDir, err := stateRootFromConfig(cfg, cfgFile)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	m := metrics.New()
	if *metricsAddr == "" {
		*metricsAddr = cfg.Metrics.Addr
	}
	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			logger.Info("metrics.http.start", "addr", *metricsAddr, "path", "/metrics")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics.http.error", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	opts := []ingestion.Option{ingestion.WithMetrics(m)}
	closers := []func(){}
	defer func() {
		for _, c := range slices.Backward(closers) {
			c()
		}
	}()

	if cfg.Lock.RedisURL != "" {
		rdb, err := runlock.Connect(ctx, cfg.Lock.RedisURL)
		if err != nil {
			errors.FatalError(errors.NewNetworkError(
				"Cannot connect to Redis",
				"The run lock is configured but Redis is unreachable",
				"Check lock.redis_url / SEPASYNC_REDIS_URL or remove it to run without a lock",
				err,
			), globals.JSON)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		key, ttl := cfg.Lock.Key, cfg.Lock.TTL
		opts = append(opts, ingestion.WithLock(func(ctx context.Context) (func(context.Context) error, error) {
			l, err := runlock.Acquire(ctx, rdb, key, ttl)
			if err != nil {
				return nil, err
			}
			return l.Release, nil
		}))
	}

	if cfg.Remote.Enabled {
		store, err := remote.NewMongoStore(ctx, cfg.Remote.MongoURI, cfg.Remote.Database)
		if err != nil {
			errors.FatalError(errors.NewNetworkError(
				"Cannot connect to the remote store",
				"MongoDB did not answer the initial ping",
				"Check remote.mongo_uri / SEPASYNC_MONGO_URI or set remote.enabled: false",
				err,
			), globals.JSON)
		}
		closers = append(closers, func() { _ = store.Close(context.Background()) })
		up := remote.NewUploader(store, cfg.UploaderConfig(), remote.NewQuota(cfg.Remote.Quota), logger)
		opts = append(opts, ingestion.WithUploader(up))
	}

	if cfg.Events.KafkaBrokers != "" {
		pub, err := events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic, logger)
		if err != nil {
			errors.FatalError(errors.NewConfigError(
				"Invalid Kafka configuration",
				err.Error(),
				"Check events.kafka_brokers and events.topic",
				err,
			), globals.JSON)
		}
		closers = append(closers, func() { _ = pub.Close() })
		opts = append(opts, ingestion.WithPublisher(pub))
	}

	pipeline, err := ingestion.NewPipeline(cfg.Ingestion(dataDir, stateDir, day), nil, logger, opts...)
	if err != nil {
		errors.FatalError(errors.NewPermissionError(
			"Cannot open the snapshot directory",
			fmt.Sprintf("Failed to create or open %s", dataDir),
			"Check permissions or set data_dir / SEPASYNC_DATA_DIR",
			err,
		), globals.JSON)
	}
	defer func() { _ = pipeline.Close() }()

	progressCfg := NewProgressConfig(globals)
	var currentBar *progressbar.ProgressBar
	var currentPhase string
	pipeline.SetProgressCallback(func(current, total int64, phase string) {
		if phase != currentPhase {
			if currentBar != nil {
				_ = currentBar.Finish()
			}
			currentPhase = phase
			currentBar = NewProgressBar(progressCfg, total, phaseDescription(phase))
		}
		if currentBar != nil {
			_ = currentBar.Set64(current)
		}
	})

	logger.Info("ingest.starting", "data_dir", dataDir, "state_dir", stateDir, "remote", cfg.Remote.Enabled)

	result, err := pipeline.Run(ctx)

	if currentBar != nil {
		_ = currentBar.Finish()
	}

	if cfg.Metrics.Pushgateway != "" {
		if perr := m.Push(cfg.Metrics.Pushgateway, cfg.Metrics.Job); perr != nil {
			logger.Warn("metrics.push.failed", "url", cfg.Metrics.Pushgateway, "err", perr)
		}
	}

	if err != nil {
		if result != nil && result.Changes != nil && !globals.JSON {
			printResult(result, dataDir)
		}
		errors.FatalError(runError(err), globals.JSON)
	}

	if globals.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summarize(result, dataDir))
		return
	}
	printResult(result, dataDir)
}

// runError maps a fatal pipeline error to a user-facing error.
func runError(err error) error {
	switch {
	case stderrors.Is(err, runlock.ErrHeld):
		return errors.NewInputError(
			"Another run is in progress",
			"The run lock is held by another process",
			"Wait for the other run to finish; the lock expires after lock.ttl",
			err,
		)
	case stderrors.Is(err, context.Canceled):
		return errors.NewInputError(
			"Run interrupted",
			"The run was cancelled before it finished; the previous snapshot is unchanged",
			"Run 'sepasync run' again",
			err,
		)
	case stderrors.Is(err, ingestion.ErrNoArchives):
		return errors.NewInputError(
			"Feed contained no usable archives",
			"No inner archive matched filter.inner_prefixes",
			"Check that the feed URL is current and that the prefixes match its file names",
			err,
		)
	case stderrors.Is(err, ingestion.ErrRemoteFailures):
		return errors.NewNetworkError(
			"Remote sync incomplete",
			"Some documents could not be written to the remote store; the local snapshot was saved",
			"Check the remote.batch.failed log events and re-run, or set remote.fail_on_error: false",
			err,
		)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewNetworkError(
			"Feed download timed out",
			"The feed server sent no data for feed.timeout",
			"Increase feed.timeout or try again later",
			err,
		)
	}
	return errors.NewInternalError(
		"Ingestion failed",
		"An error occurred during the run; the previous snapshot is unchanged",
		"Check the error details above and the run log in the state directory",
		err,
	)
}

func newLogger(debug bool, globals GlobalFlags) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case debug || globals.Verbose >= 2:
		level = slog.LevelDebug
	case globals.Quiet:
		level = slog.LevelWarn
	}
	out := os.Stdout
	if globals.JSON {
		out = os.Stderr
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// RunSummary is the JSON form of a run result.
type RunSummary struct {
	RunID             string                   `json:"run_id"`
	Timestamp         time.Time                `json:"timestamp"`
	Day               string                   `json:"day"`
	URL               string                   `json:"url"`
	DataDir           string                   `json:"data_dir"`
	ArchivesProcessed int                      `json:"archives_processed"`
	ArchivesFailed    int                      `json:"archives_failed"`
	BranchRows        int64                    `json:"branch_rows"`
	ProductRows       int64                    `json:"product_rows"`
	MalformedRows     int64                    `json:"malformed_rows"`
	Dropped           map[string]int           `json:"dropped"`
	Branches          ingestion.ChangeTotals   `json:"branches"`
	Products          ingestion.ChangeTotals   `json:"products"`
	Snapshot          ingestion.SnapshotCounts `json:"snapshot"`
	RemoteSucceeded   int64                    `json:"remote_succeeded"`
	RemoteFailed      int64                    `json:"remote_failed"`
	RemoteDeferred    int                      `json:"remote_deferred"`
	RemoteRetry       int                      `json:"remote_retry"`
	CleanupError      string                   `json:"cleanup_error,omitempty"`
	DurationMS        int64                    `json:"duration_ms"`
}

func summarize(r *ingestion.Result, dataDir string) RunSummary {
	s := RunSummary{
		RunID:             r.RunID,
		Timestamp:         r.Timestamp,
		Day:               r.Day.String(),
		URL:               r.URL,
		DataDir:           dataDir,
		ArchivesProcessed: r.ArchivesProcessed,
		ArchivesFailed:    r.ArchivesFailed,
		BranchRows:        r.BranchRows,
		ProductRows:       r.ProductRows,
		MalformedRows:     r.MalformedRows,
		Dropped:           r.Dropped,
		Branches:          r.BranchTotals,
		Products:          r.ProductTotals,
		Snapshot:          r.Snapshot,
		RemoteDeferred:    r.RemoteDeferred,
		RemoteRetry:       r.RemoteRetry,
		DurationMS:        r.TotalDuration.Milliseconds(),
	}
	if r.Remote != nil {
		s.RemoteSucceeded = r.Remote.Succeeded
		s.RemoteFailed = r.Remote.Failed
	}
	if r.CleanupErr != nil {
		s.CleanupError = r.CleanupErr.Error()
	}
	return s
}

// printResult prints the run summary to stdout.
func printResult(r *ingestion.Result, dataDir string) {
	fmt.Println()

	changed := r.BranchTotals.Added + r.BranchTotals.Updated +
		r.ProductTotals.Added + r.ProductTotals.Updated + r.ProductTotals.Deactivated
	if changed == 0 {
		ui.Header("Snapshot Up to Date")
		fmt.Printf("%s %s (%s)\n", ui.Label("Feed:"), r.URL, r.Day)
		_, _ = ui.Green.Println("No price or stock changes since the last run.")
	} else {
		ui.Header("Ingestion Complete")
		fmt.Printf("%s %s (%s)\n", ui.Label("Feed:"), r.URL, r.Day)
	}

	fmt.Printf("Archives Processed: %s ", ui.CountText(r.ArchivesProcessed))
	if r.ArchivesFailed > 0 {
		_, _ = ui.Yellow.Printf("(%d skipped)\n", r.ArchivesFailed)
	} else {
		_, _ = ui.Green.Println("✓")
	}
	fmt.Printf("Rows Read: %s branches, %s products\n", ui.CountText(r.BranchRows), ui.CountText(r.ProductRows))
	if r.MalformedRows > 0 {
		_, _ = ui.Yellow.Printf("Malformed Rows: %d\n", r.MalformedRows)
	}

	fmt.Println()
	ui.SubHeader("Changes:")
	fmt.Printf("  Branches: %s added, %s updated\n",
		ui.CountText(r.BranchTotals.Added), ui.CountText(r.BranchTotals.Updated))
	fmt.Printf("  Products: %s added, %s updated, %s out of stock\n",
		ui.CountText(r.ProductTotals.Added), ui.CountText(r.ProductTotals.Updated), ui.CountText(r.ProductTotals.Deactivated))

	if len(r.Dropped) > 0 {
		fmt.Println()
		ui.SubHeader("Dropped Rows:")
		for _, reason := range slices.Sorted(maps.Keys(r.Dropped)) {
			fmt.Printf("  %s: %s\n", reason, ui.DimText(fmt.Sprintf("%d", r.Dropped[reason])))
		}
	}

	if r.Remote != nil {
		fmt.Println()
		ui.SubHeader("Remote:")
		fmt.Printf("  Written: %s\n", ui.CountText(r.Remote.Succeeded))
		if r.RemoteReplayed > 0 {
			fmt.Printf("  Replayed: %s\n", ui.CountText(r.RemoteReplayed))
		}
		if r.Remote.Failed > 0 {
			_, _ = ui.Red.Printf("  Failed: %d\n", r.Remote.Failed)
		}
		if r.RemoteDeferred > 0 {
			_, _ = ui.Yellow.Printf("  Deferred to next run: %d\n", r.RemoteDeferred)
		}
		if r.RemoteRetry > 0 {
			_, _ = ui.Yellow.Printf("  Resent next run: %d\n", r.RemoteRetry)
		}
	}

	if r.CleanupErr != nil {
		fmt.Println()
		ui.Warningf("Temporary files were not fully removed: %v", r.CleanupErr)
	}

	fmt.Println()
	ui.SubHeader("Timings:")
	fmt.Printf("  Download:  %s\n", ui.DimText(r.DownloadDuration.String()))
	fmt.Printf("  Parse:     %s\n", ui.DimText(r.ParseDuration.String()))
	fmt.Printf("  Reconcile: %s\n", ui.DimText(r.ReconcileDuration.String()))
	fmt.Printf("  Write:     %s\n", ui.DimText(r.WriteDuration.String()))
	if r.Remote != nil {
		fmt.Printf("  Remote:    %s\n", ui.DimText(r.RemoteDuration.String()))
	}
	fmt.Printf("  Total:     %s\n", ui.DimText(r.TotalDuration.String()))
	fmt.Println()

	fmt.Printf("Snapshot: %s brands, %s branches, %s products (%s in stock)\n",
		ui.CountText(r.Snapshot.Brands), ui.CountText(r.Snapshot.Branches),
		ui.CountText(r.Snapshot.Products), ui.CountText(r.Snapshot.InStockProducts))
	fmt.Printf("Data stored in: %s\n", ui.DimText(dataDir))
}
