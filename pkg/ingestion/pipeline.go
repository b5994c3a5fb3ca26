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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/sepasync/pkg/archive"
	"github.com/kraklabs/sepasync/pkg/events"
	"github.com/kraklabs/sepasync/pkg/feed"
	"github.com/kraklabs/sepasync/pkg/metrics"
	"github.com/kraklabs/sepasync/pkg/remote"
	"github.com/kraklabs/sepasync/pkg/storage"
	"github.com/kraklabs/sepasync/pkg/tabular"
)

// Fatal pipeline errors.
var (
	ErrNoArchives     = errors.New("no matching inner archives in feed")
	ErrRemoteFailures = errors.New("remote documents left in failed state")
)

// Drop reasons counted in Result.Dropped.
const (
	DropUnknownBrand    = "unknown_brand"
	DropOutOfRegion     = "out_of_region"
	DropMissingBranchID = "missing_branch_id"
	DropInvalidBranchID = "invalid_branch_id"
	DropUnknownBranch   = "unknown_branch"
	DropNoDescription   = "missing_description"
	DropNoPrice         = "missing_price"
	DropInvalidPrice    = "invalid_price"
)

// ProgressCallback is called to report progress during pipeline execution.
// Parameters:
//   - current: current item number (1-based)
//   - total: total number of items
//   - phase: current phase name ("archives")
type ProgressCallback func(current, total int64, phase string)

// Fetcher downloads the feed archive to dest.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) (int64, error)
}

// LockFunc acquires a cross-process run lock and returns its release func.
type LockFunc func(ctx context.Context) (release func(context.Context) error, err error)

// Pipeline runs one ingestion: download, walk, classify, normalize,
// reconcile, persist and optionally sync remotely.
type Pipeline struct {
	cfg        Config
	logger     *slog.Logger
	fetcher    Fetcher
	store      *storage.FileStore
	classifier *Classifier
	uploader   *remote.Uploader
	publisher  events.Publisher
	lock       LockFunc
	metrics    *metrics.Metrics
	onProgress ProgressCallback
	now        func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithUploader enables remote sync through u.
func WithUploader(u *remote.Uploader) Option { return func(p *Pipeline) { p.uploader = u } }

// WithPublisher publishes change events after each run.
func WithPublisher(pub events.Publisher) Option { return func(p *Pipeline) { p.publisher = pub } }

func WithLock(l LockFunc) Option { return func(p *Pipeline) { p.lock = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithClock overrides the run timestamp source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// NewPipeline creates a pipeline writing its snapshot under cfg.DataDir.
func NewPipeline(cfg Config, fetcher Fetcher, logger *slog.Logger, opts ...Option) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		fetcher = feed.NewDownloader(cfg.Feed, nil, logger)
	}
	store, err := storage.NewFileStore(storage.FileStoreConfig{Root: cfg.DataDir})
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if len(cfg.Brands) == 0 {
		cfg.Brands = DefaultBrands()
	}
	region := NewRegion(cfg.Region)

	p := &Pipeline{
		cfg:        cfg,
		logger:     logger,
		fetcher:    fetcher,
		store:      store,
		classifier: NewClassifier(cfg.Brands, region),
		publisher:  events.Nop{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the snapshot store.
func (p *Pipeline) Close() error {
	return p.store.Close()
}

// SetProgressCallback sets an optional callback for progress reporting.
func (p *Pipeline) SetProgressCallback(cb ProgressCallback) {
	p.onProgress = cb
}

func (p *Pipeline) reportProgress(current, total int64, phase string) {
	if p.onProgress != nil {
		p.onProgress(current, total, phase)
	}
}

// ChangeSets is the reconciler output of one run, keyed by brand slug
// (and branch id for products).
type ChangeSets struct {
	Branches map[string]*BranchChangeSet
	Products map[string]map[string]*ProductChangeSet
}

// ChangeTotals sums change-set sizes.
type ChangeTotals struct {
	Added       int
	Updated     int
	Deactivated int
	Unchanged   int
}

// Result summarizes the ingestion run.
type Result struct {
	// RunID is the unique identifier for this run (UUID).
	RunID string

	// Timestamp is the single update time stamped on every record changed by this run.
	Timestamp time.Time

	Day             time.Weekday
	URL             string
	BytesDownloaded int64

	// ArchivesMatched counts inner archives selected by prefix; ArchivesFailed
	// those skipped because they could not be read.
	ArchivesMatched   int
	ArchivesProcessed int
	ArchivesFailed    int

	BranchRows    int64
	ProductRows   int64
	MalformedRows int64

	// Dropped maps drop reasons to row counts.
	Dropped map[string]int

	BranchesAccepted int
	ProductsAccepted int

	BranchTotals  ChangeTotals
	ProductTotals ChangeTotals
	Changes       *ChangeSets

	Snapshot SnapshotCounts

	// Remote is nil when remote sync is disabled.
	Remote         *remote.SyncResult
	RemoteReplayed int
	RemoteDeferred int // cut by the quota, saved for the next run
	RemoteRetry    int // failed, saved for the next run

	EventsPublished int

	// CleanupErr is set when temporary files could not be removed. It never
	// fails the run.
	CleanupErr error

	DownloadDuration  time.Duration
	ParseDuration     time.Duration
	ReconcileDuration time.Duration
	WriteDuration     time.Duration
	RemoteDuration    time.Duration
	TotalDuration     time.Duration
}

// runState accumulates accepted entities for one run. It is created fresh
// per run and per inner archive, then merged.
type runState struct {
	names    map[string]string                       // slug -> brand name
	branches map[string]map[string]Branch            // slug -> branch id -> branch
	products map[string]map[string][]Product         // slug -> branch id -> products
	dropped  map[string]int
}

func newRunState() *runState {
	return &runState{
		names:    make(map[string]string),
		branches: make(map[string]map[string]Branch),
		products: make(map[string]map[string][]Product),
		dropped:  make(map[string]int),
	}
}

func (s *runState) addBranch(b Branch) {
	slug := storage.Slug(b.Brand)
	s.names[slug] = b.Brand
	if s.branches[slug] == nil {
		s.branches[slug] = make(map[string]Branch)
	}
	if _, dup := s.branches[slug][b.ID]; !dup {
		s.branches[slug][b.ID] = b
	}
}

func (s *runState) addProduct(pr Product) {
	slug := storage.Slug(pr.Supermarket)
	if s.products[slug] == nil {
		s.products[slug] = make(map[string][]Product)
	}
	s.products[slug][pr.BranchID] = append(s.products[slug][pr.BranchID], pr)
}

func (s *runState) merge(o *runState) {
	for slug, name := range o.names {
		s.names[slug] = name
	}
	for _, bs := range o.branches {
		for _, id := range slices.Sorted(maps.Keys(bs)) {
			s.addBranch(bs[id])
		}
	}
	for slug, byBranch := range o.products {
		if s.products[slug] == nil {
			s.products[slug] = make(map[string][]Product)
		}
		for id, ps := range byBranch {
			s.products[slug][id] = append(s.products[slug][id], ps...)
		}
	}
	for k, v := range o.dropped {
		s.dropped[k] += v
	}
}

// Run executes the pipeline once. Temporary files are removed on every exit
// path. A returned error means the run is fatal; the Result is still
// populated as far as the run got.
func (p *Pipeline) Run(ctx context.Context) (res *Result, err error) {
	startTime := time.Now()
	now := p.now().UTC().Truncate(time.Second)
	res = &Result{
		RunID:     uuid.NewString(),
		Timestamp: now,
		Day:       p.cfg.day(now),
		Dropped:   make(map[string]int),
	}
	log := p.logger.With("run_id", res.RunID)
	log.Info("pipeline.start", "day", res.Day.String())

	if p.lock != nil {
		release, lerr := p.lock(ctx)
		if lerr != nil {
			return res, fmt.Errorf("acquire run lock: %w", lerr)
		}
		defer func() {
			if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
				log.Warn("pipeline.lock.release_failed", "err", rerr)
			}
		}()
	}

	tmpDir, err := os.MkdirTemp(p.cfg.TempDir, "sepasync-run-*")
	if err != nil {
		return res, fmt.Errorf("create temp dir: %w", err)
	}
	defer func() {
		res.CleanupErr = p.cleanup(tmpDir)
		res.TotalDuration = time.Since(startTime)
		p.appendRunLog(res, err)
		if err == nil && p.metrics != nil {
			p.metrics.LastSuccess.SetToCurrentTime()
		}
		log.Info("pipeline.complete",
			"archives", res.ArchivesProcessed,
			"archives_failed", res.ArchivesFailed,
			"branches_added", res.BranchTotals.Added,
			"products_added", res.ProductTotals.Added,
			"products_updated", res.ProductTotals.Updated,
			"products_deactivated", res.ProductTotals.Deactivated,
			"total_duration_ms", res.TotalDuration.Milliseconds(),
			"ok", err == nil,
		)
	}()

	// Step 1: Download
	res.URL, err = feed.URLForDay(res.Day, p.cfg.FeedURLs)
	if err != nil {
		return res, err
	}
	log.Info("pipeline.step.download", "url", res.URL)
	dlStart := time.Now()
	outerPath := filepath.Join(tmpDir, "sepa.zip")
	res.BytesDownloaded, err = p.fetcher.Download(ctx, res.URL, outerPath)
	res.DownloadDuration = time.Since(dlStart)
	p.observePhase("download", res.DownloadDuration)
	if err != nil {
		return res, fmt.Errorf("download feed: %w", err)
	}

	// Step 2: Walk inner archives
	parseStart := time.Now()
	st, err := p.walk(ctx, outerPath, tmpDir, now, res)
	res.ParseDuration = time.Since(parseStart)
	p.observePhase("parse", res.ParseDuration)
	if err != nil {
		return res, err
	}

	// Step 3: Reconcile against the previous snapshot
	log.Info("pipeline.step.reconcile")
	recStart := time.Now()
	prior, err := LoadSnapshot(p.store)
	if err != nil {
		return res, fmt.Errorf("load previous snapshot: %w", err)
	}
	next, changes := p.reconcile(prior, st, now)
	res.Changes = changes
	p.totalChanges(res)
	res.ReconcileDuration = time.Since(recStart)
	p.observePhase("reconcile", res.ReconcileDuration)

	// Step 4: Persist
	log.Info("pipeline.step.write", "data_dir", p.store.Root())
	writeStart := time.Now()
	if err = next.Save(p.store); err != nil {
		return res, fmt.Errorf("write snapshot: %w", err)
	}
	res.Snapshot = next.Counts()
	if p.cfg.SQLitePath != "" {
		if xerr := ExportCatalog(ctx, p.cfg.SQLitePath, next); xerr != nil {
			log.Warn("pipeline.sqlite.export_failed", "path", p.cfg.SQLitePath, "err", xerr)
		}
	}
	res.WriteDuration = time.Since(writeStart)
	p.observePhase("write", res.WriteDuration)

	// Step 5: Remote sync
	if p.cfg.Remote.Enabled && p.uploader != nil {
		remoteStart := time.Now()
		p.syncRemote(ctx, changes, res)
		res.RemoteDuration = time.Since(remoteStart)
		p.observePhase("remote", res.RemoteDuration)
	}

	// Step 6: Change events
	evs := changeEvents(res.RunID, changes, now)
	if perr := p.publisher.Publish(ctx, evs); perr != nil {
		log.Warn("pipeline.events.publish_failed", "err", perr)
	} else {
		res.EventsPublished = len(evs)
	}

	if res.Remote != nil && res.Remote.HasFailures() && p.cfg.Remote.FailOnError {
		return res, fmt.Errorf("%d documents: %w", res.Remote.Failed, ErrRemoteFailures)
	}
	return res, nil
}

// walk opens the outer archive and processes every selected inner archive
// in turn. Failures of one inner archive are logged and skipped.
func (p *Pipeline) walk(ctx context.Context, outerPath, tmpDir string, now time.Time, res *Result) (*runState, error) {
	outer, err := archive.Open(outerPath)
	if err != nil {
		return nil, fmt.Errorf("open feed archive: %w", err)
	}
	defer outer.Close()

	var inner []archive.Entry
	for e := range outer.Entries() {
		if p.selected(e) {
			inner = append(inner, e)
		}
	}
	res.ArchivesMatched = len(inner)
	if len(inner) == 0 {
		return nil, ErrNoArchives
	}
	p.logger.Info("pipeline.step.parse", "inner_archives", len(inner))

	st := newRunState()
	norm := Normalizer{Now: now}
	for i, e := range inner {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		local := newRunState()
		err := p.processInner(ctx, e, tmpDir, norm, local, res)
		switch {
		case err == nil:
			st.merge(local)
			res.ArchivesProcessed++
			p.countArchive("processed")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			res.ArchivesFailed++
			p.countArchive("failed")
			p.logger.Warn("pipeline.archive.skip", "archive", e.Name, "err", err)
		}
		p.reportProgress(int64(i+1), int64(len(inner)), "archives")
	}

	for k, v := range st.dropped {
		res.Dropped[k] += v
	}
	for _, bs := range st.branches {
		res.BranchesAccepted += len(bs)
	}
	for _, byBranch := range st.products {
		for _, ps := range byBranch {
			res.ProductsAccepted += len(ps)
		}
	}
	return st, nil
}

func (p *Pipeline) selected(e archive.Entry) bool {
	if !e.HasSuffix(".zip") {
		return false
	}
	if len(p.cfg.InnerPrefixes) == 0 {
		return true
	}
	base := strings.ToLower(e.Base())
	for _, prefix := range p.cfg.InnerPrefixes {
		if strings.HasPrefix(base, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// processInner runs the branch pass and then the product pass of one inner
// archive. Products are only accepted for branches accepted in the branch
// pass of the same archive.
func (p *Pipeline) processInner(ctx context.Context, e archive.Entry, tmpDir string, norm Normalizer, st *runState, res *Result) error {
	in, err := e.OpenArchive(tmpDir, p.cfg.MaxInMemoryArchive)
	if err != nil {
		return err
	}
	defer in.Close()

	branchFile, ok := in.Find(csvNamed("sucursal"))
	if !ok {
		return &archive.ContainerError{Name: e.Name, Err: errors.New("no branch file")}
	}
	productFile, ok := in.Find(csvNamed("producto"))
	if !ok {
		return &archive.ContainerError{Name: e.Name, Err: errors.New("no product file")}
	}

	commerceID := CommerceIDFromName(e.Base())
	keys := make(BranchKeys)

	err = p.parseFile(ctx, branchFile, "branches", res, func(row tabular.Row) {
		brand, ok := p.classifier.Brand(commerceID, row)
		if !ok {
			st.dropped[DropUnknownBrand]++
			return
		}
		if !p.classifier.Accept(row) {
			st.dropped[DropOutOfRegion]++
			return
		}
		b := norm.Branch(brand, row)
		if b.ID == "" {
			st.dropped[DropMissingBranchID]++
			return
		}
		if !ValidBranchID(b.ID) {
			st.dropped[DropInvalidBranchID]++
			return
		}
		keys[KeyOf(row)] = brand
		st.addBranch(b)
	})
	if err != nil {
		return err
	}
	p.logger.Debug("pipeline.archive.branches", "archive", e.Name, "accepted", len(keys))
	if len(keys) == 0 {
		return nil
	}

	return p.parseFile(ctx, productFile, "products", res, func(row tabular.Row) {
		brand, ok := keys[KeyOf(row)]
		if !ok {
			st.dropped[DropUnknownBranch]++
			return
		}
		pr, err := norm.Product(brand, row.Get(ColBranchID), row)
		switch {
		case errors.Is(err, ErrMissingDescription):
			st.dropped[DropNoDescription]++
		case errors.Is(err, ErrMissingPrice):
			st.dropped[DropNoPrice]++
		case err != nil:
			st.dropped[DropInvalidPrice]++
		default:
			st.addProduct(pr)
		}
	})
}

func (p *Pipeline) parseFile(ctx context.Context, e archive.Entry, kind string, res *Result, handle func(tabular.Row)) error {
	rc, err := e.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	stream := tabular.NewStream(rc, Synonyms())
	var n int64
	for row, err := range stream.Rows() {
		if err != nil {
			return fmt.Errorf("parse %s: %w", e.Name, err)
		}
		if n++; n%10000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		handle(row)
	}

	stats := stream.Stats()
	res.MalformedRows += stats.Malformed
	if kind == "branches" {
		res.BranchRows += stats.Rows
	} else {
		res.ProductRows += stats.Rows
	}
	if p.metrics != nil {
		p.metrics.Rows.WithLabelValues(kind, "read").Add(float64(stats.Rows))
		p.metrics.Rows.WithLabelValues(kind, "malformed").Add(float64(stats.Malformed))
	}
	return nil
}

func csvNamed(part string) func(archive.Entry) bool {
	return func(e archive.Entry) bool {
		n := strings.ToLower(e.Base())
		return strings.Contains(n, part) && strings.HasSuffix(n, ".csv")
	}
}

// reconcile builds the next snapshot from prior and the run's entities.
// prior is only read. Every configured brand gets a branch set, and every
// branch observed in this run gets a product set, even when empty.
func (p *Pipeline) reconcile(prior *Snapshot, st *runState, now time.Time) (*Snapshot, *ChangeSets) {
	next := NewSnapshot()
	cs := &ChangeSets{
		Branches: make(map[string]*BranchChangeSet),
		Products: make(map[string]map[string]*ProductChangeSet),
	}

	slugSet := make(map[string]struct{})
	for _, n := range BrandNames(p.cfg.Brands) {
		slugSet[storage.Slug(n)] = struct{}{}
	}
	for _, s := range prior.Slugs() {
		slugSet[s] = struct{}{}
	}
	for s := range st.branches {
		slugSet[s] = struct{}{}
	}

	for _, slug := range slices.Sorted(maps.Keys(slugSet)) {
		current := st.branches[slug]
		list := make([]Branch, 0, len(current))
		for _, id := range slices.Sorted(maps.Keys(current)) {
			list = append(list, current[id])
		}
		bcs := ReconcileBranches(prior.BranchesOf(slug), list, now)
		next.SetBranches(slug, bcs.Final)
		cs.Branches[slug] = bcs

		for _, id := range prior.BranchIDsWithProducts(slug) {
			next.SetProducts(slug, id, prior.ProductsOf(slug, id))
		}
		if len(current) > 0 {
			cs.Products[slug] = make(map[string]*ProductChangeSet, len(current))
		}
		for _, id := range slices.Sorted(maps.Keys(current)) {
			pcs := ReconcileProducts(prior.ProductsOf(slug, id), st.products[slug][id], now)
			next.SetProducts(slug, id, pcs.Final)
			cs.Products[slug][id] = pcs
		}
	}
	return next, cs
}

func (p *Pipeline) totalChanges(res *Result) {
	for _, bcs := range res.Changes.Branches {
		res.BranchTotals.Added += len(bcs.Added)
		res.BranchTotals.Updated += len(bcs.Updated)
		res.BranchTotals.Unchanged += len(bcs.Unchanged)
	}
	for _, byBranch := range res.Changes.Products {
		for _, pcs := range byBranch {
			res.ProductTotals.Added += len(pcs.Added)
			res.ProductTotals.Updated += len(pcs.Updated)
			res.ProductTotals.Deactivated += len(pcs.Deactivated)
			res.ProductTotals.Unchanged += len(pcs.Unchanged)
		}
	}
	if p.metrics != nil {
		p.metrics.Changes.WithLabelValues("branch", "added").Add(float64(res.BranchTotals.Added))
		p.metrics.Changes.WithLabelValues("branch", "updated").Add(float64(res.BranchTotals.Updated))
		p.metrics.Changes.WithLabelValues("product", "added").Add(float64(res.ProductTotals.Added))
		p.metrics.Changes.WithLabelValues("product", "updated").Add(float64(res.ProductTotals.Updated))
		p.metrics.Changes.WithLabelValues("product", "deactivated").Add(float64(res.ProductTotals.Deactivated))
	}
}

// cleanup removes the run's temp dir. A missing dir is success; permission
// errors are logged at error level. The run's outcome is never changed.
func (p *Pipeline) cleanup(dir string) error {
	err := os.RemoveAll(dir)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		p.logger.Error("pipeline.cleanup.permission_denied", "path", dir, "err", err)
	} else {
		p.logger.Warn("pipeline.cleanup.failed", "path", dir, "err", err)
	}
	return err
}

func (p *Pipeline) appendRunLog(res *Result, runErr error) {
	entry := RunLogEntry{
		RunID:          res.RunID,
		StartedAt:      res.Timestamp.Format(time.RFC3339),
		Day:            res.Day.String(),
		Archives:       res.ArchivesProcessed,
		ArchivesFailed: res.ArchivesFailed,
		Branches:       res.Snapshot.Branches,
		Products:       res.Snapshot.Products,
		Added:          res.BranchTotals.Added + res.ProductTotals.Added,
		Updated:        res.BranchTotals.Updated + res.ProductTotals.Updated,
		Deactivated:    res.ProductTotals.Deactivated,
		Deferred:       res.RemoteDeferred,
		Retry:          res.RemoteRetry,
		DurationMS:     res.TotalDuration.Milliseconds(),
	}
	if res.Remote != nil {
		entry.RemoteFailed = int(res.Remote.Failed)
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := AppendRunLog(p.cfg.StateDir, entry); err != nil {
		p.logger.Warn("pipeline.runlog.append_failed", "err", err)
	}
}

func (p *Pipeline) observePhase(phase string, d time.Duration) {
	if p.metrics != nil {
		p.metrics.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	}
}

func (p *Pipeline) countArchive(outcome string) {
	if p.metrics != nil {
		p.metrics.Archives.WithLabelValues(outcome).Inc()
	}
}

func changeEvents(runID string, cs *ChangeSets, at time.Time) []events.ChangeEvent {
	var out []events.ChangeEvent
	for _, slug := range slices.Sorted(maps.Keys(cs.Branches)) {
		if bcs := cs.Branches[slug]; !bcs.Empty() {
			out = append(out, events.ChangeEvent{
				RunID: runID, Brand: slug, Kind: "branches",
				Added: len(bcs.Added), Updated: len(bcs.Updated), At: at,
			})
		}
		byBranch := cs.Products[slug]
		for _, id := range slices.Sorted(maps.Keys(byBranch)) {
			if pcs := byBranch[id]; !pcs.Empty() {
				out = append(out, events.ChangeEvent{
					RunID: runID, Brand: slug, BranchID: id, Kind: "products",
					Added: len(pcs.Added), Updated: len(pcs.Updated), Deactivated: len(pcs.Deactivated), At: at,
				})
			}
		}
	}
	return out
}
