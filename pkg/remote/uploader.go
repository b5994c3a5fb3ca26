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
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// RetryConfig controls retry behavior for batch commits.
type RetryConfig struct {
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// MaxBatchSize is the most writes one batch may carry.
const MaxBatchSize = 500

// Config controls the uploader.
type Config struct {
	BatchSize     int
	CommitTimeout time.Duration
	BatchPause    time.Duration // delay between consecutive batches of one upload
	Parallelism   int           // concurrent units in Sync
	Retry         RetryConfig
}

// DefaultConfig returns batches of 400 with a one minute commit timeout and
// five retries starting at one second.
func DefaultConfig() Config {
	return Config{
		BatchSize:     400,
		CommitTimeout: 60 * time.Second,
		BatchPause:    200 * time.Millisecond,
		Parallelism:   4,
		Retry: RetryConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
		},
	}
}

// Result summarizes one upload.
type Result struct {
	Attempted int
	Succeeded int
	Failed    int
	// Deferred holds documents not attempted because the write quota ran out.
	Deferred []Document
	// Retry holds documents of a failed batch and those after it, which a
	// later run can resend. Invalid ids and updates of missing documents are
	// not included: they cannot succeed.
	Retry []Document
}

// Uploader commits documents to a Store.
type Uploader struct {
	store  Store
	cfg    Config
	quota  *Quota
	logger *slog.Logger
}

// NewUploader creates an uploader. quota may be nil for no limit.
func NewUploader(store Store, cfg Config, quota *Quota, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	cfg.BatchSize = min(cfg.BatchSize, MaxBatchSize)
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Uploader{store: store, cfg: cfg, quota: quota, logger: logger}
}

// Upload writes docs to collection using op, keyed by doc[idField].
//
// Documents with an empty or unusable id are counted as failed and never
// batched. When a batch fails after retries, that batch and every document
// not yet attempted are counted as failed, returned in Retry, and Upload
// returns.
func (u *Uploader) Upload(ctx context.Context, collection string, docs []Document, idField string, op Op) Result {
	var res Result
	writes := make([]Write, 0, len(docs))
	pending := make([]Document, 0, len(docs))
	for _, d := range docs {
		id, err := docID(d, idField)
		if err != nil {
			res.Failed++
			u.logger.Warn("remote.doc.invalid_id", "collection", collection, "err", err)
			continue
		}
		writes = append(writes, Write{Op: op, ID: id, Doc: d})
		pending = append(pending, d)
	}

	for start := 0; start < len(writes); {
		end := min(start+u.cfg.BatchSize, len(writes))
		if u.quota != nil {
			end = start + u.quota.Take(end-start)
			if end == start {
				res.Deferred = append(res.Deferred, pending[start:]...)
				u.logger.Warn("remote.quota.exhausted", "collection", collection, "deferred", len(res.Deferred))
				break
			}
		}
		batch := writes[start:end]

		if start > 0 && u.cfg.BatchPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(u.cfg.BatchPause):
			}
		}

		res.Attempted += len(batch)
		if err := u.commit(ctx, collection, batch); err != nil {
			res.Failed += len(writes) - start
			if !errors.Is(err, ErrNotFound) {
				res.Retry = append(res.Retry, pending[start:]...)
			}
			u.logger.Error("remote.batch.failed",
				"collection", collection,
				"op", op,
				"batch_start", start,
				"batch_size", len(batch),
				"failed_docs", len(writes)-start,
				"err", err,
			)
			return res
		}
		res.Succeeded += len(batch)
		start = end
	}
	return res
}

// commit retries transient failures with exponential backoff. Every attempt
// runs under CommitTimeout.
func (u *Uploader) commit(ctx context.Context, collection string, batch []Write) error {
	backoff := u.cfg.Retry.InitialBackoff
	var err error
	for attempt := 0; attempt <= u.cfg.Retry.MaxRetries; attempt++ {
		err = u.commitOnce(ctx, collection, batch)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsRetryable(err) || attempt == u.cfg.Retry.MaxRetries {
			return err
		}
		u.logger.Warn("remote.batch.retry",
			"collection", collection,
			"attempt", attempt+1,
			"backoff", backoff,
			"err", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, u.cfg.Retry)
	}
	return err
}

func (u *Uploader) commitOnce(ctx context.Context, collection string, batch []Write) error {
	if u.cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.cfg.CommitTimeout)
		defer cancel()
	}
	return u.store.Commit(ctx, collection, batch)
}

func nextBackoff(cur time.Duration, rc RetryConfig) time.Duration {
	mult := rc.Multiplier
	if mult < 1 {
		mult = 2
	}
	next := time.Duration(float64(cur) * mult)
	if rc.MaxBackoff > 0 && next > rc.MaxBackoff {
		next = rc.MaxBackoff
	}
	return next
}

// Unit is one independent upload: a set of documents for one collection.
type Unit struct {
	Label      string     `json:"label"`
	Collection string     `json:"collection"`
	IDField    string     `json:"id_field"`
	Op         Op         `json:"op"`
	Docs       []Document `json:"docs"`
}

// SyncResult aggregates the outcome of Sync.
type SyncResult struct {
	Units     int
	Attempted int64
	Succeeded int64
	Failed    int64
	// FailedUnits counts units that left at least one document failed.
	FailedUnits int64
	// Deferred holds the unattempted remainder of units cut by the quota.
	Deferred []Unit
	// Retry holds the failed documents of units, to resend on a later run.
	Retry []Unit
}

// HasFailures reports whether any document failed.
func (r *SyncResult) HasFailures() bool { return r.Failed > 0 }

// Sync uploads units concurrently, at most cfg.Parallelism at a time. Each
// unit targets its own collection; a unit's failure does not stop the others.
func (u *Uploader) Sync(ctx context.Context, units []Unit) *SyncResult {
	var (
		attempted, succeeded, failed, failedUnits atomic.Int64
		mu                                        sync.Mutex
		deferred, retry                           []Unit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.Parallelism)
	for _, unit := range units {
		g.Go(func() error {
			if gctx.Err() != nil {
				failed.Add(int64(len(unit.Docs)))
				failedUnits.Add(1)
				mu.Lock()
				retry = append(retry, unit)
				mu.Unlock()
				return nil
			}
			res := u.Upload(gctx, unit.Collection, unit.Docs, unit.IDField, unit.Op)
			attempted.Add(int64(res.Attempted))
			succeeded.Add(int64(res.Succeeded))
			if res.Failed > 0 {
				failed.Add(int64(res.Failed))
				failedUnits.Add(1)
			}
			mu.Lock()
			if len(res.Deferred) > 0 {
				rest := unit
				rest.Docs = res.Deferred
				deferred = append(deferred, rest)
			}
			if len(res.Retry) > 0 {
				again := unit
				again.Docs = res.Retry
				retry = append(retry, again)
			}
			mu.Unlock()
			u.logger.Debug("remote.unit.done",
				"unit", unit.Label,
				"op", unit.Op,
				"succeeded", res.Succeeded,
				"failed", res.Failed,
				"deferred", len(res.Deferred),
			)
			return nil
		})
	}
	_ = g.Wait()

	return &SyncResult{
		Units:       len(units),
		Attempted:   attempted.Load(),
		Succeeded:   succeeded.Load(),
		Failed:      failed.Load(),
		FailedUnits: failedUnits.Load(),
		Deferred:    deferred,
		Retry:       retry,
	}
}

// Purge deletes every document in collection, pageSize at a time, and
// returns the number deleted.
func (u *Uploader) Purge(ctx context.Context, collection string, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}
	total := 0
	for {
		ids, err := u.store.IDs(ctx, collection, pageSize)
		if err != nil {
			return total, err
		}
		if len(ids) == 0 {
			return total, nil
		}
		writes := make([]Write, len(ids))
		for i, id := range ids {
			writes[i] = Write{Op: OpDelete, ID: id}
		}
		if err := u.commit(ctx, collection, writes); err != nil {
			return total, err
		}
		total += len(ids)
		u.logger.Info("remote.purge.page", "collection", collection, "deleted", len(ids), "total", total)
	}
}
