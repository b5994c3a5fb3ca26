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
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/kraklabs/sepasync/pkg/remote"
)

// Remote document id fields.
const (
	BranchIDField  = "id_sucursal"
	ProductIDField = "id"
)

// syncRemote replays units left over by a previous run, then pushes this
// run's change-sets. Units cut by the quota and documents of failed batches
// are saved for the next run. Remote failures are recorded on res; they
// never undo the snapshot.
func (p *Pipeline) syncRemote(ctx context.Context, cs *ChangeSets, res *Result) {
	log := p.logger.With("run_id", res.RunID)
	overflow := p.cfg.Remote.OverflowFile

	var carried []remote.Unit
	if overflow != "" {
		pending, err := remote.LoadOverflow(overflow)
		if err != nil {
			log.Warn("pipeline.remote.overflow_unreadable", "path", overflow, "err", err)
		}
		if len(pending) > 0 {
			log.Info("pipeline.remote.replay", "units", len(pending), "docs", remote.CountDocs(pending))
			replay := p.uploader.Sync(ctx, pending)
			res.RemoteReplayed = int(replay.Succeeded)
			carried = append(slices.Clone(replay.Deferred), replay.Retry...)
			res.Remote = replay
		}
	}

	units, err := ChangeUnits(cs, res.Timestamp)
	if err != nil {
		log.Error("pipeline.remote.encode_failed", "err", err)
	}
	log.Info("pipeline.step.remote", "units", len(units), "docs", remote.CountDocs(units))
	sr := p.uploader.Sync(ctx, units)
	res.Remote = mergeSync(res.Remote, sr)

	next := append(carried, sr.Deferred...)
	next = append(next, sr.Retry...)
	res.RemoteDeferred = remote.CountDocs(res.Remote.Deferred)
	res.RemoteRetry = remote.CountDocs(res.Remote.Retry)
	if overflow != "" {
		if err := remote.SaveOverflow(overflow, next); err != nil {
			log.Error("pipeline.remote.overflow_save_failed", "path", overflow, "err", err)
		}
	} else if len(next) > 0 {
		log.Warn("pipeline.remote.pending_dropped", "docs", remote.CountDocs(next))
	}

	if p.metrics != nil {
		p.metrics.RemoteDocs.WithLabelValues("succeeded").Add(float64(res.Remote.Succeeded))
		p.metrics.RemoteDocs.WithLabelValues("failed").Add(float64(res.Remote.Failed))
		p.metrics.RemoteDocs.WithLabelValues("deferred").Add(float64(res.RemoteDeferred))
		p.metrics.RemoteDocs.WithLabelValues("retry").Add(float64(res.RemoteRetry))
	}
	if res.Remote.HasFailures() {
		log.Error("pipeline.remote.failures", "failed", res.Remote.Failed, "units", res.Remote.FailedUnits)
	}
}

func mergeSync(a, b *remote.SyncResult) *remote.SyncResult {
	if a == nil {
		return b
	}
	return &remote.SyncResult{
		Units:       a.Units + b.Units,
		Attempted:   a.Attempted + b.Attempted,
		Succeeded:   a.Succeeded + b.Succeeded,
		Failed:      a.Failed + b.Failed,
		FailedUnits: a.FailedUnits + b.FailedUnits,
		Deferred:    append(slices.Clone(a.Deferred), b.Deferred...),
		Retry:       append(slices.Clone(a.Retry), b.Retry...),
	}
}

// ChangeUnits turns change-sets into upload units in a stable order.
// Added and updated records are written whole; deactivations only touch
// stock and the update time.
func ChangeUnits(cs *ChangeSets, at time.Time) ([]remote.Unit, error) {
	var units []remote.Unit
	for _, slug := range slices.Sorted(maps.Keys(cs.Branches)) {
		bcs := cs.Branches[slug]
		col := remote.BranchesPath(slug)
		changed := append(slices.Clone(bcs.Added), bcs.Updated...)
		if len(changed) > 0 {
			docs, err := toDocuments(changed)
			if err != nil {
				return units, fmt.Errorf("encode branches %s: %w", slug, err)
			}
			units = append(units, remote.Unit{
				Label: slug + "/branches", Collection: col, IDField: BranchIDField, Op: remote.OpSet, Docs: docs,
			})
		}

		byBranch := cs.Products[slug]
		for _, id := range slices.Sorted(maps.Keys(byBranch)) {
			pcs := byBranch[id]
			col := remote.ProductsPath(slug, id)
			label := slug + "/" + id
			changed := append(slices.Clone(pcs.Added), pcs.Updated...)
			if len(changed) > 0 {
				docs, err := toDocuments(changed)
				if err != nil {
					return units, fmt.Errorf("encode products %s: %w", label, err)
				}
				units = append(units, remote.Unit{
					Label: label + "/products", Collection: col, IDField: ProductIDField, Op: remote.OpSet, Docs: docs,
				})
			}
			if len(pcs.Deactivated) > 0 {
				docs := make([]remote.Document, 0, len(pcs.Deactivated))
				for _, pr := range pcs.Deactivated {
					docs = append(docs, remote.Document{
						ProductIDField:         pr.ID,
						"stock":                false,
						"ultima_actualizacion": at.Format(time.RFC3339),
					})
				}
				units = append(units, remote.Unit{
					Label: label + "/deactivated", Collection: col, IDField: ProductIDField, Op: remote.OpUpdate, Docs: docs,
				})
			}
		}
	}
	return units, nil
}

// toDocuments converts records to documents through their JSON form so the
// remote fields match the snapshot files.
func toDocuments[T any](records []T) ([]remote.Document, error) {
	data, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	var docs []remote.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}
