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

// Package metrics exposes pipeline counters to Prometheus, either scraped
// over HTTP or pushed to a Pushgateway when the run ends.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "sepasync"

// Metrics holds the collectors of one process.
type Metrics struct {
	reg *prometheus.Registry

	Archives      *prometheus.CounterVec // by outcome: processed, failed, skipped
	Rows          *prometheus.CounterVec // by file (branches, products) and outcome
	Changes       *prometheus.CounterVec // by kind (branch, product) and set
	RemoteDocs    *prometheus.CounterVec // by outcome: succeeded, failed, deferred, retry
	PhaseDuration *prometheus.HistogramVec
	LastSuccess   prometheus.Gauge
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		Archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "archives_total", Help: "Inner archives seen, by outcome.",
		}, []string{"outcome"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_total", Help: "Feed rows, by file and outcome.",
		}, []string{"file", "outcome"}),
		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "changes_total", Help: "Reconciled records, by entity and change set.",
		}, []string{"entity", "set"}),
		RemoteDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "remote_documents_total", Help: "Documents pushed to the remote store, by outcome.",
		}, []string{"outcome"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "phase_duration_seconds", Help: "Duration of pipeline phases.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_success_timestamp_seconds", Help: "Unix time of the last successful run.",
		}),
	}
	reg.MustRegister(m.Archives, m.Rows, m.Changes, m.RemoteDocs, m.PhaseDuration, m.LastSuccess,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and pushing.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.reg }

// Push sends the current values to a Pushgateway under job.
func (m *Metrics) Push(url, job string) error {
	if err := push.New(url, job).Gatherer(m.reg).Push(); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
