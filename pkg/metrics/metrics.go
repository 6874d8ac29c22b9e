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

// Package metrics carries the prometheus counters/histograms for the
// ingestion, crawl, and retrieval paths. One Registry is built by pkg/core
// and threaded through; nothing here touches a package-level default
// registerer, so `cie serve` exposes exactly these metrics and nothing a
// stray promauto import happens to register.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric the platform emits, registered against one
// prometheus.Registerer so `cie serve`'s /metrics endpoint can expose exactly these
// and nothing promauto's default registry happens to have picked up.
type Registry struct {
	IngestFilesTotal   *prometheus.CounterVec
	IngestChunksTotal  *prometheus.CounterVec
	IngestErrorsTotal  *prometheus.CounterVec
	IngestJobDuration  *prometheus.HistogramVec
	EmbedBatchDuration *prometheus.HistogramVec
	EmbedDropped       *prometheus.CounterVec

	CrawlPagesTotal  *prometheus.CounterVec
	CrawlErrorsTotal *prometheus.CounterVec

	RetrieveQueryDuration *prometheus.HistogramVec
	RetrieveDegradedTotal *prometheus.CounterVec

	JobsQueued prometheus.Gauge
	JobsActive prometheus.Gauge
}

// New builds and registers a Registry against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		IngestFilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "ingest",
			Name:      "files_total",
			Help:      "Files processed by the ingestion coordinator, by outcome.",
		}, []string{"outcome"}),
		IngestChunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks written or dropped by the ingestion coordinator.",
		}, []string{"outcome"}),
		IngestErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "ingest",
			Name:      "errors_total",
			Help:      "Per-file errors encountered during ingestion, by stage.",
		}, []string{"stage"}),
		IngestJobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kie",
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of a completed ingestion job.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"kind", "state"}),
		EmbedBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kie",
			Subsystem: "embed",
			Name:      "batch_duration_seconds",
			Help:      "Latency of one encoder batch call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"family"}),
		EmbedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "embed",
			Name:      "dropped_total",
			Help:      "Chunks dropped after exhausting embedding retries.",
		}, []string{"family"}),
		CrawlPagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "crawl",
			Name:      "pages_total",
			Help:      "Pages fetched by the crawl engine, by outcome.",
		}, []string{"outcome"}),
		CrawlErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "crawl",
			Name:      "errors_total",
			Help:      "Crawl fetch errors, by reason.",
		}, []string{"reason"}),
		RetrieveQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kie",
			Subsystem: "retrieve",
			Name:      "query_duration_seconds",
			Help:      "Latency of one retrieval query end to end.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"hybrid", "rerank"}),
		RetrieveDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kie",
			Subsystem: "retrieve",
			Name:      "degraded_total",
			Help:      "Queries that returned a partial/degraded response, by reason.",
		}, []string{"reason"}),
		JobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kie",
			Subsystem: "queue",
			Name:      "jobs_queued",
			Help:      "Jobs currently in the queued state.",
		}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kie",
			Subsystem: "queue",
			Name:      "jobs_active",
			Help:      "Jobs currently running.",
		}),
	}

	reg.MustRegister(
		r.IngestFilesTotal, r.IngestChunksTotal, r.IngestErrorsTotal, r.IngestJobDuration,
		r.EmbedBatchDuration, r.EmbedDropped,
		r.CrawlPagesTotal, r.CrawlErrorsTotal,
		r.RetrieveQueryDuration, r.RetrieveDegradedTotal,
		r.JobsQueued, r.JobsActive,
	)
	return r
}

// ObserveIngestResult records the counters for one completed ingestion run.
func (r *Registry) ObserveIngestResult(filesAdded, filesChanged, filesRemoved, chunksWritten, chunksDropped int, fileErrors int) {
	r.IngestFilesTotal.WithLabelValues("added").Add(float64(filesAdded))
	r.IngestFilesTotal.WithLabelValues("changed").Add(float64(filesChanged))
	r.IngestFilesTotal.WithLabelValues("removed").Add(float64(filesRemoved))
	r.IngestChunksTotal.WithLabelValues("written").Add(float64(chunksWritten))
	r.IngestChunksTotal.WithLabelValues("dropped").Add(float64(chunksDropped))
	if fileErrors > 0 {
		r.IngestErrorsTotal.WithLabelValues("file").Add(float64(fileErrors))
	}
}
