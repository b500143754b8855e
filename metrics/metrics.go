// Copyright (c) 2025 Lux Partners Limited
// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for the RPC client, the
// indexer and the snapshot collector.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/ivtracker/indexer"
)

const namespace = "ivtracker"

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	RPCCalls    *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	IndexerRuns      *prometheus.CounterVec
	IndexerDuration  prometheus.Histogram
	IndexerPositions prometheus.Counter
	IndexerGaps      prometheus.Counter
	IndexerBlock     *prometheus.GaugeVec
	IndexerRemaining *prometheus.GaugeVec

	Collections    *prometheus.CounterVec
	SnapshotsSaved prometheus.Counter
	LastCollection prometheus.Gauge
}

// New creates the collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RPCCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "JSON-RPC calls by method and outcome",
			},
			[]string{"method", "outcome"}, // outcome: ok|transient|fatal|budget
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_duration_seconds",
				Help:      "JSON-RPC call latency including rate limiter wait",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method"},
		),

		IndexerRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexer_runs_total",
				Help:      "Indexer runs by final status",
			},
			[]string{"status"},
		),
		IndexerDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "indexer_run_duration_seconds",
				Help:      "Wall time of indexer runs",
				Buckets:   []float64{1, 5, 10, 20, 30, 45, 60, 120},
			},
		),
		IndexerPositions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexer_positions_total",
				Help:      "Positions persisted by the indexer",
			},
		),
		IndexerGaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "indexer_gaps_total",
				Help:      "Block ranges skipped after a narrowed retry failed",
			},
		),
		IndexerBlock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "indexer_last_block",
				Help:      "Last block reached by the indexer",
			},
			[]string{"contract"},
		),
		IndexerRemaining: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "indexer_blocks_remaining",
				Help:      "Blocks between the cursor and the chain head",
			},
			[]string{"contract"},
		),

		Collections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collections_total",
				Help:      "Snapshot collections by status",
			},
			[]string{"status"}, // status: success|error
		),
		SnapshotsSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_saved_total",
				Help:      "IV snapshots written",
			},
		),
		LastCollection: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_collection_timestamp",
				Help:      "Unix timestamp of the last successful collection",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RPCCalls, m.RPCDuration,
		m.IndexerRuns, m.IndexerDuration, m.IndexerPositions, m.IndexerGaps,
		m.IndexerBlock, m.IndexerRemaining,
		m.Collections, m.SnapshotsSaved, m.LastCollection,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRPC implements evm.Observer.
func (m *Metrics) ObserveRPC(method, outcome string, elapsed time.Duration) {
	m.RPCCalls.WithLabelValues(method, outcome).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveRun implements indexer.Recorder.
func (m *Metrics) ObserveRun(r *indexer.Report, elapsed time.Duration) {
	status := string(r.Status)
	if status == "" {
		status = "error"
	}
	m.IndexerRuns.WithLabelValues(status).Inc()
	m.IndexerDuration.Observe(elapsed.Seconds())
	m.IndexerPositions.Add(float64(r.PositionsFound))
	m.IndexerGaps.Add(float64(len(r.Gaps)))
	if r.Status != "" {
		m.IndexerBlock.WithLabelValues(r.Contract).Set(float64(r.ToBlock))
		m.IndexerRemaining.WithLabelValues(r.Contract).Set(float64(r.BlocksRemaining))
	}
}

// ObserveCollection records one snapshot collection.
func (m *Metrics) ObserveCollection(saved int, err error) {
	if err != nil {
		m.Collections.WithLabelValues("error").Inc()
		return
	}
	m.Collections.WithLabelValues("success").Inc()
	m.SnapshotsSaved.Add(float64(saved))
	m.LastCollection.SetToCurrentTime()
}
