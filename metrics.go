// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendkv

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// handles numbers every Store opened in this process, so that several
// handles on one path can register with the same registry.
var handles atomic.Uint64

type storeMetrics struct {
	puts        prometheus.Counter
	putBytes    prometheus.Counter
	putsFailed  prometheus.Counter
	putDuration prometheus.Summary
	gets        prometheus.Counter
	getMisses   prometheus.Counter
	remaps      prometheus.Counter
	recovered   prometheus.Counter
	records     prometheus.Gauge

	reg        prometheus.Registerer
	registered []prometheus.Collector
}

// newStoreMetrics creates the metrics for a handle on the store at path,
// registering them with registerer if it is non-nil.  role is "writer" or
// "reader".  Every handle gets its own series, told apart by the handle
// label.
func newStoreMetrics(registerer prometheus.Registerer, path, role string) (*storeMetrics, error) {
	m := &storeMetrics{}

	m.puts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puts_total",
		Help: "Total number of records written.",
	})

	m.putBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "put_bytes_total",
		Help: "Total number of bytes appended to the data log.",
	})

	m.putsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "puts_failed_total",
		Help: "Total number of writes that failed.",
	})

	m.putDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Name:       "put_duration_seconds",
		Help:       "Duration of a durable write, both fsyncs included.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})

	m.gets = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gets_total",
		Help: "Total number of lookups.",
	})

	m.getMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "get_misses_total",
		Help: "Total number of lookups for keys that aren't in the store.",
	})

	m.remaps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "remaps_total",
		Help: "Total number of times a data or index file was mapped at a new size.",
	})

	m.recovered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recovered_entries_total",
		Help: "Total number of index entries rebuilt from the data log.",
	})

	m.records = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "records",
		Help: "Number of indexed records.",
	})

	if registerer == nil {
		return m, nil
	}

	labels := prometheus.Labels{
		"path":   path,
		"role":   role,
		"handle": strconv.FormatUint(handles.Add(1), 10),
	}
	m.reg = prometheus.WrapRegistererWith(labels,
		prometheus.WrapRegistererWithPrefix("appendkv_", registerer))
	for _, c := range []prometheus.Collector{
		m.puts, m.putBytes, m.putsFailed, m.putDuration,
		m.gets, m.getMisses, m.remaps, m.recovered, m.records,
	} {
		if err := m.reg.Register(c); err != nil {
			m.unregister()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		m.registered = append(m.registered, c)
	}

	return m, nil
}

// unregister removes the metrics from the registry, so that a store at
// the same path can be opened again later.
func (m *storeMetrics) unregister() {
	for _, c := range m.registered {
		m.reg.Unregister(c)
	}
	m.registered = nil
}

func (m *storeMetrics) observePut(recordLen int64, d time.Duration) {
	m.puts.Inc()
	m.putBytes.Add(float64(recordLen))
	m.putDuration.Observe(d.Seconds())
	m.records.Inc()
}
