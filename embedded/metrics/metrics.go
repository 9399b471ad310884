/*
Copyright 2025 The KNV Proto Engine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes prometheus instrumentation for the buffer arena
// and the protocol envelope.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsPoolBytesInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "knv_mempool_bytes_in_use",
		Help: "Bytes currently handed out by the buffer pool, per size class",
	}, []string{"class"})

	metricsPoolBytesFree = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "knv_mempool_bytes_free",
		Help: "Bytes retained on the pool free list, per size class",
	}, []string{"class"})

	metricsPoolShrinks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_mempool_shrinks_total",
		Help: "Number of shrink passes run under memory pressure",
	})

	metricsPoolDirectAllocs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_mempool_direct_allocs_total",
		Help: "Allocations larger than the biggest size class, served directly",
	})

	metricsPoolAllocFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_mempool_alloc_failures_total",
		Help: "Allocations refused after shrinking failed to reclaim space",
	})

	metricsProtoSplits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_proto_splits_total",
		Help: "Packets split into parts for transmission",
	})

	metricsProtoPartsMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_proto_parts_merged_total",
		Help: "Split parts merged back into complete packets",
	})

	metricsProtoIncompleteOverwritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_proto_incomplete_overwritten_total",
		Help: "Partially reassembled packets discarded in favour of a new one",
	})

	metricsProtoUndersizedEncodes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "knv_proto_undersized_encodes_total",
		Help: "Split attempts abandoned because the encoded size fit after all",
	})
)

func SetPoolBytes(class int, inUse, free int64) {
	l := strconv.Itoa(class)
	metricsPoolBytesInUse.WithLabelValues(l).Set(float64(inUse))
	metricsPoolBytesFree.WithLabelValues(l).Set(float64(free))
}

func IncPoolShrinks() {
	metricsPoolShrinks.Inc()
}

func IncPoolDirectAllocs() {
	metricsPoolDirectAllocs.Inc()
}

func IncPoolAllocFailures() {
	metricsPoolAllocFailures.Inc()
}

func IncProtoSplits() {
	metricsProtoSplits.Inc()
}

func IncProtoPartsMerged() {
	metricsProtoPartsMerged.Inc()
}

func IncProtoIncompleteOverwritten() {
	metricsProtoIncompleteOverwritten.Inc()
}

func IncProtoUndersizedEncodes() {
	metricsProtoUndersizedEncodes.Inc()
}
