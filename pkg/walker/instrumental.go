/*
 Copyright 2023 NanaFS Authors.

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

package walker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	resolveLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vfscache_resolve_latency_seconds",
			Help:    "The latency of whole path resolutions.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 5, 5),
		},
	)
	resolveErrorCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_resolve_errors",
			Help: "This count of path resolutions ending in error.",
		},
	)
	symlinkExpandCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_symlink_expansions",
			Help: "This count of symlinks expanded during resolution.",
		},
	)
	symlinkCacheHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_symlink_cache_hits",
			Help: "This count of link targets served from the symlink cache.",
		},
	)
	mountsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfscache_mounts",
			Help: "The count of attached filesystem instances, first mount excluded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		resolveLatency,
		resolveErrorCounter,
		symlinkExpandCounter,
		symlinkCacheHitCounter,
		mountsGauge,
	)
}
