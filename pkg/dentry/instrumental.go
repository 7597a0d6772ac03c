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

package dentry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveNodesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfscache_live_nodes",
			Help: "The count of cached path nodes.",
		},
	)
	negativeNodesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfscache_negative_nodes",
			Help: "The count of cached negative (absent-name) nodes.",
		},
	)
	unusedNodesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfscache_unused_nodes",
			Help: "The count of parked zero-reference nodes.",
		},
	)
	lookupHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_lookup_hits",
			Help: "This count of node lookups served from the hash table.",
		},
	)
	lookupMissCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_lookup_misses",
			Help: "This count of node lookups missing the hash table.",
		},
	)
	generationRetryCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_generation_retries",
			Help: "This count of lock-free reads restarted by a concurrent rename.",
		},
	)
	nodeDestroyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_node_destroys",
			Help: "This count of nodes torn down.",
		},
	)
	evictionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_node_evictions",
			Help: "This count of unused nodes reclaimed by the pruner.",
		},
	)
	invalidateCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_subtree_invalidations",
			Help: "This count of forced subtree invalidations.",
		},
	)
	renameCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_renames",
			Help: "This count of node moves applied to the tree.",
		},
	)
	aliasReuseCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_alias_reuses",
			Help: "This count of directory binds resolved to an existing alias.",
		},
	)
	spliceCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_alias_splices",
			Help: "This count of disconnected aliases spliced into the tree.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		liveNodesGauge,
		negativeNodesGauge,
		unusedNodesGauge,
		lookupHitCounter,
		lookupMissCounter,
		generationRetryCounter,
		nodeDestroyCounter,
		evictionCounter,
		invalidateCounter,
		renameCounter,
		aliasReuseCounter,
		spliceCounter,
	)
}
