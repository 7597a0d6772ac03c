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

package identity

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	liveIdentityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vfscache_live_identities",
			Help: "The count of cached file identities.",
		},
	)
	identityLoadLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vfscache_identity_load_latency_seconds",
			Help:    "The latency of identity loads from the backing store.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 5, 5),
		},
	)
	identityDestroyCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vfscache_identity_destroys",
			Help: "This count of identities torn down after last unlink.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		liveIdentityGauge,
		identityLoadLatency,
		identityDestroyCounter,
	)
}
