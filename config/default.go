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

package config

func Default() Config {
	return Config{
		Cache: Cache{
			Shards:          64,
			UnusedHighWater: 1 << 15,
		},
		Walker: Walker{
			MaxSymlinkDepth:  8,
			MaxSymlinkTotal:  40,
			SymlinkCacheSize: 1 << 12,
		},
		Metrics: Metrics{Port: 7080},
	}
}
