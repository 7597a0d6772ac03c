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

type Config struct {
	Cache   Cache   `json:"cache"`
	Walker  Walker  `json:"walker"`
	Meta    *Meta   `json:"meta,omitempty"`
	Metrics Metrics `json:"metrics,omitempty"`
	Debug   bool    `json:"debug,omitempty"`
}

type Cache struct {
	// Shards of the node hash table. Must be a power of two.
	Shards int `json:"shards,omitempty"`
	// UnusedHighWater is the parked-node count above which background
	// pruning kicks in. Zero disables background pruning.
	UnusedHighWater int `json:"unused_high_water,omitempty"`
}

type Walker struct {
	MaxSymlinkDepth int `json:"max_symlink_depth,omitempty"`
	MaxSymlinkTotal int `json:"max_symlink_total,omitempty"`
	// SymlinkCacheSize bounds the cached symlink targets; zero uses
	// the default.
	SymlinkCacheSize int `json:"symlink_cache_size,omitempty"`
}

type Metrics struct {
	Enable bool `json:"enable,omitempty"`
	Port   int  `json:"port,omitempty"`
}

type Meta struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

const (
	SqliteMeta = "sqlite"
	MemoryMeta = "memory"
)
