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

package backend

import (
	"context"
	"fmt"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/types"
)

// RootObjectID is the well-known object id of every instance's root
// group.
const RootObjectID = 1

// Validity is a revalidation verdict for a cached name binding.
type Validity int

const (
	// Valid means the cached binding can be trusted as-is.
	Valid Validity = iota
	// InvalidRecoverable means the binding is gone but a fresh lookup
	// may succeed; the cache evicts and retries once.
	InvalidRecoverable
	// InvalidFatal fails the whole walk with ErrStale.
	InvalidFatal
)

// Store is one mounted filesystem instance. The cache core consults it
// only on cache miss; everything it returns is a point-in-time
// snapshot the cache is responsible for keeping coherent.
//
// Unlink covers both files and groups; removing a non-empty group must
// fail with types.ErrNotEmpty. Release is called once per object after
// its link count and in-memory reference count both reached zero.
type Store interface {
	InstanceID() string

	RootObject(ctx context.Context) (*types.ObjectDescriptor, error)
	Lookup(ctx context.Context, parentID int64, name string) (*types.ObjectDescriptor, error)
	Create(ctx context.Context, parentID int64, attr types.ObjectAttr) (*types.ObjectDescriptor, error)
	Link(ctx context.Context, parentID int64, name string, objectID int64) (*types.ObjectDescriptor, error)
	Unlink(ctx context.Context, parentID int64, name string) error
	Rename(ctx context.Context, oldParentID int64, oldName string, newParentID int64, newName string) error
	ReadLink(ctx context.Context, objectID int64) (string, error)
	Revalidate(ctx context.Context, parentID int64, name string, objectID int64) Validity
	Release(ctx context.Context, objectID int64) error
}

func NewStore(meta config.Meta) (Store, error) {
	switch meta.Type {
	case config.MemoryMeta:
		return NewMemoryStore(), nil
	case config.SqliteMeta:
		return newSqliteStore(meta)
	default:
		return nil, fmt.Errorf("unknown meta type: %s", meta.Type)
	}
}
