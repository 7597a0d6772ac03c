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
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/dentry"
	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

// Mount is one attached filesystem instance. It owns a reference on
// its root node and, except for the first mount, one on the node it
// covers in the parent mount.
type Mount struct {
	ID    string
	store backend.Store
	root  *dentry.Node

	parent *Mount
	point  *dentry.Node
}

func (m *Mount) Root() *dentry.Node {
	return m.root
}

func (m *Mount) Store() backend.Store {
	return m.store
}

// Parent returns the mount this one is attached under and the covered
// node there. The first mount returns (nil, nil).
func (m *Mount) Parent() (*Mount, *dentry.Node) {
	return m.parent, m.point
}

// MountTable tracks which node each filesystem instance covers. The
// walker consults it on every mount-point crossing, downward at a
// covered node and upward at a mount root.
type MountTable struct {
	mux        sync.RWMutex
	cache      *dentry.Cache
	identities *identity.Cache
	mounts     map[uint64]*Mount // keyed by covered node seq
	first      *Mount
	logger     *zap.SugaredLogger
}

func NewMountTable(cache *dentry.Cache, identities *identity.Cache) *MountTable {
	return &MountTable{
		cache:      cache,
		identities: identities,
		mounts:     map[uint64]*Mount{},
		logger:     logger.NewLogger("mountTable"),
	}
}

// MountRoot attaches the first filesystem instance and builds its root
// node.
func (t *MountTable) MountRoot(ctx context.Context, store backend.Store) (*Mount, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.first != nil {
		return nil, types.ErrIsExist
	}
	m, err := t.buildMount(ctx, store)
	if err != nil {
		return nil, err
	}
	t.first = m
	t.logger.Infow("mounted root instance", "mount", m.ID, "instance", store.InstanceID())
	return m, nil
}

// Mount attaches a filesystem instance over an existing directory
// node. The covered node stays in the tree; resolution transparently
// steps onto the mounted root instead.
func (t *MountTable) Mount(ctx context.Context, at *dentry.Node, store backend.Store) (*Mount, error) {
	if !at.IsGroup() {
		return nil, types.ErrNoGroup
	}
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.first == nil {
		return nil, types.ErrNoMount
	}
	if _, covered := t.mounts[at.Seq()]; covered {
		return nil, types.ErrIsExist
	}
	m, err := t.buildMount(ctx, store)
	if err != nil {
		return nil, err
	}
	m.parent = t.mountOfLocked(at)
	m.point = at
	t.cache.Acquire(at)
	t.mounts[at.Seq()] = m
	mountsGauge.Inc()
	t.logger.Infow("mounted instance", "mount", m.ID, "instance", store.InstanceID(), "at", at.Name())
	return m, nil
}

func (t *MountTable) buildMount(ctx context.Context, store backend.Store) (*Mount, error) {
	desc, err := store.RootObject(ctx)
	if err != nil {
		return nil, err
	}
	id, err := t.identities.FindOrCreate(ctx, store.InstanceID(), desc.ObjectID,
		func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
	if err != nil {
		return nil, err
	}
	t.cache.RegisterStore(store)
	root := t.cache.NewRoot(id)
	return &Mount{ID: uuid.New().String(), store: store, root: root}, nil
}

// Unmount detaches a mount, forcibly reclaiming its cached subtree.
// A subtree node pinned by an outstanding reference fails the call
// with ErrBusy and nothing is reclaimed.
func (t *MountTable) Unmount(ctx context.Context, m *Mount) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if m == t.first {
		return types.ErrUnsupported
	}
	if err := t.cache.PruneSubtree(ctx, m.root); err != nil {
		return err
	}
	if m.root.Refs() > 1 {
		return types.ErrBusy
	}
	delete(t.mounts, m.point.Seq())
	mountsGauge.Dec()

	t.cache.Unhash(m.root)
	t.cache.Release(ctx, m.root)
	t.cache.Release(ctx, m.point)
	t.logger.Infow("unmounted instance", "mount", m.ID, "instance", m.store.InstanceID())
	return nil
}

// MountedAt returns the mount covering n, nil when n is not a mount
// point.
func (t *MountTable) MountedAt(n *dentry.Node) *Mount {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.mounts[n.Seq()]
}

// First returns the first (outermost) mount.
func (t *MountTable) First() *Mount {
	t.mux.RLock()
	defer t.mux.RUnlock()
	return t.first
}

// mountOfLocked finds the mount a node belongs to by chasing the
// node's root upward through mount points. Callers hold t.mux.
func (t *MountTable) mountOfLocked(n *dentry.Node) *Mount {
	cur := n
	for !cur.IsRoot() {
		cur = cur.Parent()
	}
	if t.first != nil && t.first.root == cur {
		return t.first
	}
	for _, m := range t.mounts {
		if m.root == cur {
			return m
		}
	}
	return t.first
}
