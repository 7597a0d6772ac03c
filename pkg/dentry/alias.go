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
	"context"
	"runtime/trace"
	"sync/atomic"

	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/identity"
)

// Bind attaches an identity to node and hashes the result, consuming
// the caller's identity reference. For directories one hashed alias is
// the invariant: if the identity already has one, that node is
// returned instead of node; if it has a disconnected alias, that alias
// is spliced into node's position and returned. Either way the caller
// keeps its reference on node and gains one on the returned node when
// it differs.
//
// Rebinding a node still attached to another identity unbinds the old
// one first; an invalidated but pinned node is reused this way when a
// new object appears at its name. Callers must not hold the parent's
// directory mutex: the splice path locks the rename mutex before any
// directory mutex.
func (c *Cache) Bind(ctx context.Context, node *Node, id *identity.Identity, store backend.Store) (*Node, error) {
	defer trace.StartRegion(ctx, "dentry.cache.Bind").End()
	if id.IsGroup() {
		if alias := id.HashedAlias(false); alias != nil && alias != identity.Alias(node) {
			existing := alias.(*Node)
			c.logger.Debugw("directory already aliased, reusing",
				"objectID", id.ObjectID, "alias", existing.Name())
			c.Acquire(existing)
			c.identities.Release(ctx, id, store)
			aliasReuseCounter.Inc()
			return existing, nil
		}
		if alias := id.HashedAlias(true); alias != nil && alias != identity.Alias(node) {
			return c.splice(ctx, alias.(*Node), node, id, store)
		}
	}

	node.mux.Lock()
	old := node.id
	node.id = id
	node.flags &^= flagDisconnected
	node.mux.Unlock()
	switch {
	case old == id:
		// A concurrent walker already bound the same identity; the
		// extra reference is surplus.
		c.identities.Release(ctx, id, store)
	case old != nil:
		id.AddAlias(node)
		old.RemoveAlias(node)
		c.identities.Release(ctx, old, store)
	default:
		id.AddAlias(node)
		atomic.AddInt64(&c.negativeNodes, -1)
		negativeNodesGauge.Dec()
	}
	c.Rehash(node)
	return node, nil
}

// NewDisconnected builds an unhashed node for an identity reached
// through an opaque handle rather than a path. It is spliced into its
// real position by the next Bind that discovers the true name. The
// caller's identity reference is consumed; the node carries one
// reference for the caller.
func (c *Cache) NewDisconnected(id *identity.Identity) *Node {
	n := &Node{
		seq:   atomic.AddUint64(&c.nextSeq, 1),
		refs:  1,
		id:    id,
		flags: flagDisconnected,
	}
	id.AddAlias(n)
	atomic.AddInt64(&c.liveNodes, 1)
	liveNodesGauge.Inc()
	return n
}

// splice moves a disconnected alias dn into the position the negative
// or fresh node n was allocated at, then discards n. The mutation is a
// tree change, so it runs like a rename: under the rename mutex with
// the generation counter odd.
func (c *Cache) splice(ctx context.Context, dn, n *Node, id *identity.Identity, store backend.Store) (*Node, error) {
	c.renameMux.Lock()
	defer c.renameMux.Unlock()

	dn.mux.Lock()
	hashed := dn.flags&flagHashed != 0
	dn.mux.Unlock()
	if hashed {
		// Another bind won the splice while we waited on the rename
		// mutex; reuse its result.
		c.Acquire(dn)
		c.identities.Release(ctx, id, store)
		aliasReuseCounter.Inc()
		return dn, nil
	}

	name := n.Name()
	parent := n.Parent()
	// The directory lock keeps concurrent fills of parent out of the
	// window between detaching n and inserting dn.
	parent.LockDir()
	defer parent.UnlockDir()

	atomic.AddUint64(&c.gen, 1)
	defer atomic.AddUint64(&c.gen, 1)

	c.Unhash(n)
	c.detachLocked(n)

	dn.mux.Lock()
	dn.name = name
	dn.nameHash = NameHash(name)
	dn.parent = parent
	dn.flags &^= flagDisconnected
	dn.mux.Unlock()

	parent.mux.Lock()
	if parent.children == nil {
		parent.children = map[string]*Node{}
	}
	parent.children[name] = dn
	parent.refs++
	parent.mux.Unlock()
	c.Rehash(dn)
	c.Acquire(dn)

	// dn already holds its own identity reference from when it was
	// built; the one the caller passed in is surplus.
	c.identities.Release(ctx, id, store)
	spliceCounter.Inc()

	c.logger.Debugw("spliced disconnected alias", "objectID", id.ObjectID, "name", name)
	return dn, nil
}
