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
	"container/list"
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

// ReleaseOutcome reports what dropping a node reference did.
type ReleaseOutcome int

const (
	StillReferenced ReleaseOutcome = iota
	Parked
	Destroyed
)

type hashKey struct {
	parentSeq uint64
	nameHash  uint32
}

type cacheShard struct {
	mux   sync.Mutex
	table map[hashKey][]*Node
}

// Cache is the node cache: a sharded hash table for lookup, a tree for
// structure, and an unused list feeding eviction. Multiple instances
// can coexist; nothing here is process-global.
type Cache struct {
	cfg        config.Cache
	identities *identity.Cache
	logger     *zap.SugaredLogger

	shards    []*cacheShard
	shardMask uint64

	// renameMux serializes every tree mutation (rename, splice,
	// subtree invalidation); gen is the generation counter lock-free
	// readers retry on. Odd while a mutation is in flight.
	renameMux sync.Mutex
	gen       uint64

	unusedMux  sync.Mutex
	unusedList *list.List

	storeMux sync.Mutex
	stores   map[string]backend.Store

	nextSeq uint64

	liveNodes     int64
	negativeNodes int64
	unusedNodes   int64
}

// Stats is the read-only, eventually-consistent statistics surface.
type Stats struct {
	LiveNodes     int64
	NegativeNodes int64
	UnusedNodes   int64
	LiveIdentity  int64
}

func NewCache(identities *identity.Cache, cfg config.Cache) *Cache {
	shards := cfg.Shards
	if shards <= 0 {
		shards = config.Default().Cache.Shards
	}
	// round up to a power of two
	n := 1
	for n < shards {
		n <<= 1
	}
	c := &Cache{
		cfg:        cfg,
		identities: identities,
		logger:     logger.NewLogger("nodeCache"),
		shards:     make([]*cacheShard, n),
		shardMask:  uint64(n - 1),
		unusedList: list.New(),
		stores:     map[string]backend.Store{},
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{table: map[hashKey][]*Node{}}
	}
	return c
}

// RegisterStore makes a backing store reachable for identity teardown
// triggered by eviction. Mount code calls this.
func (c *Cache) RegisterStore(store backend.Store) {
	c.storeMux.Lock()
	defer c.storeMux.Unlock()
	c.stores[store.InstanceID()] = store
}

func (c *Cache) storeFor(instance string) backend.Store {
	c.storeMux.Lock()
	defer c.storeMux.Unlock()
	return c.stores[instance]
}

// NewRoot builds the hashed root node of one filesystem instance. The
// returned node carries one reference owned by the caller (the mount).
func (c *Cache) NewRoot(id *identity.Identity) *Node {
	n := &Node{
		seq:  atomic.AddUint64(&c.nextSeq, 1),
		name: "/",
		refs: 1,
		id:   id,
	}
	n.parent = n
	n.nameHash = NameHash(n.name)
	id.AddAlias(n)
	atomic.AddInt64(&c.liveNodes, 1)
	liveNodesGauge.Inc()
	c.Rehash(n)
	return n
}

func (c *Cache) shard(k hashKey) *cacheShard {
	return c.shards[(k.parentSeq^uint64(k.nameHash))&c.shardMask]
}

// Lookup finds the hashed child of parent with the given name and
// returns it with one reference held, or nil on miss. The scan runs
// without any global lock; a rename racing it bumps the generation
// counter and the scan silently retries.
func (c *Cache) Lookup(parent *Node, name string) *Node {
	h := NameHash(name)
	k := hashKey{parentSeq: parent.seq, nameHash: h}
	for {
		g := atomic.LoadUint64(&c.gen)
		if g&1 == 1 {
			runtime.Gosched()
			continue
		}

		var found *Node
		sh := c.shard(k)
		sh.mux.Lock()
		for _, n := range sh.table[k] {
			n.mux.Lock()
			if n.parent == parent && n.name == name && n.flags&flagHashed != 0 {
				n.refs++
				n.flags |= flagReferenced
				found = n
			}
			n.mux.Unlock()
			if found != nil {
				break
			}
		}
		sh.mux.Unlock()

		if atomic.LoadUint64(&c.gen) != g {
			// Torn read: a rename moved something while we scanned.
			generationRetryCounter.Inc()
			if found != nil {
				c.Release(context.Background(), found)
				found = nil
			}
			continue
		}
		if found != nil {
			lookupHitCounter.Inc()
		} else {
			lookupMissCounter.Inc()
		}
		return found
	}
}

// Alloc creates a negative, unhashed child of parent and returns it
// with one reference held. If a child with that name already exists in
// the tree the existing node is returned instead. Callers serialize
// via the parent's directory mutex.
func (c *Cache) Alloc(parent *Node, name string) (*Node, error) {
	if len(name) > types.ObjectNameMaxLength {
		return nil, types.ErrNameTooLong
	}
	parent.mux.Lock()
	if existing := parent.children[name]; existing != nil {
		parent.mux.Unlock()
		c.Acquire(existing)
		return existing, nil
	}
	n := &Node{
		seq:      atomic.AddUint64(&c.nextSeq, 1),
		name:     name,
		nameHash: NameHash(name),
		parent:   parent,
		refs:     1,
		// Fresh nodes count as touched: the first eviction scan gives
		// them a second chance instead of reclaiming them.
		flags: flagReferenced,
	}
	if parent.children == nil {
		parent.children = map[string]*Node{}
	}
	parent.children[name] = n
	parent.refs++
	parent.mux.Unlock()

	atomic.AddInt64(&c.liveNodes, 1)
	atomic.AddInt64(&c.negativeNodes, 1)
	liveNodesGauge.Inc()
	negativeNodesGauge.Inc()
	return n, nil
}

// Rehash inserts the node into the hash table, making it visible to
// Lookup.
func (c *Cache) Rehash(n *Node) {
	n.mux.Lock()
	k := hashKey{parentSeq: n.parent.seq, nameHash: n.nameHash}
	n.mux.Unlock()

	sh := c.shard(k)
	sh.mux.Lock()
	n.mux.Lock()
	if n.flags&flagHashed == 0 {
		n.flags |= flagHashed
		sh.table[k] = append(sh.table[k], n)
	}
	n.mux.Unlock()
	sh.mux.Unlock()
}

// Unhash removes the node from the hash table. Existing holders keep
// their references; only future lookups are affected.
func (c *Cache) Unhash(n *Node) {
	n.mux.Lock()
	k := hashKey{parentSeq: n.parent.seq, nameHash: n.nameHash}
	n.mux.Unlock()

	sh := c.shard(k)
	sh.mux.Lock()
	n.mux.Lock()
	c.unhashLocked(sh, k, n)
	n.mux.Unlock()
	sh.mux.Unlock()
}

// unhashLocked removes n from its bucket. Callers hold the shard and
// node mutexes.
func (c *Cache) unhashLocked(sh *cacheShard, k hashKey, n *Node) {
	if n.flags&flagHashed == 0 {
		return
	}
	n.flags &^= flagHashed
	bucket := sh.table[k]
	for i, cand := range bucket {
		if cand == n {
			sh.table[k] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(sh.table[k]) == 0 {
		delete(sh.table, k)
	}
}

func (c *Cache) Acquire(n *Node) {
	n.mux.Lock()
	n.refs++
	n.flags |= flagReferenced
	n.mux.Unlock()
}

// Release drops one reference. At zero a hashed node parks on the
// unused list for reuse; an unhashed one is destroyed immediately,
// iteratively releasing parents left childless and unreferenced.
func (c *Cache) Release(ctx context.Context, n *Node) ReleaseOutcome {
	n.mux.Lock()
	if n.refs <= 0 {
		n.mux.Unlock()
		c.logger.Errorw("release of unreferenced node", "name", n.name, "seq", n.seq)
		return StillReferenced
	}
	n.refs--
	if n.refs > 0 {
		n.mux.Unlock()
		return StillReferenced
	}
	hashed := n.flags&flagHashed != 0
	n.mux.Unlock()

	if hashed {
		c.park(n)
		return Parked
	}
	c.destroyChain(ctx, n)
	return Destroyed
}

// park moves a zero-reference hashed node onto the unused list.
func (c *Cache) park(n *Node) {
	c.unusedMux.Lock()
	n.mux.Lock()
	if n.refs == 0 && n.unused == nil && n.flags&flagHashed != 0 {
		n.unused = c.unusedList.PushFront(n)
		atomic.AddInt64(&c.unusedNodes, 1)
		unusedNodesGauge.Inc()
	}
	n.mux.Unlock()
	c.unusedMux.Unlock()
}

// destroyChain tears down an unreferenced, unhashed node and walks up
// the parent chain iteratively, so deep trees cannot grow the stack.
func (c *Cache) destroyChain(ctx context.Context, n *Node) {
	for n != nil {
		c.unusedMux.Lock()
		n.mux.Lock()
		if n.refs > 0 || n.flags&flagHashed != 0 || n.parent == n {
			n.mux.Unlock()
			c.unusedMux.Unlock()
			return
		}
		if n.unused != nil {
			c.unusedList.Remove(n.unused)
			n.unused = nil
			atomic.AddInt64(&c.unusedNodes, -1)
			unusedNodesGauge.Dec()
		}
		parent, id, name := n.parent, n.id, n.name
		n.id = nil
		n.mux.Unlock()
		c.unusedMux.Unlock()

		var next *Node
		if parent != nil {
			parent.mux.Lock()
			if parent.children[name] == n {
				delete(parent.children, name)
			}
			parent.refs--
			zero := parent.refs == 0 && parent.parent != parent
			hashedParent := parent.flags&flagHashed != 0
			parent.mux.Unlock()
			if zero {
				if hashedParent {
					c.park(parent)
				} else {
					next = parent
				}
			}
		}

		if id != nil {
			id.RemoveAlias(n)
			c.identities.Release(ctx, id, c.storeFor(id.Instance))
		} else {
			atomic.AddInt64(&c.negativeNodes, -1)
			negativeNodesGauge.Dec()
		}
		atomic.AddInt64(&c.liveNodes, -1)
		liveNodesGauge.Dec()
		nodeDestroyCounter.Inc()

		n = next
	}
}

func (c *Cache) Stats() Stats {
	return Stats{
		LiveNodes:     atomic.LoadInt64(&c.liveNodes),
		NegativeNodes: atomic.LoadInt64(&c.negativeNodes),
		UnusedNodes:   atomic.LoadInt64(&c.unusedNodes),
		LiveIdentity:  int64(c.identities.Len()),
	}
}
