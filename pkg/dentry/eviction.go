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
	"time"

	"github.com/hyponet/eventbus"

	"github.com/basenana/vfscache/pkg/types"
)

const prunerInterval = time.Second * 30

// Prune scans the unused list from its tail until the parked-node
// count drops to target or one full pass completed. A node acquired
// since the last scan gets one second chance: its referenced mark is
// cleared and it is requeued instead of evicted.
func (c *Cache) Prune(ctx context.Context, target int) int {
	defer trace.StartRegion(ctx, "dentry.cache.Prune").End()
	c.renameMux.Lock()
	defer c.renameMux.Unlock()
	return c.pruneLocked(ctx, target)
}

func (c *Cache) pruneLocked(ctx context.Context, target int) int {
	evicted := 0
	c.unusedMux.Lock()
	limit := c.unusedList.Len()
	c.unusedMux.Unlock()

	for i := 0; i < limit; i++ {
		if int(atomic.LoadInt64(&c.unusedNodes)) <= target {
			break
		}

		c.unusedMux.Lock()
		e := c.unusedList.Back()
		if e == nil {
			c.unusedMux.Unlock()
			break
		}
		n := e.Value.(*Node)
		n.mux.Lock()
		if n.refs > 0 {
			// Re-acquired since parking; its holder re-parks on the
			// final release.
			c.unusedList.Remove(e)
			n.unused = nil
			atomic.AddInt64(&c.unusedNodes, -1)
			unusedNodesGauge.Dec()
			n.mux.Unlock()
			c.unusedMux.Unlock()
			continue
		}
		if n.flags&flagReferenced != 0 {
			n.flags &^= flagReferenced
			c.unusedList.Remove(e)
			n.unused = c.unusedList.PushFront(n)
			n.mux.Unlock()
			c.unusedMux.Unlock()
			continue
		}
		c.unusedList.Remove(e)
		n.unused = nil
		atomic.AddInt64(&c.unusedNodes, -1)
		unusedNodesGauge.Dec()
		n.mux.Unlock()
		c.unusedMux.Unlock()

		if c.evictNode(ctx, n) {
			evicted++
		}
	}
	return evicted
}

// evictNode unhashes and destroys one unused node. Callers hold the
// rename mutex, so the node's position cannot move underneath us.
func (c *Cache) evictNode(ctx context.Context, n *Node) bool {
	n.mux.Lock()
	k := hashKey{parentSeq: n.parent.seq, nameHash: n.nameHash}
	n.mux.Unlock()

	sh := c.shard(k)
	sh.mux.Lock()
	n.mux.Lock()
	if n.refs > 0 || n.flags&flagHashed == 0 {
		n.mux.Unlock()
		sh.mux.Unlock()
		return false
	}
	c.unhashLocked(sh, k, n)
	n.mux.Unlock()
	sh.mux.Unlock()

	c.destroyChain(ctx, n)
	evictionCounter.Inc()
	return true
}

// PruneSubtree forcibly reclaims every strict descendant of n, used at
// unmount. A descendant pinned by an outstanding reference fails the
// whole call with ErrBusy before anything is unhashed.
func (c *Cache) PruneSubtree(ctx context.Context, n *Node) error {
	defer trace.StartRegion(ctx, "dentry.cache.PruneSubtree").End()
	c.renameMux.Lock()
	defer c.renameMux.Unlock()

	nodes := c.collectSubtree(n)
	for _, cand := range nodes {
		if cand == n {
			continue
		}
		cand.mux.Lock()
		pinned := cand.externalRefsLocked() > 0
		cand.mux.Unlock()
		if pinned {
			return types.ErrBusy
		}
	}

	descendants := nodes[:len(nodes)-1] // postorder, n itself is last
	c.unhashSubtree(descendants)
	for _, cand := range descendants {
		cand.mux.Lock()
		leaf := len(cand.children) == 0 && cand.refs == 0
		cand.mux.Unlock()
		if leaf {
			c.destroyChain(ctx, cand)
		}
	}
	return nil
}

// Invalidate forces n and its subtree out of the cache: every node
// becomes unreachable by name at once, while outstanding references
// (and their bound identities) stay valid until released.
func (c *Cache) Invalidate(ctx context.Context, n *Node) {
	defer trace.StartRegion(ctx, "dentry.cache.Invalidate").End()
	c.renameMux.Lock()
	nodes := c.collectSubtree(n)
	c.unhashSubtree(nodes)
	c.renameMux.Unlock()

	for _, cand := range nodes {
		cand.mux.Lock()
		dead := cand.refs == 0 && len(cand.children) == 0
		cand.mux.Unlock()
		if dead {
			c.destroyChain(ctx, cand)
		}
	}

	if id := n.Identity(); id != nil {
		eventbus.Publish(types.TopicNodeInvalidate,
			types.BuildCacheEvent(types.TopicNodeInvalidate, id.Instance, id.ObjectID, id.Kind()))
	}
	invalidateCounter.Inc()
}

// collectSubtree returns n and all descendants, children before their
// parent (postorder). Callers hold the rename mutex.
func (c *Cache) collectSubtree(n *Node) []*Node {
	var (
		stack     = []*Node{n}
		preorder  []*Node
		postorder []*Node
	)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		preorder = append(preorder, cur)
		cur.mux.Lock()
		for _, child := range cur.children {
			stack = append(stack, child)
		}
		cur.mux.Unlock()
	}
	for i := len(preorder) - 1; i >= 0; i-- {
		postorder = append(postorder, preorder[i])
	}
	return postorder
}

func (c *Cache) unhashSubtree(nodes []*Node) {
	for _, n := range nodes {
		n.mux.Lock()
		k := hashKey{parentSeq: n.parent.seq, nameHash: n.nameHash}
		hashed := n.flags&flagHashed != 0
		n.mux.Unlock()
		if !hashed {
			continue
		}
		sh := c.shard(k)
		sh.mux.Lock()
		n.mux.Lock()
		c.unhashLocked(sh, k, n)
		n.mux.Unlock()
		sh.mux.Unlock()
	}
}

// RunPruner reclaims parked nodes in the background once the unused
// list outgrows the configured high watermark.
func (c *Cache) RunPruner(stopCh chan struct{}) {
	if c.cfg.UnusedHighWater <= 0 {
		return
	}
	c.logger.Debugw("start background pruner", "highWater", c.cfg.UnusedHighWater)
	ticker := time.NewTicker(prunerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if int(atomic.LoadInt64(&c.unusedNodes)) > c.cfg.UnusedHighWater {
				reclaimed := c.Prune(context.Background(), c.cfg.UnusedHighWater/2)
				c.logger.Infow("background prune finished", "reclaimed", reclaimed)
			}
		}
	}
}
