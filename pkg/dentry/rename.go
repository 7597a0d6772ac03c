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
	"runtime"
	"runtime/trace"
	"sync/atomic"

	"github.com/basenana/vfscache/pkg/types"
)

const maxPathLength = 4096

// Move relocates n from its current binding to (newParent, newName).
// The backing store rename must have succeeded before this is called;
// Move only repairs the cache. If newName was occupied, the displaced
// node is returned unhashed with one reference for the caller to
// dispose of.
//
// The whole mutation runs under the rename mutex with the generation
// counter held odd, so lock-free lookups either see the old binding or
// the new one, never a half-moved tree.
func (c *Cache) Move(ctx context.Context, n *Node, newParent *Node, newName string) (*Node, error) {
	defer trace.StartRegion(ctx, "dentry.cache.Move").End()
	if len(newName) > types.ObjectNameMaxLength {
		return nil, types.ErrNameTooLong
	}
	if !newParent.IsGroup() {
		return nil, types.ErrNoGroup
	}

	c.renameMux.Lock()
	defer c.renameMux.Unlock()

	if newParent == n || isAncestorLocked(n, newParent) {
		c.logger.Warnw("rename rejected, would orphan a cycle",
			"node", n.Name(), "newParent", newParent.Name())
		return nil, types.ErrLoopDetected
	}

	oldParent := n.Parent()
	first, second := dirLockOrder(oldParent, newParent)
	first.dirMux.Lock()
	defer first.dirMux.Unlock()
	if second != nil {
		second.dirMux.Lock()
		defer second.dirMux.Unlock()
	}

	atomic.AddUint64(&c.gen, 1) // odd: mutation in flight
	defer atomic.AddUint64(&c.gen, 1)

	var displaced *Node
	newParent.mux.Lock()
	displaced = newParent.children[newName]
	newParent.mux.Unlock()
	if displaced == n {
		return nil, nil
	}
	if displaced != nil {
		c.Acquire(displaced)
		c.Unhash(displaced)
		c.detachLocked(displaced)
	}

	oldName := n.Name()
	c.Unhash(n)
	oldParent.mux.Lock()
	if oldParent.children[oldName] == n {
		delete(oldParent.children, oldName)
		oldParent.refs--
	}
	oldParent.mux.Unlock()

	n.mux.Lock()
	n.name = newName
	n.nameHash = NameHash(newName)
	n.parent = newParent
	n.mux.Unlock()

	newParent.mux.Lock()
	if newParent.children == nil {
		newParent.children = map[string]*Node{}
	}
	newParent.children[newName] = n
	newParent.refs++
	newParent.mux.Unlock()
	c.Rehash(n)

	renameCounter.Inc()
	return displaced, nil
}

// detachLocked severs a doomed node from the tree: out of its parent's
// child map, parent pointer cleared. The node lives on until its last
// reference drops. Callers hold the rename mutex.
func (c *Cache) detachLocked(n *Node) {
	n.mux.Lock()
	parent, name := n.parent, n.name
	n.parent = nil
	n.mux.Unlock()
	if parent == nil || parent == n {
		return
	}
	parent.mux.Lock()
	if parent.children[name] == n {
		delete(parent.children, name)
		parent.refs--
	}
	parent.mux.Unlock()
}

// isAncestorLocked reports whether n is an ancestor of cand. Callers
// hold the rename mutex, which freezes every parent pointer.
func isAncestorLocked(n, cand *Node) bool {
	for cur := cand; cur != nil && cur.parent != cur; cur = cur.parent {
		if cur.parent == n {
			return true
		}
	}
	return false
}

// dirLockOrder decides which directory mutex is taken first: an
// ancestor before its descendant, otherwise the lower sequence number.
// Equal parents collapse to a single lock (second is nil).
func dirLockOrder(a, b *Node) (*Node, *Node) {
	if a == b {
		return a, nil
	}
	if isAncestorLocked(a, b) {
		return a, b
	}
	if isAncestorLocked(b, a) {
		return b, a
	}
	if a.seq < b.seq {
		return a, b
	}
	return b, a
}

// RenderPath walks parent pointers from n up to root and assembles the
// absolute path. Concurrent renames are detected through the
// generation counter and the walk restarts, so the result is always a
// path that existed at some instant.
func (c *Cache) RenderPath(n, root *Node) (string, error) {
	for {
		g := atomic.LoadUint64(&c.gen)
		if g&1 == 1 {
			runtime.Gosched()
			continue
		}

		path, err := renderOnce(n, root)
		if err != nil {
			return "", err
		}
		if atomic.LoadUint64(&c.gen) != g {
			generationRetryCounter.Inc()
			continue
		}
		return path, nil
	}
}

func renderOnce(n, root *Node) (string, error) {
	if n == root {
		return "/", nil
	}
	var (
		segs  []string
		total int
	)
	for cur := n; cur != root; {
		cur.mux.Lock()
		name, parent := cur.name, cur.parent
		cur.mux.Unlock()
		if parent == nil || parent == cur {
			// Detached or reached a different root: n is no longer
			// under root.
			return "", types.ErrStale
		}
		segs = append(segs, name)
		total += len(name) + 1
		if total > maxPathLength {
			return "", types.ErrNameTooLong
		}
		cur = parent
	}

	buf := make([]byte, 0, total)
	for i := len(segs) - 1; i >= 0; i-- {
		buf = append(buf, '/')
		buf = append(buf, segs[i]...)
	}
	return string(buf), nil
}
