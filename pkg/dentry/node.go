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
	"hash/fnv"
	"sync"

	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
)

type nodeFlag uint32

const (
	// flagHashed: reachable through the cache hash table.
	flagHashed nodeFlag = 1 << iota
	// flagDisconnected: bound to an identity but not linked under its
	// true name yet (reached through an opaque handle).
	flagDisconnected
	// flagReferenced: touched since the last eviction scan; grants one
	// second chance.
	flagReferenced
)

// Node is one name binding in the path tree. A nil bound identity
// marks a negative node, recording that the name does not exist.
//
// Lock order, outermost first: rename mutex, directory mutex, shard
// mutex, unused-list mutex, node mutex. Of two node mutexes the
// parent's is taken first.
type Node struct {
	// seq is the creation-order sequence number; it keys the hash
	// table and gives rename locking a stable total order.
	seq uint64

	mux    sync.Mutex
	dirMux sync.Mutex

	name     string
	nameHash uint32
	parent   *Node // self for roots
	children map[string]*Node
	id       *identity.Identity
	flags    nodeFlag
	refs     int32
	unused   *list.Element
}

var _ identity.Alias = &Node{}

func (n *Node) Name() string {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.name
}

// Parent returns the current parent without holding a reference. Roots
// return themselves.
func (n *Node) Parent() *Node {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.parent
}

// Identity returns the bound identity, nil for negative nodes.
func (n *Node) Identity() *identity.Identity {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.id
}

func (n *Node) IsNegative() bool {
	return n.Identity() == nil
}

func (n *Node) IsRoot() bool {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.parent == n
}

func (n *Node) Seq() uint64 {
	return n.seq
}

func (n *Node) Refs() int32 {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.refs
}

func (n *Node) AliasHashed() bool {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.flags&flagHashed != 0
}

func (n *Node) AliasDisconnected() bool {
	n.mux.Lock()
	defer n.mux.Unlock()
	return n.flags&flagDisconnected != 0
}

// IsGroup reports whether the node is bound to a directory-kind
// identity.
func (n *Node) IsGroup() bool {
	id := n.Identity()
	return id != nil && id.IsGroup()
}

func (n *Node) IsSymlink() bool {
	id := n.Identity()
	return id != nil && id.Kind() == types.SymLinkKind
}

// LockDir serializes fills of one directory: alloc plus the backing
// store call. It is dropped before Bind, which may lock the rename
// mutex. Renames and splices take it after the rename mutex.
func (n *Node) LockDir() {
	n.dirMux.Lock()
}

func (n *Node) UnlockDir() {
	n.dirMux.Unlock()
}

// externalRefsLocked is the pin count excluding the structural
// references children hold on their parent. Callers hold n.mux.
func (n *Node) externalRefsLocked() int32 {
	return n.refs - int32(len(n.children))
}

func NameHash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}
