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
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/dentry"
	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestCreateFlow", func() {
	var env *testEnv
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("a create-type operation", func() {
		It("should bind the created object into the tree", func() {
			a := env.mkdir(backend.RootObjectID, "a")

			pos, err := env.resolve("/a/fresh", types.ResolveParentOnly)
			Expect(err).Should(BeNil())
			parent := pos.Node
			Expect(parent.Identity().ObjectID).Should(Equal(a.ObjectID))

			parent.LockDir()
			node, err := env.walker.CreateNegative(parent, "fresh")
			Expect(err).Should(BeNil())
			desc, err := env.store.Create(context.TODO(), a.ObjectID, types.ObjectAttr{
				Name: "fresh", Kind: types.RawKind, Access: openAccess(),
			})
			Expect(err).Should(BeNil())
			parent.UnlockDir()

			bound, err := env.walker.Bind(context.TODO(), pos, node, desc)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(node))
			Expect(bound.IsNegative()).Should(BeFalse())
			Expect(bound.Identity().ObjectID).Should(Equal(desc.ObjectID))

			// The walk is served from the cache; the store is never
			// consulted for the new name.
			got, err := env.resolve("/a/fresh", 0)
			Expect(err).Should(BeNil())
			Expect(got.Node).Should(BeIdenticalTo(node))
			Expect(env.store.LookupCount(a.ObjectID, "fresh")).Should(Equal(0))

			env.release(got)
			env.cache.Release(context.TODO(), node)
			env.release(pos)
		})

		It("should reuse a cached negative left by a create intent", func() {
			a := env.mkdir(backend.RootObjectID, "a")

			neg, err := env.resolve("/a/next", types.ResolveCreateIntent)
			Expect(err).Should(BeNil())
			Expect(neg.Node.IsNegative()).Should(BeTrue())

			parent := neg.Node.Parent()
			parent.LockDir()
			node, err := env.walker.CreateNegative(parent, "next")
			Expect(err).Should(BeNil())
			Expect(node).Should(BeIdenticalTo(neg.Node))
			desc, err := env.store.Create(context.TODO(), a.ObjectID, types.ObjectAttr{
				Name: "next", Kind: types.GroupKind, Access: openAccess(),
			})
			Expect(err).Should(BeNil())
			parent.UnlockDir()

			bound, err := env.walker.Bind(context.TODO(), neg, node, desc)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(node))
			Expect(bound.IsNegative()).Should(BeFalse())
			Expect(bound.IsGroup()).Should(BeTrue())

			env.cache.Release(context.TODO(), node)
			env.release(neg)
		})
	})
})

// gateStore parks Lookup of one name until released, exposing the
// window where a walker is filling a directory.
type gateStore struct {
	*backend.MemoryStore
	gateName string
	entered  chan struct{}
	proceed  chan struct{}
}

func (s *gateStore) Lookup(ctx context.Context, parentID int64, name string) (*types.ObjectDescriptor, error) {
	if name == s.gateName {
		s.entered <- struct{}{}
		<-s.proceed
	}
	return s.MemoryStore.Lookup(ctx, parentID, name)
}

var _ = Describe("TestBindDuringRename", func() {
	Context("a splice racing a rename into the same directory", func() {
		It("should drain without stalling either side", func() {
			ctx := context.TODO()
			mem := backend.NewMemoryStore()
			gs := &gateStore{
				MemoryStore: mem,
				gateName:    "orphan",
				entered:     make(chan struct{}, 1),
				proceed:     make(chan struct{}),
			}
			identities := identity.NewCache()
			cache := dentry.NewCache(identities, config.Default().Cache)
			mounts := NewMountTable(cache, identities)
			_, err := mounts.MountRoot(ctx, gs)
			Expect(err).Should(BeNil())
			w := New(cache, identities, mounts, config.Default().Walker)

			pDesc, err := mem.Create(ctx, backend.RootObjectID, types.ObjectAttr{
				Name: "p", Kind: types.GroupKind, Access: openAccess(),
			})
			Expect(err).Should(BeNil())
			_, err = mem.Create(ctx, pDesc.ObjectID, types.ObjectAttr{
				Name: "x", Kind: types.RawKind, Access: openAccess(),
			})
			Expect(err).Should(BeNil())
			orphanDesc, err := mem.Create(ctx, pDesc.ObjectID, types.ObjectAttr{
				Name: "orphan", Kind: types.GroupKind, Access: openAccess(),
			})
			Expect(err).Should(BeNil())

			pPos, err := w.Resolve(ctx, Position{}, "/p", 0, types.Root)
			Expect(err).Should(BeNil())
			xPos, err := w.Resolve(ctx, Position{}, "/p/x", 0, types.Root)
			Expect(err).Should(BeNil())

			id, err := identities.FindOrCreate(ctx, gs.InstanceID(), orphanDesc.ObjectID,
				func(ctx context.Context) (*types.ObjectDescriptor, error) { return orphanDesc, nil })
			Expect(err).Should(BeNil())
			dn := cache.NewDisconnected(id)

			resolved := make(chan Position, 1)
			go func() {
				defer GinkgoRecover()
				pos, err := w.Resolve(ctx, Position{}, "/p/orphan", 0, types.Root)
				Expect(err).Should(BeNil())
				resolved <- pos
			}()
			// The walker is now parked inside the store lookup with
			// p's directory lock taken.
			Eventually(gs.entered, 5*time.Second).Should(Receive())

			moved := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				displaced, err := cache.Move(ctx, xPos.Node, pPos.Node, "moved")
				Expect(err).Should(BeNil())
				Expect(displaced).Should(BeNil())
				close(moved)
			}()
			// Give the rename time to take its mutex and park on the
			// directory lock before opening the gate.
			time.Sleep(100 * time.Millisecond)
			close(gs.proceed)

			Eventually(moved, 5*time.Second).Should(BeClosed())
			var pos Position
			Eventually(resolved, 5*time.Second).Should(Receive(&pos))
			Expect(pos.Node).Should(BeIdenticalTo(dn))
			Expect(pos.Node.AliasHashed()).Should(BeTrue())

			movedNode := cache.Lookup(pPos.Node, "moved")
			Expect(movedNode).Should(BeIdenticalTo(xPos.Node))
			cache.Release(ctx, movedNode)

			cache.Release(ctx, pos.Node)
			cache.Release(ctx, dn)
			cache.Release(ctx, xPos.Node)
			cache.Release(ctx, pPos.Node)
		})
	})
})
