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

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestDirectoryAlias", func() {
	var (
		ctx = context.TODO()
		env *testEnv
	)
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("binding a directory identity under a second name", func() {
		It("should reuse the existing hashed alias", func() {
			other := env.addChild(env.root, "other", types.GroupKind)
			dir := env.addChild(env.root, "dir", types.GroupKind)

			// A second hashed alias for the same directory identity
			// must not appear; Bind hands back the first one.
			n, err := env.cache.Alloc(other, "twin")
			Expect(err).Should(BeNil())
			id := dir.Identity()
			env.identities.Acquire(id)
			bound, err := env.cache.Bind(ctx, n, id, env.store)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(dir))

			// The allocated node was never hashed.
			Expect(env.cache.Lookup(other, "twin")).Should(BeNil())
			env.cache.Release(ctx, n)

			env.cache.Release(ctx, bound)
			env.cache.Release(ctx, dir)
			env.cache.Release(ctx, other)
		})
	})

	Context("binding a raw identity under a second name", func() {
		It("should allow both hashed aliases", func() {
			dir := env.addChild(env.root, "dir", types.GroupKind)
			file := env.addChild(env.root, "file", types.RawKind)

			desc, err := env.store.Link(ctx, dir.Identity().ObjectID, "hardlink", file.Identity().ObjectID)
			Expect(err).Should(BeNil())

			n, err := env.cache.Alloc(dir, "hardlink")
			Expect(err).Should(BeNil())
			id, err := env.identities.FindOrCreate(ctx, env.store.InstanceID(), desc.ObjectID,
				func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
			Expect(err).Should(BeNil())
			Expect(id).Should(BeIdenticalTo(file.Identity()))

			bound, err := env.cache.Bind(ctx, n, id, env.store)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(n))
			Expect(bound.Identity()).Should(BeIdenticalTo(file.Identity()))

			Expect(env.cache.Lookup(env.root, "file")).Should(BeIdenticalTo(file))
			Expect(env.cache.Lookup(dir, "hardlink")).Should(BeIdenticalTo(n))
			env.cache.Release(ctx, file)
			env.cache.Release(ctx, n)

			env.cache.Release(ctx, bound)
			env.cache.Release(ctx, file)
			env.cache.Release(ctx, dir)
		})
	})
})

var _ = Describe("TestRebind", func() {
	var (
		ctx = context.TODO()
		env *testEnv
	)
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("a pinned node whose object was replaced", func() {
		It("should move to the new identity and drop the old one", func() {
			dir := env.addChild(env.root, "dir", types.GroupKind)
			pin := env.addChild(dir, "pin", types.RawKind)
			oldID := dir.Identity()

			// The directory vanished remotely; a new object sits at
			// the same name. Invalidation unhashes, but the pin keeps
			// the node in the tree for the next fill to reuse.
			env.cache.Invalidate(ctx, dir)
			env.store.RemoveUnderlying(env.root.Identity().ObjectID, "dir")
			desc, err := env.store.Create(ctx, env.root.Identity().ObjectID, types.ObjectAttr{
				Name: "dir", Kind: types.GroupKind,
			})
			Expect(err).Should(BeNil())

			n, err := env.cache.Alloc(env.root, "dir")
			Expect(err).Should(BeNil())
			Expect(n).Should(BeIdenticalTo(dir))

			newID, err := env.identities.FindOrCreate(ctx, env.store.InstanceID(), desc.ObjectID,
				func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
			Expect(err).Should(BeNil())
			bound, err := env.cache.Bind(ctx, n, newID, env.store)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(dir))
			Expect(bound.Identity()).Should(BeIdenticalTo(newID))

			// The old identity dropped the alias and got its
			// reference back.
			Expect(oldID.Aliases()).Should(BeEmpty())
			Expect(oldID.Refs()).Should(Equal(int32(0)))

			found := env.cache.Lookup(env.root, "dir")
			Expect(found).Should(BeIdenticalTo(dir))
			env.cache.Release(ctx, found)

			env.cache.Release(ctx, n)
			env.cache.Release(ctx, pin)
			env.cache.Release(ctx, dir)
		})
	})

	Context("the same identity bound twice", func() {
		It("should absorb the duplicate reference", func() {
			file := env.addChild(env.root, "file", types.RawKind)
			id := file.Identity()

			env.identities.Acquire(id)
			bound, err := env.cache.Bind(ctx, file, id, env.store)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(file))
			Expect(id.Refs()).Should(Equal(int32(1)))
			Expect(id.Aliases()).Should(HaveLen(1))

			env.cache.Release(ctx, file)
		})
	})
})

var _ = Describe("TestDisconnectedAlias", func() {
	var (
		ctx = context.TODO()
		env *testEnv
	)
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("a directory first reached by handle", func() {
		It("should splice into its real position on bind", func() {
			desc, err := env.store.Create(ctx, env.root.Identity().ObjectID, types.ObjectAttr{
				Name: "orphan",
				Kind: types.GroupKind,
			})
			Expect(err).Should(BeNil())

			id, err := env.identities.FindOrCreate(ctx, env.store.InstanceID(), desc.ObjectID,
				func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
			Expect(err).Should(BeNil())
			dn := env.cache.NewDisconnected(id)
			Expect(dn.AliasDisconnected()).Should(BeTrue())
			Expect(dn.AliasHashed()).Should(BeFalse())

			// A later path walk finds the true name and binds it.
			n, err := env.cache.Alloc(env.root, "orphan")
			Expect(err).Should(BeNil())
			env.identities.Acquire(id)
			bound, err := env.cache.Bind(ctx, n, id, env.store)
			Expect(err).Should(BeNil())
			Expect(bound).Should(BeIdenticalTo(dn))
			Expect(bound.AliasDisconnected()).Should(BeFalse())
			Expect(bound.AliasHashed()).Should(BeTrue())
			Expect(bound.Name()).Should(Equal("orphan"))
			Expect(bound.Parent()).Should(BeIdenticalTo(env.root))

			found := env.cache.Lookup(env.root, "orphan")
			Expect(found).Should(BeIdenticalTo(dn))
			env.cache.Release(ctx, found)

			// The fresh node the walk allocated was discarded.
			env.cache.Release(ctx, n)

			env.cache.Release(ctx, bound)
			env.cache.Release(ctx, dn)
		})
	})
})
