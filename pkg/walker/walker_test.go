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

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/types"
)

var _ = Describe("TestResolve", func() {
	var env *testEnv
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("a nested path", func() {
		It("should walk to the terminal object", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			b := env.mkdir(a.ObjectID, "b")
			c := env.mkfile(b.ObjectID, "c")

			pos, err := env.resolve("/a/b/c", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(c.ObjectID))
			Expect(pos.Node.Name()).Should(Equal("c"))

			// The second walk is served from the cache.
			again, err := env.resolve("/a/b/c", 0)
			Expect(err).Should(BeNil())
			Expect(again.Node).Should(BeIdenticalTo(pos.Node))
			Expect(env.store.LookupCount(b.ObjectID, "c")).Should(Equal(1))

			env.release(again)
			env.release(pos)
		})

		It("should normalize dot and dotdot components", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			b := env.mkdir(a.ObjectID, "b")
			env.mkfile(b.ObjectID, "c")

			pos, err := env.resolve("/a/b/c", 0)
			Expect(err).Should(BeNil())
			dotted, err := env.resolve("/a/./b/../b/c", 0)
			Expect(err).Should(BeNil())
			Expect(dotted.Node).Should(BeIdenticalTo(pos.Node))

			env.release(dotted)
			env.release(pos)
		})

		It("should clamp dotdot at the resolution root", func() {
			pos, err := env.resolve("/..", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node).Should(BeIdenticalTo(env.first.Root()))
			env.release(pos)
		})

		It("should walk relative paths from the given position", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			b := env.mkdir(a.ObjectID, "b")
			env.mkfile(b.ObjectID, "c")

			posA, err := env.resolve("/a", 0)
			Expect(err).Should(BeNil())
			posC, err := env.walker.Resolve(context.TODO(), posA, "b/c", 0, types.Root)
			Expect(err).Should(BeNil())
			Expect(posC.Node.Identity().ObjectID).ShouldNot(Equal(a.ObjectID))
			Expect(posC.Node.Parent().Name()).Should(Equal("b"))

			env.release(posC)
			env.release(posA)
		})

		It("should survive a render round trip", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			b := env.mkdir(a.ObjectID, "b")
			env.mkfile(b.ObjectID, "c")

			pos, err := env.resolve("/a/b/c", 0)
			Expect(err).Should(BeNil())
			rendered, err := env.cache.RenderPath(pos.Node, env.first.Root())
			Expect(err).Should(BeNil())

			again, err := env.resolve(rendered, 0)
			Expect(err).Should(BeNil())
			Expect(again.Node).Should(BeIdenticalTo(pos.Node))

			env.release(again)
			env.release(pos)
		})

		It("should refuse to descend through a file", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			_, err := env.resolve("/a/f/deeper", 0)
			Expect(err).Should(Equal(types.ErrNoGroup))
		})
	})

	Context("a missing name", func() {
		It("should fail and cache the absence", func() {
			env.mkdir(backend.RootObjectID, "a")

			_, err := env.resolve("/a/ghost", 0)
			Expect(err).Should(Equal(types.ErrNotFound))
			_, err = env.resolve("/a/ghost", 0)
			Expect(err).Should(Equal(types.ErrNotFound))

			a, err := env.resolve("/a", 0)
			Expect(err).Should(BeNil())
			Expect(env.store.LookupCount(a.Node.Identity().ObjectID, "ghost")).Should(Equal(1))
			env.release(a)
		})

		It("should stop at the containing directory for parent-only walks", func() {
			a := env.mkdir(backend.RootObjectID, "a")

			pos, err := env.resolve("/a/whatever", types.ResolveParentOnly)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(a.ObjectID))
			env.release(pos)

			// The final component is never consulted, existing or not.
			Expect(env.store.LookupCount(a.ObjectID, "whatever")).Should(Equal(0))

			_, err = env.resolve("/missing/child", types.ResolveParentOnly)
			Expect(err).Should(Equal(types.ErrNotFound))
		})

		It("should hand a negative terminal to create intents", func() {
			env.mkdir(backend.RootObjectID, "a")

			pos, err := env.resolve("/a/newfile", types.ResolveCreateIntent)
			Expect(err).Should(BeNil())
			Expect(pos.Node.IsNegative()).Should(BeTrue())
			Expect(pos.Node.Name()).Should(Equal("newfile"))
			env.release(pos)
		})

		It("should not let a trailing separator create anything", func() {
			env.mkdir(backend.RootObjectID, "a")

			_, err := env.resolve("/a/newdir/", types.ResolveCreateIntent)
			Expect(err).Should(Equal(types.ErrNotFound))
		})
	})

	Context("directory requirements", func() {
		It("should honor trailing separators and MustBeDir", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			pos, err := env.resolve("/a/", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.IsGroup()).Should(BeTrue())
			env.release(pos)

			_, err = env.resolve("/a/f/", 0)
			Expect(err).Should(Equal(types.ErrNoGroup))
			_, err = env.resolve("/a/f", types.ResolveMustBeDir)
			Expect(err).Should(Equal(types.ErrNoGroup))
		})
	})
})

var _ = Describe("TestResolveSymlink", func() {
	var env *testEnv
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("an interior symlink", func() {
		It("should always be expanded", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			b := env.mkdir(a.ObjectID, "b")
			c := env.mkfile(b.ObjectID, "c")
			env.symlink(backend.RootObjectID, "abs", "/a/b")
			env.symlink(a.ObjectID, "rel", "b")

			pos, err := env.resolve("/abs/c", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(c.ObjectID))
			env.release(pos)

			pos, err = env.resolve("/a/rel/c", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(c.ObjectID))
			env.release(pos)
		})
	})

	Context("a trailing symlink", func() {
		It("should follow only when asked", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			target := env.mkfile(a.ObjectID, "target")
			link := env.symlink(backend.RootObjectID, "link", "/a/target")

			pos, err := env.resolve("/link", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.IsSymlink()).Should(BeTrue())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(link.ObjectID))
			env.release(pos)

			pos, err = env.resolve("/link", types.ResolveFollow)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(target.ObjectID))
			env.release(pos)
		})

		It("should follow when a trailing separator demands a directory", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.symlink(backend.RootObjectID, "dirlink", "/a")

			pos, err := env.resolve("/dirlink/", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(a.ObjectID))
			env.release(pos)
		})
	})

	Context("a symlink loop", func() {
		It("should stop at the expansion limit", func() {
			env.symlink(backend.RootObjectID, "ping", "/pong")
			env.symlink(backend.RootObjectID, "pong", "/ping")

			_, err := env.resolve("/ping", types.ResolveFollow)
			Expect(err).Should(Equal(types.ErrTooManySymlinks))

			// The failed walk held nothing back: the cached links carry
			// only the reference our own lookup takes here.
			ping := env.cache.Lookup(env.first.Root(), "ping")
			Expect(ping).ShouldNot(BeNil())
			Expect(ping.Refs()).Should(Equal(int32(1)))
			env.cache.Release(context.TODO(), ping)
		})
	})

	Context("an empty target", func() {
		It("should be treated as dangling", func() {
			env.symlink(backend.RootObjectID, "empty", "")

			_, err := env.resolve("/empty", types.ResolveFollow)
			Expect(err).Should(Equal(types.ErrNotFound))
		})
	})
})

var _ = Describe("TestResolvePermission", func() {
	var (
		env    *testEnv
		locked *types.ObjectDescriptor
	)
	BeforeEach(func() {
		env = newTestEnv()
		acc := types.Access{
			UID:         1000,
			Permissions: []types.Permission{types.PermOwnerRead, types.PermOwnerExec},
		}
		var err error
		locked, err = env.store.Create(context.TODO(), backend.RootObjectID, types.ObjectAttr{
			Name: "private", Kind: types.GroupKind, Access: acc,
		})
		Expect(err).Should(BeNil())
		_, err = env.store.Create(context.TODO(), locked.ObjectID, types.ObjectAttr{
			Name: "secret", Kind: types.RawKind, Access: acc,
		})
		Expect(err).Should(BeNil())
	})

	Context("a directory without search permission", func() {
		It("should refuse strangers and admit the owner", func() {
			_, err := env.walker.Resolve(context.TODO(), Position{}, "/private/secret", 0,
				types.Caller{UID: 2000, GID: 2000})
			Expect(err).Should(Equal(types.ErrNoPerm))

			pos, err := env.walker.Resolve(context.TODO(), Position{}, "/private/secret", 0,
				types.Caller{UID: 1000, GID: 1000})
			Expect(err).Should(BeNil())
			env.release(pos)
		})

		It("should re-check permission on cached paths", func() {
			// Root fills the cache first; the denial must not depend on
			// whether the nodes are already cached.
			pos, err := env.resolve("/private/secret", 0)
			Expect(err).Should(BeNil())
			env.release(pos)

			_, err = env.walker.Resolve(context.TODO(), Position{}, "/private/secret", 0,
				types.Caller{UID: 2000, GID: 2000})
			Expect(err).Should(Equal(types.ErrNoPerm))
		})
	})
})

var _ = Describe("TestRevalidate", func() {
	var env *testEnv
	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("a binding the store still confirms", func() {
		It("should recover by refetching once", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			pos, err := env.resolve("/a/f", 0)
			Expect(err).Should(BeNil())
			stale := pos.Node
			env.release(pos)

			env.store.SetValidity(a.ObjectID, "f", backend.InvalidRecoverable)
			pos, err = env.resolve("/a/f", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node).ShouldNot(BeIdenticalTo(stale))
			Expect(env.store.LookupCount(a.ObjectID, "f")).Should(Equal(2))
			env.release(pos)
		})
	})

	Context("a binding the store has lost", func() {
		It("should surface ErrNotFound after the refetch", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			pos, err := env.resolve("/a/f", 0)
			Expect(err).Should(BeNil())
			env.release(pos)

			env.store.SetValidity(a.ObjectID, "f", backend.InvalidRecoverable)
			env.store.RemoveUnderlying(a.ObjectID, "f")
			_, err = env.resolve("/a/f", 0)
			Expect(err).Should(Equal(types.ErrNotFound))
		})
	})

	Context("a binding declared fatally stale", func() {
		It("should fail without retrying", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			pos, err := env.resolve("/a/f", 0)
			Expect(err).Should(BeNil())
			env.release(pos)

			env.store.SetValidity(a.ObjectID, "f", backend.InvalidFatal)
			_, err = env.resolve("/a/f", 0)
			Expect(err).Should(Equal(types.ErrStale))
			Expect(env.store.LookupCount(a.ObjectID, "f")).Should(Equal(1))
		})
	})

	Context("a name created behind a cached absence", func() {
		It("should appear through revalidation", func() {
			a := env.mkdir(backend.RootObjectID, "a")

			_, err := env.resolve("/a/late", 0)
			Expect(err).Should(Equal(types.ErrNotFound))

			env.mkfile(a.ObjectID, "late")
			pos, err := env.resolve("/a/late", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.IsNegative()).Should(BeFalse())
			env.release(pos)
		})

		It("should appear for a fresh resolve", func() {
			_, err := env.resolve("/ghost", 0)
			Expect(err).Should(Equal(types.ErrNotFound))

			ghost := env.mkfile(backend.RootObjectID, "ghost")
			pos, err := env.resolve("/ghost", types.ResolveFresh)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(ghost.ObjectID))
			env.release(pos)
		})
	})

	Context("a pinned directory whose object was replaced", func() {
		It("should rebind the node to the new object", func() {
			b := env.mkdir(backend.RootObjectID, "b")
			env.mkfile(b.ObjectID, "c")

			cPos, err := env.resolve("/b/c", 0)
			Expect(err).Should(BeNil())
			bNode := cPos.Node.Parent()
			oldID := bNode.Identity()

			env.store.RemoveUnderlying(backend.RootObjectID, "b")
			nb := env.mkdir(backend.RootObjectID, "b")

			pos, err := env.resolve("/b", 0)
			Expect(err).Should(BeNil())
			// The pinned child kept the node alive; the same node now
			// carries the new object.
			Expect(pos.Node).Should(BeIdenticalTo(bNode))
			Expect(pos.Node.Identity().ObjectID).Should(Equal(nb.ObjectID))
			Expect(oldID.Aliases()).Should(BeEmpty())

			env.release(pos)
			env.release(cPos)
		})
	})

	Context("a verdict out of range", func() {
		It("should fail stale without holding a reference", func() {
			q := env.mkdir(backend.RootObjectID, "q")

			pos, err := env.resolve("/q", 0)
			Expect(err).Should(BeNil())
			Expect(pos.Node.Identity().ObjectID).Should(Equal(q.ObjectID))
			qNode := pos.Node
			env.release(pos)
			Expect(qNode.Refs()).Should(Equal(int32(0)))

			env.store.SetValidity(backend.RootObjectID, "q", backend.Validity(99))
			_, err = env.resolve("/q", 0)
			Expect(err).Should(Equal(types.ErrStale))
			Expect(qNode.Refs()).Should(Equal(int32(0)))
		})
	})

	Context("a fresh resolve", func() {
		It("should bypass the cache for every component", func() {
			a := env.mkdir(backend.RootObjectID, "a")
			env.mkfile(a.ObjectID, "f")

			pos, err := env.resolve("/a/f", 0)
			Expect(err).Should(BeNil())
			env.release(pos)
			Expect(env.store.LookupCount(a.ObjectID, "f")).Should(Equal(1))

			pos, err = env.resolve("/a/f", types.ResolveFresh)
			Expect(err).Should(BeNil())
			Expect(env.store.LookupCount(a.ObjectID, "f")).Should(Equal(2))
			env.release(pos)
		})
	})
})
