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
	"runtime/trace"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/basenana/vfscache/config"
	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/dentry"
	"github.com/basenana/vfscache/pkg/identity"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

// Position is one point in the forest of mounted trees: a node plus
// the mount it belongs to. Positions returned by Resolve carry one
// node reference owned by the caller.
type Position struct {
	Mount *Mount
	Node  *dentry.Node
}

// Walker resolves path strings against the node cache, consulting the
// backing store only on miss.
type Walker struct {
	cfg        config.Walker
	cache      *dentry.Cache
	identities *identity.Cache
	mounts     *MountTable
	symlinks   *symlinkCache
	logger     *zap.SugaredLogger
}

func New(cache *dentry.Cache, identities *identity.Cache, mounts *MountTable, cfg config.Walker) *Walker {
	if cfg.MaxSymlinkDepth <= 0 {
		cfg.MaxSymlinkDepth = config.Default().Walker.MaxSymlinkDepth
	}
	if cfg.MaxSymlinkTotal <= 0 {
		cfg.MaxSymlinkTotal = config.Default().Walker.MaxSymlinkTotal
	}
	if cfg.SymlinkCacheSize <= 0 {
		cfg.SymlinkCacheSize = config.Default().Walker.SymlinkCacheSize
	}
	return &Walker{
		cfg:        cfg,
		cache:      cache,
		identities: identities,
		mounts:     mounts,
		symlinks:   newSymlinkCache(cfg.SymlinkCacheSize),
		logger:     logger.NewLogger("walker"),
	}
}

// Resolve walks path from root and returns the terminal position with
// one node reference held. A relative path walks from root as well;
// an absolute one restarts there explicitly. On any error no
// references are retained.
func (w *Walker) Resolve(ctx context.Context, root Position, path string, flags types.ResolveFlag, caller types.Caller) (Position, error) {
	defer trace.StartRegion(ctx, "walker.Resolve").End()
	startAt := time.Now()
	defer func() { resolveLatency.Observe(time.Since(startAt).Seconds()) }()

	if root.Mount == nil {
		root.Mount = w.mounts.First()
	}
	if root.Mount == nil {
		return Position{}, types.ErrNoMount
	}
	if root.Node == nil {
		root.Node = root.Mount.Root()
	}
	if path == "" {
		return Position{}, types.ErrNotFound
	}

	trailingSlash := strings.HasSuffix(path, "/") && strings.Trim(path, "/") != ""
	st := &walkState{
		w:           w,
		root:        root,
		cur:         root,
		flags:       flags,
		caller:      caller,
		followFinal: flags.Has(types.ResolveFollow) || trailingSlash,
		requireDir:  flags.Has(types.ResolveMustBeDir) || trailingSlash,
	}
	w.cache.Acquire(st.cur.Node)

	if err := st.walkPath(ctx, path, true); err != nil {
		w.cache.Release(ctx, st.cur.Node)
		resolveErrorCounter.Inc()
		return Position{}, err
	}
	if err := st.finish(); err != nil {
		w.cache.Release(ctx, st.cur.Node)
		resolveErrorCounter.Inc()
		return Position{}, err
	}
	return st.cur, nil
}

// CreateNegative allocates the negative child a create-type operation
// binds after backing-store success. Callers hold the parent's
// directory lock across alloc and the store call, and drop it before
// Bind.
func (w *Walker) CreateNegative(parent *dentry.Node, name string) (*dentry.Node, error) {
	return w.cache.Alloc(parent, name)
}

// Bind attaches a fresh store descriptor to node and hashes it. The
// returned node may differ from node when the descriptor names a
// directory already aliased elsewhere.
func (w *Walker) Bind(ctx context.Context, pos Position, node *dentry.Node, desc *types.ObjectDescriptor) (*dentry.Node, error) {
	store := pos.Mount.Store()
	id, err := w.identities.FindOrCreate(ctx, store.InstanceID(), desc.ObjectID,
		func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
	if err != nil {
		return nil, err
	}
	return w.cache.Bind(ctx, node, id, store)
}

// walkState is the transient per-call resolution state.
type walkState struct {
	w      *Walker
	root   Position
	cur    Position // one reference held on cur.Node
	flags  types.ResolveFlag
	caller types.Caller

	// followFinal and requireDir capture the trailing-component policy
	// of the original path, so symlink expansion keeps honoring it.
	followFinal bool
	requireDir  bool

	depth int // symlink nesting
	total int // symlink expansions, whole call
}

// walkPath consumes one path string component by component. top marks
// the string whose end is the end of the whole walk: the original path
// and, transitively, a trailing symlink's target.
func (st *walkState) walkPath(ctx context.Context, path string, top bool) error {
	if strings.HasPrefix(path, "/") {
		st.moveTo(ctx, st.root)
	}

	rest := path
	for {
		for strings.HasPrefix(rest, "/") {
			rest = rest[1:]
		}
		if rest == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var name string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			name, rest = rest[:i], rest[i:]
		} else {
			name, rest = rest, ""
		}
		last := rest == "" || strings.TrimLeft(rest, "/") == ""

		id := st.cur.Node.Identity()
		if id == nil {
			return types.ErrNotFound
		}
		if !id.IsGroup() {
			return types.ErrNoGroup
		}
		// Search permission is checked on every directory crossed and
		// never cached.
		if err := types.CheckExec(id.Access(), st.caller); err != nil {
			return err
		}

		switch name {
		case ".":
			continue
		case "..":
			if err := st.ascend(ctx); err != nil {
				return err
			}
			continue
		}

		if last && top && st.flags.Has(types.ResolveParentOnly) {
			// The containing directory was just validated above; the
			// final component stays untouched for the caller.
			return nil
		}

		next, err := st.lookupChild(ctx, name)
		if err != nil {
			return err
		}

		follow := !last || !top || st.followFinal
		if next.IsSymlink() && follow {
			if err := st.expandSymlink(ctx, next, last && top); err != nil {
				st.w.cache.Release(ctx, next)
				return err
			}
			st.w.cache.Release(ctx, next)
			continue
		}

		st.advance(ctx, next)
		if st.cur.Node.IsNegative() && !last {
			return types.ErrNotFound
		}
	}
}

// expandSymlink reads link's target and re-enters the walk, leaving
// cur at the resolved target. cur still names the link's directory
// when called.
func (st *walkState) expandSymlink(ctx context.Context, link *dentry.Node, trailing bool) error {
	st.total++
	if st.total > st.w.cfg.MaxSymlinkTotal {
		return types.ErrTooManySymlinks
	}
	st.depth++
	defer func() { st.depth-- }()
	if st.depth > st.w.cfg.MaxSymlinkDepth {
		return types.ErrTooManySymlinks
	}

	target, err := st.w.symlinks.readLink(ctx, st.cur.Mount.Store(), link.Identity().ObjectID)
	if err != nil {
		return err
	}
	if target == "" {
		return types.ErrNotFound
	}
	symlinkExpandCounter.Inc()
	return st.walkPath(ctx, target, trailing)
}

// lookupChild returns a referenced child of cur, revalidating cache
// hits and filling misses from the backing store.
func (st *walkState) lookupChild(ctx context.Context, name string) (*dentry.Node, error) {
	parent := st.cur.Node
	store := st.cur.Mount.Store()
	parentOID := parent.Identity().ObjectID

	retried := false
	for {
		if n := st.w.cache.Lookup(parent, name); n != nil {
			if st.flags.Has(types.ResolveFresh) {
				st.w.cache.Invalidate(ctx, n)
				st.w.cache.Release(ctx, n)
			} else {
				// Negative entries revalidate as object id zero, so
				// the store can report a name created behind the
				// cache.
				var oid int64
				if id := n.Identity(); id != nil {
					oid = id.ObjectID
				}
				switch store.Revalidate(ctx, parentOID, name, oid) {
				case backend.Valid:
					return n, nil
				case backend.InvalidRecoverable:
					st.w.cache.Invalidate(ctx, n)
					st.w.cache.Release(ctx, n)
					if retried {
						return nil, types.ErrStale
					}
					retried = true
					continue
				default:
					// InvalidFatal, or a verdict out of range.
					st.w.cache.Release(ctx, n)
					return nil, types.ErrStale
				}
			}
		}
		return st.lookupChildSlow(ctx, parent, store, parentOID, name)
	}
}

// lookupChildSlow is the miss path: allocate a negative child under
// the parent's directory lock, consult the store, bind on success.
func (st *walkState) lookupChildSlow(ctx context.Context, parent *dentry.Node, store backend.Store, parentOID int64, name string) (*dentry.Node, error) {
	parent.LockDir()

	// Re-check under the lock; another walker may have filled it.
	if n := st.w.cache.Lookup(parent, name); n != nil {
		parent.UnlockDir()
		return n, nil
	}

	child, err := st.w.cache.Alloc(parent, name)
	if err != nil {
		parent.UnlockDir()
		return nil, err
	}
	desc, err := store.Lookup(ctx, parentOID, name)
	if err != nil {
		if err == types.ErrNotFound && child.IsNegative() {
			// Cache the absence: the negative node goes into the hash
			// table so repeated misses stay cheap.
			st.w.cache.Rehash(child)
			parent.UnlockDir()
			return child, nil
		}
		parent.UnlockDir()
		if err == types.ErrNotFound {
			// A pinned stale binding whose name vanished underneath.
			st.w.cache.Invalidate(ctx, child)
		}
		st.w.cache.Release(ctx, child)
		return nil, err
	}
	// Bind may splice a disconnected alias, and splicing locks the
	// rename mutex before any directory mutex.
	parent.UnlockDir()

	id, err := st.w.identities.FindOrCreate(ctx, store.InstanceID(), desc.ObjectID,
		func(ctx context.Context) (*types.ObjectDescriptor, error) { return desc, nil })
	if err != nil {
		st.w.cache.Release(ctx, child)
		return nil, err
	}
	bound, err := st.w.cache.Bind(ctx, child, id, store)
	if err != nil {
		st.w.cache.Release(ctx, child)
		return nil, err
	}
	if bound != child {
		st.w.cache.Release(ctx, child)
	}
	return bound, nil
}

// advance moves cur onto next (consuming the caller's reference on
// next), stepping down onto mounted roots while next is covered by a
// mount.
func (st *walkState) advance(ctx context.Context, next *dentry.Node) {
	mount := st.cur.Mount
	for {
		m := st.w.mounts.MountedAt(next)
		if m == nil {
			break
		}
		st.w.cache.Acquire(m.Root())
		st.w.cache.Release(ctx, next)
		next = m.Root()
		mount = m
	}
	st.w.cache.Release(ctx, st.cur.Node)
	st.cur = Position{Mount: mount, Node: next}
}

// ascend handles "..": step to the parent, crossing to the covering
// mount point first when standing on a mount root. The resolution
// root is a hard ceiling.
func (st *walkState) ascend(ctx context.Context) error {
	if st.cur.Node == st.root.Node && st.cur.Mount == st.root.Mount {
		return nil
	}
	mount := st.cur.Mount
	node := st.cur.Node
	for node.IsRoot() {
		parentMount, point := mount.Parent()
		if parentMount == nil {
			// Outermost root: ".." stays put.
			return nil
		}
		mount, node = parentMount, point
	}
	parent := node.Parent()
	st.w.cache.Acquire(parent)
	st.w.cache.Release(ctx, st.cur.Node)
	st.cur = Position{Mount: mount, Node: parent}
	return nil
}

func (st *walkState) moveTo(ctx context.Context, pos Position) {
	st.w.cache.Acquire(pos.Node)
	st.w.cache.Release(ctx, st.cur.Node)
	st.cur = pos
}

// finish applies terminal-state policy: negative nodes, directory
// requirements.
func (st *walkState) finish() error {
	n := st.cur.Node
	if n.IsNegative() {
		if st.flags.Has(types.ResolveCreateIntent) && !st.requireDir {
			return nil
		}
		return types.ErrNotFound
	}
	if st.requireDir && !n.IsGroup() {
		return types.ErrNoGroup
	}
	return nil
}
