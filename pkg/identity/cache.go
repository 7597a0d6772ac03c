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

package identity

import (
	"context"
	"runtime/trace"
	"sync"
	"time"

	"github.com/hyponet/eventbus"
	"go.uber.org/zap"

	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/types"
	"github.com/basenana/vfscache/utils/logger"
)

// syntheticBase keeps synthesized ids out of the range any reasonable
// backing store hands out.
const syntheticBase = int64(1) << 48

type identKey struct {
	instance string
	objectID int64
}

// Loader fills a fresh identity from the backing store. It runs at
// most once per (instance, object) no matter how many callers race the
// same miss.
type Loader func(ctx context.Context) (*types.ObjectDescriptor, error)

type Cache struct {
	mux       sync.Mutex
	table     map[identKey]*Identity
	nextSynth int64
	logger    *zap.SugaredLogger
}

func NewCache() *Cache {
	return &Cache{
		table:     map[identKey]*Identity{},
		nextSynth: syntheticBase,
		logger:    logger.NewLogger("identityCache"),
	}
}

// FindOrCreate returns the identity of (instance, objectID) with one
// reference held, loading it on first use. Losers of an insert race
// wait for the winner's load and share its instance.
func (c *Cache) FindOrCreate(ctx context.Context, instance string, objectID int64, loader Loader) (*Identity, error) {
	defer trace.StartRegion(ctx, "identity.cache.FindOrCreate").End()
	k := identKey{instance: instance, objectID: objectID}

	for {
		c.mux.Lock()
		existing := c.table[k]
		if existing == nil {
			break
		}

		switch existing.State() {
		case StatePendingFree, StateFreeing, StateCleared:
			c.mux.Unlock()
			return nil, types.ErrStale
		case StateNew:
			loaded := existing.loaded
			c.mux.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-loaded:
			}
			if existing.loadErr != nil {
				// The winner failed and removed its slot; retry so
				// this caller can run its own loader.
				continue
			}
			c.mux.Lock()
			if c.table[k] != existing {
				c.mux.Unlock()
				continue
			}
			existing.mux.Lock()
			existing.refs++
			existing.mux.Unlock()
			c.mux.Unlock()
			return existing, nil
		default:
			existing.mux.Lock()
			existing.refs++
			existing.mux.Unlock()
			c.mux.Unlock()
			return existing, nil
		}
	}

	// Miss: insert the new-state slot before running the loader so
	// concurrent callers converge on this instance.
	id := &Identity{
		Instance: instance,
		ObjectID: objectID,
		refs:     1,
		state:    int32(StateNew),
		loaded:   make(chan struct{}),
	}
	c.table[k] = id
	liveIdentityGauge.Inc()
	c.mux.Unlock()

	startAt := time.Now()
	desc, err := loader(ctx)
	if err != nil {
		c.mux.Lock()
		delete(c.table, k)
		liveIdentityGauge.Dec()
		id.loadErr = err
		close(id.loaded)
		c.mux.Unlock()
		if err != types.ErrNotFound {
			c.logger.Errorw("load identity failed", "instance", instance, "object", objectID, "err", err)
		}
		return nil, err
	}
	id.ApplyDescriptor(desc)
	id.setState(StateLive)
	close(id.loaded)
	identityLoadLatency.Observe(time.Since(startAt).Seconds())
	return id, nil
}

// Find returns a live cached identity with a reference held, or nil.
func (c *Cache) Find(instance string, objectID int64) *Identity {
	c.mux.Lock()
	defer c.mux.Unlock()
	id := c.table[identKey{instance: instance, objectID: objectID}]
	if id == nil || id.State() != StateLive {
		return nil
	}
	id.mux.Lock()
	id.refs++
	id.mux.Unlock()
	return id
}

func (c *Cache) Acquire(id *Identity) {
	id.mux.Lock()
	id.refs++
	id.mux.Unlock()
}

// Release drops one reference. At zero references an identity with
// remaining links is parked (kept cached for reuse); one whose link
// count reached zero is torn down, releasing on-disk resources via the
// store and notifying the data layer.
func (c *Cache) Release(ctx context.Context, id *Identity, store backend.Store) ReleaseOutcome {
	c.mux.Lock()
	id.mux.Lock()
	if id.refs <= 0 {
		id.mux.Unlock()
		c.mux.Unlock()
		c.logger.Errorw("release of unreferenced identity", "instance", id.Instance, "object", id.ObjectID)
		return StillReferenced
	}
	id.refs--
	if id.refs > 0 {
		id.mux.Unlock()
		c.mux.Unlock()
		return StillReferenced
	}
	if id.nlink > 0 {
		id.mux.Unlock()
		c.mux.Unlock()
		return Parked
	}

	id.setState(StatePendingFree)
	delete(c.table, identKey{instance: id.Instance, objectID: id.ObjectID})
	liveIdentityGauge.Dec()
	kind := id.kind
	id.mux.Unlock()
	c.mux.Unlock()

	// Blocking store work happens outside every lock.
	id.setState(StateFreeing)
	if store != nil {
		if err := store.Release(ctx, id.ObjectID); err != nil {
			c.logger.Errorw("release backing object failed", "instance", id.Instance, "object", id.ObjectID, "err", err)
		}
	}
	id.setState(StateCleared)
	identityDestroyCounter.Inc()
	eventbus.Publish(types.TopicIdentityDestroy,
		types.BuildCacheEvent(types.TopicIdentityDestroy, id.Instance, id.ObjectID, kind))
	return Destroyed
}

// SyntheticID hands out an object id for stores without a natural
// stable one, unique among live identities of the instance.
func (c *Cache) SyntheticID(instance string) int64 {
	c.mux.Lock()
	defer c.mux.Unlock()
	for {
		oid := c.nextSynth
		c.nextSynth++
		if _, ok := c.table[identKey{instance: instance, objectID: oid}]; !ok {
			return oid
		}
	}
}

// Len reports live identities; eventually consistent.
func (c *Cache) Len() int {
	c.mux.Lock()
	defer c.mux.Unlock()
	return len(c.table)
}
