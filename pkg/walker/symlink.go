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

	"github.com/bluele/gcache"
	"github.com/hyponet/eventbus"

	"github.com/basenana/vfscache/pkg/backend"
	"github.com/basenana/vfscache/pkg/types"
)

const defaultSymlinkCacheExpire = time.Minute

type lk struct {
	instance string
	objectID int64
}

// symlinkCache memoizes resolved link targets so a chain walked twice
// costs one ReadLink. Entries drop on identity teardown and node
// invalidation through the event bus.
type symlinkCache struct {
	targets gcache.Cache
}

func newSymlinkCache(size int) *symlinkCache {
	c := &symlinkCache{
		targets: gcache.New(size).LRU().
			Expiration(defaultSymlinkCacheExpire).Build(),
	}
	eventbus.Subscribe(types.TopicIdentityDestroy, c.handleCacheEvent)
	eventbus.Subscribe(types.TopicNodeInvalidate, c.handleCacheEvent)
	return c
}

func (c *symlinkCache) readLink(ctx context.Context, store backend.Store, objectID int64) (string, error) {
	k := lk{instance: store.InstanceID(), objectID: objectID}
	if cached, err := c.targets.Get(k); err == nil && cached != nil {
		symlinkCacheHitCounter.Inc()
		return cached.(string), nil
	}
	target, err := store.ReadLink(ctx, objectID)
	if err != nil {
		return "", err
	}
	_ = c.targets.Set(k, target)
	return target, nil
}

func (c *symlinkCache) handleCacheEvent(evt *types.CacheEvent) {
	c.targets.Remove(lk{instance: evt.Instance, objectID: evt.ObjectID})
}
