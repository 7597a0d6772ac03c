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

package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	TopicIdentityDestroy = "cache.identity.destroy"
	TopicNodeInvalidate  = "cache.node.invalidate"
)

// CacheEvent notifies excluded collaborators (page cache, data layer)
// that a cached object went away. Consumers subscribe on the topics
// above; the core never waits for them.
type CacheEvent struct {
	Id       string    `json:"id"`
	Type     string    `json:"type"`
	Instance string    `json:"instance"`
	ObjectID int64     `json:"object_id"`
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
}

func BuildCacheEvent(eventType, instance string, objectID int64, kind Kind) *CacheEvent {
	return &CacheEvent{
		Id:       uuid.New().String(),
		Type:     eventType,
		Instance: instance,
		ObjectID: objectID,
		Kind:     kind,
		Time:     time.Now(),
	}
}
