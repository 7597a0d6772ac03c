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

package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basenana/vfscache/pkg/types"
)

type memObject struct {
	desc     types.ObjectDescriptor
	children map[string]int64
}

// MemoryStore is the map-backed reference Store, used by the test
// suites. Revalidation verdicts can be injected per name binding.
type MemoryStore struct {
	mux       sync.Mutex
	instance  string
	objects   map[int64]*memObject
	nextID    int64
	validity  map[string]Validity
	released  []int64
	lookupCnt map[string]int
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		instance:  uuid.New().String(),
		objects:   map[int64]*memObject{},
		nextID:    RootObjectID + 1,
		validity:  map[string]Validity{},
		lookupCnt: map[string]int{},
	}
	s.objects[RootObjectID] = &memObject{
		desc: types.ObjectDescriptor{
			ObjectID:   RootObjectID,
			Kind:       types.GroupKind,
			NLink:      2,
			Access:     defaultAccess(),
			CreatedAt:  time.Now(),
			ModifiedAt: time.Now(),
		},
		children: map[string]int64{},
	}
	return s
}

func (s *MemoryStore) InstanceID() string {
	return s.instance
}

func (s *MemoryStore) RootObject(ctx context.Context) (*types.ObjectDescriptor, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	desc := s.objects[RootObjectID].desc
	return &desc, nil
}

func (s *MemoryStore) Lookup(ctx context.Context, parentID int64, name string) (*types.ObjectDescriptor, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.lookupCnt[bindingKey(parentID, name)]++
	parent, ok := s.objects[parentID]
	if !ok {
		return nil, types.ErrStale
	}
	cid, ok := parent.children[name]
	if !ok {
		return nil, types.ErrNotFound
	}
	desc := s.objects[cid].desc
	return &desc, nil
}

func (s *MemoryStore) Create(ctx context.Context, parentID int64, attr types.ObjectAttr) (*types.ObjectDescriptor, error) {
	if err := attr.Verify(); err != nil {
		return nil, err
	}
	s.mux.Lock()
	defer s.mux.Unlock()
	parent, ok := s.objects[parentID]
	if !ok {
		return nil, types.ErrStale
	}
	if _, ok = parent.children[attr.Name]; ok {
		return nil, types.ErrIsExist
	}

	obj := &memObject{
		desc: types.ObjectDescriptor{
			ObjectID:   s.nextID,
			Kind:       attr.Kind,
			NLink:      1,
			SymTarget:  attr.SymTarget,
			Access:     attr.Access,
			CreatedAt:  time.Now(),
			ModifiedAt: time.Now(),
		},
	}
	if types.IsGroup(attr.Kind) {
		obj.desc.NLink = 2
		obj.children = map[string]int64{}
	}
	s.nextID++
	s.objects[obj.desc.ObjectID] = obj
	parent.children[attr.Name] = obj.desc.ObjectID
	desc := obj.desc
	return &desc, nil
}

func (s *MemoryStore) Link(ctx context.Context, parentID int64, name string, objectID int64) (*types.ObjectDescriptor, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	parent, ok := s.objects[parentID]
	if !ok {
		return nil, types.ErrStale
	}
	obj, ok := s.objects[objectID]
	if !ok {
		return nil, types.ErrStale
	}
	if types.IsGroup(obj.desc.Kind) {
		return nil, types.ErrIsGroup
	}
	if _, ok = parent.children[name]; ok {
		return nil, types.ErrIsExist
	}
	parent.children[name] = objectID
	obj.desc.NLink++
	desc := obj.desc
	return &desc, nil
}

func (s *MemoryStore) Unlink(ctx context.Context, parentID int64, name string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	parent, ok := s.objects[parentID]
	if !ok {
		return types.ErrStale
	}
	cid, ok := parent.children[name]
	if !ok {
		return types.ErrNotFound
	}
	obj := s.objects[cid]
	if obj.children != nil && len(obj.children) > 0 {
		return types.ErrNotEmpty
	}
	delete(parent.children, name)
	obj.desc.NLink--
	if types.IsGroup(obj.desc.Kind) {
		obj.desc.NLink = 0
	}
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, oldParentID int64, oldName string, newParentID int64, newName string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	oldParent, ok := s.objects[oldParentID]
	if !ok {
		return types.ErrStale
	}
	newParent, ok := s.objects[newParentID]
	if !ok {
		return types.ErrStale
	}
	cid, ok := oldParent.children[oldName]
	if !ok {
		return types.ErrNotFound
	}
	if displaced, ok := newParent.children[newName]; ok {
		if obj := s.objects[displaced]; obj.children != nil && len(obj.children) > 0 {
			return types.ErrNotEmpty
		}
	}
	delete(oldParent.children, oldName)
	newParent.children[newName] = cid
	return nil
}

func (s *MemoryStore) ReadLink(ctx context.Context, objectID int64) (string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	obj, ok := s.objects[objectID]
	if !ok {
		return "", types.ErrStale
	}
	if obj.desc.Kind != types.SymLinkKind {
		return "", types.ErrUnsupported
	}
	return obj.desc.SymTarget, nil
}

func (s *MemoryStore) Revalidate(ctx context.Context, parentID int64, name string, objectID int64) Validity {
	s.mux.Lock()
	defer s.mux.Unlock()
	if v, ok := s.validity[bindingKey(parentID, name)]; ok {
		return v
	}
	parent, ok := s.objects[parentID]
	if !ok {
		return InvalidFatal
	}
	cid, ok := parent.children[name]
	if !ok {
		// Object id zero stands for a cached absence.
		if objectID == 0 {
			return Valid
		}
		return InvalidRecoverable
	}
	if cid != objectID {
		return InvalidRecoverable
	}
	return Valid
}

func (s *MemoryStore) Release(ctx context.Context, objectID int64) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	delete(s.objects, objectID)
	s.released = append(s.released, objectID)
	return nil
}

// SetValidity pins the revalidation verdict of one binding; tests use
// it to simulate a distributed store changing under the cache.
func (s *MemoryStore) SetValidity(parentID int64, name string, v Validity) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.validity[bindingKey(parentID, name)] = v
}

// RemoveUnderlying drops a binding without telling the cache, the way
// a remote peer would.
func (s *MemoryStore) RemoveUnderlying(parentID int64, name string) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if parent, ok := s.objects[parentID]; ok {
		delete(parent.children, name)
	}
}

func (s *MemoryStore) LookupCount(parentID int64, name string) int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.lookupCnt[bindingKey(parentID, name)]
}

func (s *MemoryStore) Released() []int64 {
	s.mux.Lock()
	defer s.mux.Unlock()
	return append([]int64{}, s.released...)
}

func bindingKey(parentID int64, name string) string {
	return fmt.Sprintf("%d/%s", parentID, name)
}

func defaultAccess() types.Access {
	return types.Access{
		Permissions: []types.Permission{
			types.PermOwnerRead,
			types.PermOwnerWrite,
			types.PermOwnerExec,
			types.PermGroupRead,
			types.PermGroupExec,
			types.PermOthersRead,
			types.PermOthersExec,
		},
	}
}
