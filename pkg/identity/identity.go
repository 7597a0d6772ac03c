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
	"sync"
	"sync/atomic"

	"github.com/basenana/vfscache/pkg/types"
)

// State of one cached identity. Transitions only move forward except
// the live/unused cycle, which is tracked by the reference count, not
// a separate state.
type State int32

const (
	StateNew State = iota
	StateLive
	StatePendingFree
	StateFreeing
	StateCleared
)

// ReleaseOutcome reports what a reference drop did.
type ReleaseOutcome int

const (
	StillReferenced ReleaseOutcome = iota
	Parked
	Destroyed
)

// Alias is one name binding attached to an identity. Implemented by
// the node cache; kept as an interface so the identity side carries no
// tree knowledge.
type Alias interface {
	AliasHashed() bool
	AliasDisconnected() bool
}

// Identity is the in-memory record of one underlying filesystem
// object, shared by every name currently bound to it.
type Identity struct {
	Instance string
	ObjectID int64

	mux       sync.Mutex
	kind      types.Kind
	size      int64
	nlink     int64
	symTarget string
	access    types.Access
	refs      int32
	state     int32
	aliases   []Alias

	// closed once the initial loader finished; loadErr set before
	// close on failure.
	loaded  chan struct{}
	loadErr error
}

func (i *Identity) State() State {
	return State(atomic.LoadInt32(&i.state))
}

func (i *Identity) setState(s State) {
	atomic.StoreInt32(&i.state, int32(s))
}

func (i *Identity) Kind() types.Kind {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.kind
}

func (i *Identity) IsGroup() bool {
	return types.IsGroup(i.Kind())
}

func (i *Identity) Size() int64 {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.size
}

func (i *Identity) NLink() int64 {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.nlink
}

func (i *Identity) SetNLink(n int64) {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.nlink = n
}

func (i *Identity) Access() types.Access {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.access
}

func (i *Identity) SymTarget() string {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.symTarget
}

func (i *Identity) Refs() int32 {
	i.mux.Lock()
	defer i.mux.Unlock()
	return i.refs
}

// ApplyDescriptor refreshes the cached attributes from a fresh backing
// store snapshot.
func (i *Identity) ApplyDescriptor(desc *types.ObjectDescriptor) {
	i.mux.Lock()
	defer i.mux.Unlock()
	i.kind = desc.Kind
	i.size = desc.Size
	i.nlink = desc.NLink
	i.symTarget = desc.SymTarget
	i.access = desc.Access
}

func (i *Identity) AddAlias(a Alias) {
	i.mux.Lock()
	defer i.mux.Unlock()
	for _, old := range i.aliases {
		if old == a {
			return
		}
	}
	i.aliases = append(i.aliases, a)
}

func (i *Identity) RemoveAlias(a Alias) {
	i.mux.Lock()
	defer i.mux.Unlock()
	for idx, old := range i.aliases {
		if old == a {
			i.aliases = append(i.aliases[:idx], i.aliases[idx+1:]...)
			return
		}
	}
}

// Aliases returns a snapshot of the alias set.
func (i *Identity) Aliases() []Alias {
	i.mux.Lock()
	defer i.mux.Unlock()
	return append([]Alias{}, i.aliases...)
}

// HashedAlias returns a hashed alias if one exists, otherwise a
// disconnected one when wantDisconnected is set, otherwise nil.
func (i *Identity) HashedAlias(wantDisconnected bool) Alias {
	i.mux.Lock()
	defer i.mux.Unlock()
	var disconnected Alias
	for _, a := range i.aliases {
		if a.AliasHashed() {
			return a
		}
		if a.AliasDisconnected() && disconnected == nil {
			disconnected = a
		}
	}
	if wantDisconnected {
		return disconnected
	}
	return nil
}
