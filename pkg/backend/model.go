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
	"time"

	"github.com/basenana/vfscache/pkg/types"
)

type SystemInfo struct {
	FsID string `gorm:"column:fs_id;primaryKey"`
}

func (i SystemInfo) TableName() string {
	return "system_info"
}

type Object struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Kind       string `gorm:"column:kind"`
	Size       int64  `gorm:"column:size"`
	NLink      int64  `gorm:"column:nlink"`
	SymTarget  string `gorm:"column:sym_target"`
	Owner      int64  `gorm:"column:owner"`
	GroupOwner int64  `gorm:"column:group_owner"`
	Permission int64  `gorm:"column:permission"`
	CreatedAt  int64  `gorm:"column:created_at"`
	ModifiedAt int64  `gorm:"column:modified_at"`
}

func (o *Object) TableName() string {
	return "object"
}

type Binding struct {
	ParentID int64  `gorm:"column:parent_id;primaryKey;index:binding_parent"`
	Name     string `gorm:"column:name;primaryKey"`
	ObjectID int64  `gorm:"column:object_id;index:binding_object"`
}

func (b *Binding) TableName() string {
	return "binding"
}

func (o *Object) Update(desc *types.ObjectDescriptor) {
	o.ID = desc.ObjectID
	o.Kind = string(desc.Kind)
	o.Size = desc.Size
	o.NLink = desc.NLink
	o.SymTarget = desc.SymTarget
	o.Owner = desc.Access.UID
	o.GroupOwner = desc.Access.GID
	o.Permission = packPermission(desc.Access)
	o.CreatedAt = desc.CreatedAt.UnixNano()
	o.ModifiedAt = desc.ModifiedAt.UnixNano()
}

func (o *Object) Descriptor() *types.ObjectDescriptor {
	return &types.ObjectDescriptor{
		ObjectID:   o.ID,
		Kind:       types.Kind(o.Kind),
		Size:       o.Size,
		NLink:      o.NLink,
		SymTarget:  o.SymTarget,
		Access:     unpackPermission(o.Permission, o.Owner, o.GroupOwner),
		CreatedAt:  time.Unix(0, o.CreatedAt),
		ModifiedAt: time.Unix(0, o.ModifiedAt),
	}
}

var permissionBits = []types.Permission{
	types.PermOthersExec,
	types.PermOthersWrite,
	types.PermOthersRead,
	types.PermGroupExec,
	types.PermGroupWrite,
	types.PermGroupRead,
	types.PermOwnerExec,
	types.PermOwnerWrite,
	types.PermOwnerRead,
	types.PermSticky,
	types.PermSetGid,
	types.PermSetUid,
}

func packPermission(acc types.Access) int64 {
	var packed int64
	for i, p := range permissionBits {
		if acc.HasPerm(p) {
			packed |= 1 << i
		}
	}
	return packed
}

func unpackPermission(packed, uid, gid int64) types.Access {
	acc := types.Access{UID: uid, GID: gid}
	for i, p := range permissionBits {
		if packed&(1<<i) != 0 {
			acc.AddPerm(p)
		}
	}
	return acc
}
