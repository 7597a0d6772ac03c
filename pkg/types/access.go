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

type Permission string

const (
	PermOwnerRead   Permission = "owner_read"
	PermOwnerWrite  Permission = "owner_write"
	PermOwnerExec   Permission = "owner_exec"
	PermGroupRead   Permission = "group_read"
	PermGroupWrite  Permission = "group_write"
	PermGroupExec   Permission = "group_exec"
	PermOthersRead  Permission = "others_read"
	PermOthersWrite Permission = "others_write"
	PermOthersExec  Permission = "others_exec"
	PermSetUid      Permission = "set_uid"
	PermSetGid      Permission = "set_gid"
	PermSticky      Permission = "sticky"
)

type Access struct {
	Permissions []Permission `json:"permissions,omitempty"`
	UID         int64        `json:"uid"`
	GID         int64        `json:"gid"`
}

func (a *Access) AddPerm(p Permission) {
	for _, old := range a.Permissions {
		if old == p {
			return
		}
	}
	a.Permissions = append(a.Permissions, p)
}

func (a *Access) RemovePerm(p Permission) {
	for i, old := range a.Permissions {
		if old != p {
			continue
		}
		a.Permissions = append(a.Permissions[0:i], a.Permissions[i+1:]...)
	}
}

func (a *Access) HasPerm(p Permission) bool {
	for _, old := range a.Permissions {
		if old == p {
			return true
		}
	}
	return false
}

// Caller identifies who is walking a path. UID 0 bypasses permission
// checks, same as the kernel it models.
type Caller struct {
	UID int64
	GID int64
}

var Root = Caller{UID: 0, GID: 0}

// CheckExec reports whether the caller may search a directory (or
// execute an object) with the given access bits. Results must never be
// cached alongside name lookups.
func CheckExec(acc Access, caller Caller) error {
	return checkAccess(acc, caller, PermOwnerExec, PermGroupExec, PermOthersExec)
}

func CheckRead(acc Access, caller Caller) error {
	return checkAccess(acc, caller, PermOwnerRead, PermGroupRead, PermOthersRead)
}

func CheckWrite(acc Access, caller Caller) error {
	return checkAccess(acc, caller, PermOwnerWrite, PermGroupWrite, PermOthersWrite)
}

func checkAccess(acc Access, caller Caller, owner, group, others Permission) error {
	if caller.UID == 0 {
		return nil
	}
	switch {
	case caller.UID == acc.UID:
		if acc.HasPerm(owner) {
			return nil
		}
	case caller.GID == acc.GID:
		if acc.HasPerm(group) {
			return nil
		}
	default:
		if acc.HasPerm(others) {
			return nil
		}
	}
	return ErrNoPerm
}
