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

import "time"

const ObjectNameMaxLength = 255

// ObjectDescriptor is what a backing store hands back for one object.
// It is a value snapshot; the identity cache is the long-lived record.
type ObjectDescriptor struct {
	ObjectID   int64     `json:"object_id"`
	Kind       Kind      `json:"kind"`
	Size       int64     `json:"size"`
	NLink      int64     `json:"nlink"`
	SymTarget  string    `json:"sym_target,omitempty"`
	Access     Access    `json:"access"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// ObjectAttr carries the caller-supplied attributes of a create-type
// operation.
type ObjectAttr struct {
	Name      string
	Kind      Kind
	Access    Access
	SymTarget string
}

func (a ObjectAttr) Verify() error {
	if len(a.Name) > ObjectNameMaxLength {
		return ErrNameTooLong
	}
	return nil
}
