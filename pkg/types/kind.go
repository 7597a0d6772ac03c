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

// Kind of the underlying object a cached identity stands for.
type Kind string

const (
	GroupKind   Kind = "group"
	RawKind     Kind = "raw"
	FIFOKind    Kind = "fifo"
	SocketKind  Kind = "socket"
	SymLinkKind Kind = "symlink"
	BlkDevKind  Kind = "blk"
	CharDevKind Kind = "chr"
)

func IsGroup(k Kind) bool {
	return k == GroupKind
}
