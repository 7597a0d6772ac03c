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

// ResolveFlag tunes one path walk. Behaviors match the usual namei
// semantics: interior symlinks are always followed, the trailing one
// only when asked.
type ResolveFlag uint32

const (
	// ResolveFollow expands a symlink in the final component.
	ResolveFollow ResolveFlag = 1 << iota
	// ResolveMustBeDir requires the terminal object to be a group. A
	// trailing separator in the path sets this implicitly.
	ResolveMustBeDir
	// ResolveCreateIntent makes a terminal negative node a success
	// instead of ErrNotFound, so create-type callers can bind it.
	ResolveCreateIntent
	// ResolveFresh skips the revalidation fast path and forces a
	// backing-store lookup for the final component.
	ResolveFresh
	// ResolveParentOnly stops at the directory containing the final
	// component, which is never looked up. Create, unlink and rename
	// callers use it to find the directory they will mutate.
	ResolveParentOnly
)

func (f ResolveFlag) Has(want ResolveFlag) bool {
	return f&want == want
}
