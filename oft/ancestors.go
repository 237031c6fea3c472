// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package oft

import (
	"github.com/cubefs/openfiletable/proto"
)

// GetAncestors walks the loaded shadow from ino toward the root and
// returns the (parent, name) chain a resolver needs to re-open the
// inode, plus an authority hint taken from the nearest known ancestor.
// ok is false when the shadow has no usable ancestry for ino.
func (t *OpenFileTable) GetAncestors(ino proto.Ino) (ancestors []proto.Backpointer, authHint proto.Rank, ok bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	authHint = proto.RankNone

	anchor, found := t.loadedAnchorMap[ino]
	if !found {
		return nil, authHint, false
	}
	dirino := anchor.DirIno
	if dirino == proto.InoNone {
		return nil, authHint, false
	}

	first := true
	for {
		ancestors = append(ancestors, proto.Backpointer{DirIno: dirino, DName: anchor.DName})

		parent, found := t.loadedAnchorMap[dirino]
		if !found {
			break
		}
		if first {
			authHint = parent.Auth
			first = false
		}

		anchor = parent
		dirino = anchor.DirIno
		if dirino == proto.InoNone {
			break
		}
	}
	return ancestors, authHint, true
}
