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

package proto

import (
	"encoding/binary"
	"fmt"

	apierrors "github.com/cubefs/openfiletable/errors"
)

// proto for storage encoding/decoding and function return value

const (
	anchorCodecVersion = uint8(1)

	// version + ino + dirino + name length + dtype + nref
	anchorFixedLen = 1 + 8 + 8 + 4 + 1 + 4

	headerLen = 8
)

// Anchor pins one open inode and the edge to its parent directory.
// NRef counts the inode's own openers plus one unit per anchored child.
// Auth is a runtime-only authority hint and is never persisted.
type Anchor struct {
	Ino    Ino
	DirIno Ino
	DName  string
	DType  DType
	NRef   int32
	Auth   Rank
}

func (a *Anchor) Marshal() ([]byte, error) {
	data := make([]byte, anchorFixedLen+len(a.DName))
	data[0] = anchorCodecVersion
	binary.LittleEndian.PutUint64(data[1:], uint64(a.Ino))
	binary.LittleEndian.PutUint64(data[9:], uint64(a.DirIno))
	binary.LittleEndian.PutUint32(data[17:], uint32(len(a.DName)))
	copy(data[21:], a.DName)
	off := 21 + len(a.DName)
	data[off] = uint8(a.DType)
	binary.LittleEndian.PutUint32(data[off+1:], uint32(a.NRef))
	return data, nil
}

func (a *Anchor) Unmarshal(data []byte) error {
	if len(data) < anchorFixedLen {
		return apierrors.ErrInvalidAnchor
	}
	if data[0] != anchorCodecVersion {
		return apierrors.ErrInvalidAnchor
	}
	a.Ino = Ino(binary.LittleEndian.Uint64(data[1:]))
	a.DirIno = Ino(binary.LittleEndian.Uint64(data[9:]))
	nameLen := int(binary.LittleEndian.Uint32(data[17:]))
	if len(data) != anchorFixedLen+nameLen {
		return apierrors.ErrInvalidAnchor
	}
	a.DName = string(data[21 : 21+nameLen])
	off := 21 + nameLen
	a.DType = DType(data[off])
	a.NRef = int32(binary.LittleEndian.Uint32(data[off+1:]))
	a.Auth = RankNone
	return nil
}

// Equal compares the persisted fields only; Auth is runtime state.
func (a *Anchor) Equal(o *Anchor) bool {
	return a.Ino == o.Ino && a.DirIno == o.DirIno && a.DName == o.DName &&
		a.DType == o.DType && a.NRef == o.NRef
}

func (a *Anchor) String() string {
	return fmt.Sprintf("anchor(ino %x dirino %x '%s' nref %d)", uint64(a.Ino), uint64(a.DirIno), a.DName, a.NRef)
}

// EncodeHeader encodes the log sequence the snapshot is labeled with.
// Sequence 0 marks the snapshot as incomplete.
func EncodeHeader(logSeq uint64) []byte {
	data := make([]byte, headerLen)
	binary.LittleEndian.PutUint64(data, logSeq)
	return data
}

func DecodeHeader(data []byte) (uint64, error) {
	if len(data) != headerLen {
		return 0, apierrors.ErrInvalidHeader
	}
	return binary.LittleEndian.Uint64(data), nil
}
