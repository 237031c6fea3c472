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
	"context"

	"github.com/cubefs/openfiletable/proto"
)

type (
	// Inode is the slice of a cached inode the table consumes. The
	// tracked flag is owned by the table: set iff an anchor exists.
	Inode interface {
		Ino() proto.Ino
		IsDir() bool
		DType() proto.DType
		// ParentDentry reports the primary parent dentry, ok is false
		// for root-like or detached inodes.
		ParentDentry() (parent Inode, name string, ok bool)
		SetTracked(tracked bool)
		Tracked() bool
		// LastJournaled is the log sequence the inode was last journaled at.
		LastJournaled() uint64
	}

	// OpenInoCallback delivers the result of an asynchronous inode
	// open: the rank now authoritative for the inode, or an error.
	OpenInoCallback func(rank proto.Rank, err error)

	// Cache is the inode cache the table observes and prefetches into.
	Cache interface {
		GetInode(ino proto.Ino) Inode
		OpenIno(ctx context.Context, ino proto.Ino, pool int64, cb OpenInoCallback)
		RejoinPrefetchInoFinish(ino proto.Ino, rank proto.Rank)
	}

	// PoolMap resolves the cluster's pool ids.
	PoolMap interface {
		GetMetadataPool() int64
		GetFirstDataPool() int64
	}

	// WriteErrorHandler is invoked when a commit write fails; the
	// enclosing rank decides whether to abort or respawn.
	WriteErrorHandler func(err error)
)
