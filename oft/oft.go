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
	"fmt"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"
	"github.com/cubefs/openfiletable/common/omap"
	"github.com/cubefs/openfiletable/metrics"
	"github.com/cubefs/openfiletable/proto"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	// dirtyNew marks an anchor that has no persisted record yet.
	// Rescinding such an anchor before a commit drops the dirty entry
	// entirely so no delete is emitted for a key that never existed.
	dirtyNew = uint8(1 << 0)

	defaultMaxWriteSize    = 10 << 20
	defaultLoadBatchSize   = 1024
	defaultPrefetchWorkers = 8
)

type Config struct {
	Rank proto.Rank `json:"rank"`

	// MaxWriteSize caps the bytes accumulated into one partial write
	// of a commit.
	MaxWriteSize int `json:"max_write_size"`

	// LoadBatchSize caps the key/value pairs fetched per load read.
	LoadBatchSize uint64 `json:"load_batch_size"`

	// PrefetchWorkers bounds concurrent open dispatch during prefetch.
	PrefetchWorkers int `json:"prefetch_workers"`

	// OpenInoPerSec paces prefetch opens, 0 disables pacing.
	OpenInoPerSec int `json:"open_ino_per_sec"`
}

type prefetchState uint8

const (
	prefetchIdle = prefetchState(iota)
	prefetchDirInodes
	prefetchFileInodes
	prefetchDone
)

// OpenFileTable tracks every inode held open on this rank, pins the
// ancestor chain of each, and persists the whole image to one object in
// the metadata pool so a recovering peer can re-open them.
type OpenFileTable struct {
	rank  proto.Rank
	cache Cache
	pools PoolMap
	store omap.Store

	anchorMap       map[proto.Ino]*proto.Anchor
	dirtyItems      map[proto.Ino]uint8
	loadedAnchorMap map[proto.Ino]*proto.Anchor

	committedLogSeq  uint64
	committingLogSeq uint64
	numPendingCommit int
	clearOnCommit    bool

	loadDone       bool
	waitingForLoad []func()
	loadGroup      singleflight.Group

	prefetchState      prefetchState
	numOpeningInodes   int64
	waitingForPrefetch []func()
	prefetchPool       taskpool.TaskPool
	openLimiter        *rate.Limiter

	maxWriteSize  int
	loadBatchSize uint64
	onWriteError  WriteErrorHandler

	lock sync.Mutex
}

func New(cfg *Config, cache Cache, pools PoolMap, store omap.Store, onWriteError WriteErrorHandler) *OpenFileTable {
	if cfg.MaxWriteSize <= 0 {
		cfg.MaxWriteSize = defaultMaxWriteSize
	}
	if cfg.LoadBatchSize == 0 {
		cfg.LoadBatchSize = defaultLoadBatchSize
	}
	if cfg.PrefetchWorkers <= 0 {
		cfg.PrefetchWorkers = defaultPrefetchWorkers
	}
	t := &OpenFileTable{
		rank:            cfg.Rank,
		cache:           cache,
		pools:           pools,
		store:           store,
		anchorMap:       make(map[proto.Ino]*proto.Anchor),
		dirtyItems:      make(map[proto.Ino]uint8),
		loadedAnchorMap: make(map[proto.Ino]*proto.Anchor),
		prefetchPool:    taskpool.New(cfg.PrefetchWorkers, cfg.PrefetchWorkers),
		maxWriteSize:    cfg.MaxWriteSize,
		loadBatchSize:   cfg.LoadBatchSize,
		onWriteError:    onWriteError,
	}
	if cfg.OpenInoPerSec > 0 {
		t.openLimiter = rate.NewLimiter(rate.Limit(cfg.OpenInoPerSec), cfg.OpenInoPerSec)
	}
	return t
}

// Close releases the prefetch worker pool. It neither waits for nor
// cancels commits and loads in progress.
func (t *OpenFileTable) Close() {
	t.prefetchPool.Close()
}

func (t *OpenFileTable) objectName() string {
	return fmt.Sprintf("mds%d_openfiles", t.rank)
}

// AddInode tracks an inode that entered the open set.
func (t *OpenFileTable) AddInode(ctx context.Context, in Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("add inode %x", uint64(in.Ino()))

	t.lock.Lock()
	defer t.lock.Unlock()

	if !in.IsDir() {
		if _, ok := t.anchorMap[in.Ino()]; ok {
			panic(fmt.Sprintf("open file table: ino %x already anchored", uint64(in.Ino())))
		}
	}
	t.getRef(in)
	metrics.TrackedAnchors.Set(float64(len(t.anchorMap)))
}

// RemoveInode untracks an inode that left the open set.
func (t *OpenFileTable) RemoveInode(ctx context.Context, in Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("remove inode %x", uint64(in.Ino()))

	t.lock.Lock()
	defer t.lock.Unlock()

	if !in.IsDir() {
		a, ok := t.anchorMap[in.Ino()]
		if !ok || a.NRef != 1 {
			panic(fmt.Sprintf("open file table: ino %x not removable", uint64(in.Ino())))
		}
	}
	t.putRef(in)
	metrics.TrackedAnchors.Set(float64(len(t.anchorMap)))
}

// NotifyLink records that a tracked inode just gained its parent dentry.
func (t *OpenFileTable) NotifyLink(ctx context.Context, in Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("notify link %x", uint64(in.Ino()))

	t.lock.Lock()
	defer t.lock.Unlock()

	a, ok := t.anchorMap[in.Ino()]
	if !ok || a.NRef <= 0 || a.DirIno != proto.InoNone || a.DName != "" {
		panic(fmt.Sprintf("open file table: bad link notification for ino %x", uint64(in.Ino())))
	}

	parent, name, pok := in.ParentDentry()
	if !pok {
		panic(fmt.Sprintf("open file table: link notification without parent for ino %x", uint64(in.Ino())))
	}

	a.DirIno = parent.Ino()
	a.DName = name
	if _, ok := t.dirtyItems[in.Ino()]; !ok {
		t.dirtyItems[in.Ino()] = 0
	}

	t.getRef(parent)
	metrics.TrackedAnchors.Set(float64(len(t.anchorMap)))
}

// NotifyUnlink records that a tracked inode is about to lose its parent
// dentry.
func (t *OpenFileTable) NotifyUnlink(ctx context.Context, in Inode) {
	span := trace.SpanFromContextSafe(ctx)
	span.Debugf("notify unlink %x", uint64(in.Ino()))

	t.lock.Lock()
	defer t.lock.Unlock()

	a, ok := t.anchorMap[in.Ino()]
	if !ok || a.NRef <= 0 {
		panic(fmt.Sprintf("open file table: bad unlink notification for ino %x", uint64(in.Ino())))
	}

	parent, name, pok := in.ParentDentry()
	if !pok {
		panic(fmt.Sprintf("open file table: unlink notification without parent for ino %x", uint64(in.Ino())))
	}
	if a.DirIno != parent.Ino() || a.DName != name {
		panic(fmt.Sprintf("open file table: unlink parent mismatch for ino %x", uint64(in.Ino())))
	}

	a.DirIno = proto.InoNone
	a.DName = ""
	if _, ok := t.dirtyItems[in.Ino()]; !ok {
		t.dirtyItems[in.Ino()] = 0
	}

	t.putRef(parent)
	metrics.TrackedAnchors.Set(float64(len(t.anchorMap)))
}

// getRef walks upward from in. Creating an anchor transfers exactly one
// reference unit to its parent, so the walk stops at the first inode
// that is already anchored: the chain above it is pinned transitively.
func (t *OpenFileTable) getRef(in Inode) {
	for in != nil {
		ino := in.Ino()
		if a, ok := t.anchorMap[ino]; ok {
			if !in.Tracked() {
				panic(fmt.Sprintf("open file table: anchored ino %x not tracked", uint64(ino)))
			}
			if a.NRef <= 0 {
				panic(fmt.Sprintf("open file table: anchored ino %x with nref %d", uint64(ino), a.NRef))
			}
			a.NRef++
			break
		}

		parent, name, pok := in.ParentDentry()
		dirino := proto.InoNone
		dname := ""
		if pok {
			dirino = parent.Ino()
			dname = name
		}

		t.anchorMap[ino] = &proto.Anchor{
			Ino:    ino,
			DirIno: dirino,
			DName:  dname,
			DType:  in.DType(),
			NRef:   1,
			Auth:   proto.RankNone,
		}
		in.SetTracked(true)

		if _, ok := t.dirtyItems[ino]; !ok {
			t.dirtyItems[ino] = dirtyNew
		}

		if !pok {
			break
		}
		in = parent
	}
}

// putRef walks upward from in, releasing one reference unit per level
// until one is absorbed by an anchor with other holders.
func (t *OpenFileTable) putRef(in Inode) {
	for in != nil {
		ino := in.Ino()
		if !in.Tracked() {
			panic(fmt.Sprintf("open file table: put_ref on untracked ino %x", uint64(ino)))
		}
		a, ok := t.anchorMap[ino]
		if !ok || a.NRef <= 0 {
			panic(fmt.Sprintf("open file table: put_ref on unanchored ino %x", uint64(ino)))
		}

		if a.NRef > 1 {
			a.NRef--
			break
		}

		parent, name, pok := in.ParentDentry()
		if pok {
			if a.DirIno != parent.Ino() || a.DName != name {
				panic(fmt.Sprintf("open file table: parent mismatch erasing ino %x", uint64(ino)))
			}
		} else {
			if a.DirIno != proto.InoNone || a.DName != "" {
				panic(fmt.Sprintf("open file table: detached anchor mismatch erasing ino %x", uint64(ino)))
			}
		}

		delete(t.anchorMap, ino)
		in.SetTracked(false)

		if flags, ok := t.dirtyItems[ino]; ok {
			if flags&dirtyNew != 0 {
				delete(t.dirtyItems, ino)
			}
		} else {
			t.dirtyItems[ino] = 0
		}

		if !pok {
			break
		}
		in = parent
	}
}

// ShouldLogOpen reports whether the journal still has to record an open
// for in. Once the inode is tracked, journaled past the in-flight
// commit sequence, and its anchor has been persisted, the record is
// redundant.
func (t *OpenFileTable) ShouldLogOpen(in Inode) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if in.Tracked() && in.LastJournaled() >= t.committingLogSeq {
		if _, dirty := t.dirtyItems[in.Ino()]; !dirty {
			return false
		}
	}
	return true
}

func (t *OpenFileTable) CommittedLogSeq() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.committedLogSeq
}

func (t *OpenFileTable) CommittingLogSeq() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.committingLogSeq
}

func (t *OpenFileTable) IsLoaded() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.loadDone
}

func (t *OpenFileTable) IsPrefetched() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.prefetchState == prefetchDone
}
