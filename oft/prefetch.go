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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/openfiletable/metrics"
	"github.com/cubefs/openfiletable/proto"
)

// PrefetchInodes starts the two phase prefetch of the loaded shadow:
// directory inodes first so file opens can resolve their paths, then
// file inodes. Deferred until the load finishes if necessary. Returns
// true while the prefetch is still in flight.
func (t *OpenFileTable) PrefetchInodes(ctx context.Context) bool {
	span := trace.SpanFromContextSafe(ctx)
	span.Infof("prefetch inodes")

	t.lock.Lock()
	if t.prefetchState != prefetchIdle {
		t.lock.Unlock()
		panic("open file table: prefetch already started")
	}
	t.prefetchState = prefetchDirInodes
	loaded := t.loadDone
	t.lock.Unlock()

	if !loaded {
		t.WaitForLoad(func() {
			span, ctx := trace.StartSpanFromContext(context.Background(), "oft-prefetch")
			span.Debugf("load finished, starting deferred prefetch")
			t.prefetchInodes(ctx)
		})
		return true
	}

	t.prefetchInodes(ctx)
	return !t.IsPrefetched()
}

// prefetchInodes scans the shadow for the current phase and fans out
// asynchronous opens. The opening counter starts at one so a scan that
// issues no work still advances the state machine exactly once, on the
// artificial completion at the end.
func (t *OpenFileTable) prefetchInodes(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)

	t.lock.Lock()
	if t.numOpeningInodes != 0 {
		t.lock.Unlock()
		panic("open file table: prefetch scan with opens in flight")
	}
	t.numOpeningInodes = 1

	state := t.prefetchState
	var pool int64
	switch state {
	case prefetchDirInodes:
		pool = t.pools.GetMetadataPool()
	case prefetchFileInodes:
		pool = t.pools.GetFirstDataPool()
	default:
		t.lock.Unlock()
		panic(fmt.Sprintf("open file table: prefetch scan in state %d", state))
	}
	span.Debugf("prefetch scan state %d pool %d", state, pool)

	var targets []proto.Ino
	for ino, anchor := range t.loadedAnchorMap {
		if anchor.DType == proto.DTypeDir {
			if state != prefetchDirInodes {
				continue
			}
			// System inodes are owned by construction.
			if proto.IsMDSDir(ino) {
				anchor.Auth = proto.MDSDirOwner(ino)
				continue
			}
			if proto.IsStray(ino) {
				anchor.Auth = proto.StrayOwner(ino)
				continue
			}
		} else {
			if state != prefetchFileInodes {
				continue
			}
			// file inodes are opened too, so recovery can identify
			// files needing recovery without another namespace walk
		}
		if t.cache.GetInode(ino) != nil {
			continue
		}
		targets = append(targets, ino)
	}
	t.numOpeningInodes += int64(len(targets))
	t.lock.Unlock()

	for i := range targets {
		ino := targets[i]
		if t.openLimiter != nil {
			if err := t.openLimiter.Wait(ctx); err != nil {
				span.Warnf("open pacing interrupted: %v", err)
			}
		}
		t.prefetchPool.Run(func() {
			metrics.PrefetchOpenTotal.Inc()
			t.cache.OpenIno(ctx, ino, pool, func(rank proto.Rank, err error) {
				t.openInoFinish(ctx, ino, rank, err)
			})
		})
	}

	// the scan's own reference
	t.openInoFinish(ctx, proto.InoNone, t.rank, nil)
}

// openInoFinish fans in one open completion; the last one of a phase
// advances the state machine.
func (t *OpenFileTable) openInoFinish(ctx context.Context, ino proto.Ino, rank proto.Rank, err error) {
	span := trace.SpanFromContextSafe(ctx)

	t.lock.Lock()
	if ino != proto.InoNone && err == nil && t.prefetchState == prefetchDirInodes {
		anchor, ok := t.loadedAnchorMap[ino]
		if !ok {
			t.lock.Unlock()
			panic(fmt.Sprintf("open file table: opened ino %x not loaded", uint64(ino)))
		}
		anchor.Auth = rank
	}

	notify := ino != proto.InoNone && (err != nil || rank != t.rank)

	t.numOpeningInodes--
	advance := t.numOpeningInodes == 0
	state := t.prefetchState
	var waiters []func()
	if advance {
		switch state {
		case prefetchDirInodes:
			t.prefetchState = prefetchFileInodes
		case prefetchFileInodes:
			t.prefetchState = prefetchDone
			waiters = t.waitingForPrefetch
			t.waitingForPrefetch = nil
		default:
			t.lock.Unlock()
			panic(fmt.Sprintf("open file table: open finished in state %d", state))
		}
	}
	t.lock.Unlock()

	if notify {
		if err != nil {
			span.Warnf("open ino %x failed: %v", uint64(ino), err)
			rank = proto.RankNone
		}
		t.cache.RejoinPrefetchInoFinish(ino, rank)
	}

	if advance {
		if state == prefetchDirInodes {
			// next phase dispatches into the same worker pool this
			// completion may be running on, so rescan off this stack
			go func() {
				span, ctx := trace.StartSpanFromContext(context.Background(), "oft-prefetch-files")
				span.Debugf("directory phase done, scanning file inodes")
				t.prefetchInodes(ctx)
			}()
			return
		}
		span.Infof("prefetch done")
		for _, fn := range waiters {
			fn()
		}
	}
}

// WaitForPrefetch runs fn once both prefetch phases have finished,
// immediately if they already have.
func (t *OpenFileTable) WaitForPrefetch(fn func()) {
	t.lock.Lock()
	if t.prefetchState == prefetchDone {
		t.lock.Unlock()
		fn()
		return
	}
	t.waitingForPrefetch = append(t.waitingForPrefetch, fn)
	t.lock.Unlock()
}
