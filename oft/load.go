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
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/openfiletable/common/omap"
	apierrors "github.com/cubefs/openfiletable/errors"
	"github.com/cubefs/openfiletable/metrics"
	"github.com/cubefs/openfiletable/proto"
)

// Load streams the backing object into the loaded shadow. Storage
// problems never fail startup: the table comes up empty with
// clear_on_commit latched, and the next commit rewrites the object from
// scratch. Concurrent callers share one in-flight load.
func (t *OpenFileTable) Load(ctx context.Context) error {
	_, err, _ := t.loadGroup.Do("load", func() (interface{}, error) {
		return nil, t.load(ctx)
	})
	return err
}

func (t *OpenFileTable) load(ctx context.Context) error {
	span := trace.SpanFromContextSafe(ctx)

	t.lock.Lock()
	if t.loadDone {
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()

	oid := t.objectName()
	first := true
	startAfter := ""
	for {
		res, err := t.store.Read(ctx, oid, omap.ReadOptions{
			WithHeader: first,
			StartAfter: startAfter,
			Limit:      t.loadBatchSize,
		})
		if err != nil {
			span.Errorf("read openfiles object %s failed: %v", oid, err)
			t.lock.Lock()
			t.clearOnCommit = true
			if !first {
				t.loadedAnchorMap = make(map[proto.Ino]*proto.Anchor)
			}
			t.lock.Unlock()
			break
		}

		stop, err := t.ingestLoaded(ctx, first, res)
		if err != nil {
			span.Errorf("corrupted openfiles object %s: %v", oid, err)
			t.lock.Lock()
			t.clearOnCommit = true
			t.loadedAnchorMap = make(map[proto.Ino]*proto.Anchor)
			t.lock.Unlock()
			break
		}
		if stop || !res.More {
			span.Infof("load complete, %d anchors", t.loadedCount())
			break
		}

		startAfter = res.Vals[len(res.Vals)-1].Key
		span.Debugf("continue to load from '%s'", startAfter)
		first = false
	}

	t.finishLoad()
	return nil
}

// ingestLoaded decodes one read response into the shadow. stop is set
// when the on-disk snapshot is marked incomplete and everything read so
// far has to be discarded.
func (t *OpenFileTable) ingestLoaded(ctx context.Context, first bool, res *omap.ReadResult) (stop bool, err error) {
	span := trace.SpanFromContextSafe(ctx)

	t.lock.Lock()
	defer t.lock.Unlock()

	if first {
		logSeq, err := proto.DecodeHeader(res.Header)
		if err != nil {
			return false, err
		}
		t.committedLogSeq = logSeq
		t.committingLogSeq = logSeq
		if logSeq == 0 {
			span.Warnf("openfiles object has incomplete values")
			t.clearOnCommit = true
			return true, nil
		}
	}

	for _, kv := range res.Vals {
		ino, err := strconv.ParseUint(kv.Key, 16, 64)
		if err != nil {
			return false, apierrors.ErrInvalidAnchorKey
		}
		anchor := &proto.Anchor{}
		if err := anchor.Unmarshal(kv.Value); err != nil {
			return false, err
		}
		if anchor.Ino != proto.Ino(ino) {
			return false, apierrors.ErrInvalidAnchor
		}
		anchor.Auth = proto.RankNone
		t.loadedAnchorMap[anchor.Ino] = anchor
	}
	metrics.LoadedAnchors.Set(float64(len(t.loadedAnchorMap)))
	return false, nil
}

func (t *OpenFileTable) finishLoad() {
	t.lock.Lock()
	t.loadDone = true
	waiters := t.waitingForLoad
	t.waitingForLoad = nil
	t.lock.Unlock()

	for _, fn := range waiters {
		fn()
	}
}

// WaitForLoad runs fn once loading has finished, immediately if it
// already has.
func (t *OpenFileTable) WaitForLoad(fn func()) {
	t.lock.Lock()
	if t.loadDone {
		t.lock.Unlock()
		fn()
		return
	}
	t.waitingForLoad = append(t.waitingForLoad, fn)
	t.lock.Unlock()
}

func (t *OpenFileTable) loadedCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.loadedAnchorMap)
}
