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
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/openfiletable/common/omap"
	"github.com/cubefs/openfiletable/metrics"
	"github.com/cubefs/openfiletable/proto"
)

// approximate per-entry framing overhead counted against MaxWriteSize
const entryOverhead = 4

// Commit persists the current anchor image as one logical snapshot
// labeled logSeq. The snapshot is taken synchronously; the object
// writes run with the table unlocked, so event hooks may interleave and
// dirty the next snapshot. A multi-write snapshot first stamps the
// header with 0 so a reader can never mistake a torn image for a
// complete one.
func (t *OpenFileTable) Commit(ctx context.Context, logSeq uint64) error {
	span := trace.SpanFromContextSafe(ctx)
	span.Infof("commit openfiles log seq %d", logSeq)

	muts, totalBytes := t.buildCommit(logSeq)

	oid := t.objectName()
	for _, mut := range muts {
		if err := t.store.Mutate(ctx, oid, mut); err != nil {
			span.Errorf("commit openfiles log seq %d failed: %v", logSeq, err)
			t.lock.Lock()
			t.numPendingCommit--
			t.lock.Unlock()
			if t.onWriteError != nil {
				t.onWriteError(err)
			}
			return errors.Info(err, "commit openfiles object failed", oid)
		}
	}

	t.commitFinish(logSeq)
	metrics.CommitTotal.Inc()
	metrics.CommitBytes.Add(float64(totalBytes))
	return nil
}

// buildCommit snapshots the dirty set into the ordered partial writes
// of one commit and advances committing_log_seq.
func (t *OpenFileTable) buildCommit(logSeq uint64) ([]*omap.Mutation, int) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if logSeq < t.committingLogSeq {
		panic(fmt.Sprintf("open file table: commit seq %d below committing seq %d", logSeq, t.committingLogSeq))
	}
	t.committingLogSeq = logSeq
	t.numPendingCommit++

	var muts []*omap.Mutation
	cur := &omap.Mutation{}
	writeSize := 0
	totalBytes := 0
	flush := func() {
		muts = append(muts, cur)
		cur = &omap.Mutation{}
		writeSize = 0
	}

	if t.clearOnCommit {
		cur.Clear = true
		t.clearOnCommit = false
	}

	// A non-empty loaded shadow means disk still holds the prior
	// epoch's image: reconcile against it exactly once.
	firstCommit := len(t.loadedAnchorMap) > 0

	for ino := range t.dirtyItems {
		a := t.anchorMap[ino]
		if firstCommit {
			if la, ok := t.loadedAnchorMap[ino]; ok {
				same := a != nil && a.Equal(la)
				delete(t.loadedAnchorMap, ino)
				if same {
					continue
				}
			}
		}

		key := strconv.FormatUint(uint64(ino), 16)
		writeSize += len(key) + entryOverhead

		if a != nil {
			data, err := a.Marshal()
			if err != nil {
				panic(fmt.Sprintf("open file table: marshal anchor %x: %v", uint64(ino), err))
			}
			writeSize += len(data) + entryOverhead
			if cur.Set == nil {
				cur.Set = make(map[string][]byte)
			}
			cur.Set[key] = data
		} else {
			cur.Remove = append(cur.Remove, key)
		}

		if writeSize >= t.maxWriteSize {
			totalBytes += writeSize
			flush()
		}
	}
	t.dirtyItems = make(map[proto.Ino]uint8)

	if firstCommit {
		// Whatever is left in the shadow was never re-opened in this
		// epoch: delete the stale records.
		for ino := range t.loadedAnchorMap {
			key := strconv.FormatUint(uint64(ino), 16)
			writeSize += len(key) + entryOverhead
			cur.Remove = append(cur.Remove, key)

			if writeSize >= t.maxWriteSize {
				totalBytes += writeSize
				flush()
			}
		}
		t.loadedAnchorMap = make(map[proto.Ino]*proto.Anchor)
		metrics.LoadedAnchors.Set(0)
	}

	totalBytes += writeSize
	flush()

	if len(muts) > 1 {
		muts[0].Header = proto.EncodeHeader(0)
	}
	muts[len(muts)-1].Header = proto.EncodeHeader(logSeq)
	return muts, totalBytes
}

func (t *OpenFileTable) commitFinish(logSeq uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if logSeq > t.committingLogSeq {
		panic(fmt.Sprintf("open file table: finished seq %d above committing seq %d", logSeq, t.committingLogSeq))
	}
	if logSeq < t.committedLogSeq {
		panic(fmt.Sprintf("open file table: finished seq %d below committed seq %d", logSeq, t.committedLogSeq))
	}
	t.committedLogSeq = logSeq
	t.numPendingCommit--
}
