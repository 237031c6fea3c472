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
	"errors"
	"testing"
	"time"

	"github.com/cubefs/openfiletable/common/omap"
	"github.com/cubefs/openfiletable/proto"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, mem omap.Store, seq uint64, anchors ...*proto.Anchor) {
	set := make(map[string][]byte)
	for _, a := range anchors {
		data, err := a.Marshal()
		require.NoError(t, err)
		set[hexKey(a.Ino)] = data
	}
	require.NoError(t, mem.Mutate(context.Background(), "mds1_openfiles", &omap.Mutation{
		Header: proto.EncodeHeader(seq),
		Set:    set,
	}))
}

func waitPrefetched(t *testing.T, tbl *OpenFileTable) {
	done := make(chan struct{})
	tbl.WaitForPrefetch(func() { close(done) })
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("prefetch did not finish")
	}
}

func TestPrefetchTwoPhases(t *testing.T) {
	ctx := context.Background()
	mem := omap.NewMemStore()

	mdsdir := proto.InoMDSDirOffset + 2
	stray := proto.InoStrayOffset + proto.NumStray*3 + 1
	seedStore(t, mem, 20,
		&proto.Anchor{Ino: 0x100f0, DirIno: 0, DType: proto.DTypeDir, NRef: 1},
		&proto.Anchor{Ino: 0x100f1, DirIno: 0x100f0, DName: "f1", DType: proto.DTypeReg, NRef: 1},
		&proto.Anchor{Ino: 0x100f2, DirIno: 0x100f0, DName: "d2", DType: proto.DTypeDir, NRef: 1},
		&proto.Anchor{Ino: mdsdir, DirIno: 0, DType: proto.DTypeDir, NRef: 1},
		&proto.Anchor{Ino: stray, DirIno: 0, DType: proto.DTypeDir, NRef: 1},
	)

	cache := newFakeCache()
	// d2 is already cached: no open issued for it
	cached := &fakeInode{ino: 0x100f2, dir: true}
	cache.inodes[cached.ino] = cached
	// the top directory is served by this rank, the file by rank 2
	cache.openRanks[0x100f0] = 1
	cache.openRanks[0x100f1] = 2

	tbl := newTestTable(cache, mem, nil)
	require.NoError(t, tbl.Load(ctx))
	tbl.PrefetchInodes(ctx)
	waitPrefetched(t, tbl)
	require.True(t, tbl.IsPrefetched())

	opened := cache.openedInos()
	require.ElementsMatch(t, []proto.Ino{0x100f0, 0x100f1}, opened)
	// directory phase strictly precedes the file phase
	require.Equal(t, proto.Ino(0x100f0), opened[0])

	tbl.lock.Lock()
	require.Equal(t, proto.Rank(1), tbl.loadedAnchorMap[0x100f0].Auth)
	require.Equal(t, proto.Rank(2), tbl.loadedAnchorMap[mdsdir].Auth)
	require.Equal(t, proto.Rank(3), tbl.loadedAnchorMap[stray].Auth)
	// only the directory phase records authority
	require.Equal(t, proto.RankNone, tbl.loadedAnchorMap[0x100f1].Auth)
	tbl.lock.Unlock()

	cache.lock.Lock()
	require.Equal(t, proto.Rank(2), cache.rejoined[0x100f1])
	_, notified := cache.rejoined[0x100f0]
	cache.lock.Unlock()
	require.False(t, notified, "opens resolving to this rank are not reported")
}

func TestPrefetchOpenError(t *testing.T) {
	ctx := context.Background()
	mem := omap.NewMemStore()

	seedStore(t, mem, 21,
		&proto.Anchor{Ino: 0x200f0, DirIno: 0, DType: proto.DTypeDir, NRef: 1},
	)

	cache := newFakeCache()
	cache.openErrs[0x200f0] = errors.New("no such inode")

	tbl := newTestTable(cache, mem, nil)
	require.NoError(t, tbl.Load(ctx))
	tbl.PrefetchInodes(ctx)
	waitPrefetched(t, tbl)

	tbl.lock.Lock()
	require.Equal(t, proto.RankNone, tbl.loadedAnchorMap[0x200f0].Auth)
	tbl.lock.Unlock()

	cache.lock.Lock()
	require.Equal(t, proto.RankNone, cache.rejoined[0x200f0])
	cache.lock.Unlock()
}

func TestPrefetchDefersUntilLoad(t *testing.T) {
	ctx := context.Background()
	mem := omap.NewMemStore()

	seedStore(t, mem, 22,
		&proto.Anchor{Ino: 0x300f0, DirIno: 0, DType: proto.DTypeDir, NRef: 1},
	)

	cache := newFakeCache()
	cache.openRanks[0x300f0] = 2

	tbl := newTestTable(cache, mem, nil)
	require.True(t, tbl.PrefetchInodes(ctx))
	require.False(t, tbl.IsPrefetched())
	require.Empty(t, cache.openedInos())

	require.NoError(t, tbl.Load(ctx))
	waitPrefetched(t, tbl)
	require.Equal(t, []proto.Ino{0x300f0}, cache.openedInos())
}

func TestPrefetchEmptyShadow(t *testing.T) {
	ctx := context.Background()
	tbl := newTestTable(newFakeCache(), omap.NewMemStore(), nil)

	require.NoError(t, tbl.Load(ctx))
	tbl.PrefetchInodes(ctx)
	waitPrefetched(t, tbl)
	require.True(t, tbl.IsPrefetched())
}

func TestPrefetchPacing(t *testing.T) {
	ctx := context.Background()
	mem := omap.NewMemStore()

	var anchors []*proto.Anchor
	for i := 0; i < 5; i++ {
		anchors = append(anchors, &proto.Anchor{Ino: proto.Ino(0x400f0 + i), DirIno: 0, DType: proto.DTypeReg, NRef: 1})
	}
	seedStore(t, mem, 23, anchors...)

	cache := newFakeCache()
	for _, a := range anchors {
		cache.openRanks[a.Ino] = 2
	}

	tbl := newTestTable(cache, mem, &Config{Rank: 1, OpenInoPerSec: 1000, PrefetchWorkers: 2})
	require.NoError(t, tbl.Load(ctx))
	tbl.PrefetchInodes(ctx)
	waitPrefetched(t, tbl)
	require.Equal(t, 5, len(cache.openedInos()))
}
