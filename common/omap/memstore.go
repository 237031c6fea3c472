// Copyright 2023 The Cuber Authors.
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

package omap

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/util/btree"
	apierrors "github.com/cubefs/openfiletable/errors"
)

const memTreeDegree = 32

type kvItem struct {
	key   string
	value []byte
}

func (i *kvItem) Less(than btree.Item) bool {
	return i.key < than.(*kvItem).key
}

func (i *kvItem) Copy() btree.Item {
	item := *i
	return &item
}

type memObject struct {
	header []byte
	keys   *btree.BTree
}

type memStore struct {
	objects map[string]*memObject
	lock    sync.RWMutex
}

// NewMemStore returns a Store holding all objects in memory.
func NewMemStore() Store {
	return &memStore{objects: make(map[string]*memObject)}
}

func (s *memStore) Mutate(ctx context.Context, oid string, mut *Mutation) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	obj := s.objects[oid]
	if obj == nil {
		obj = &memObject{keys: btree.New(memTreeDegree)}
		s.objects[oid] = obj
	}

	if mut.Clear {
		obj.keys = btree.New(memTreeDegree)
	}
	if mut.Header != nil {
		obj.header = append([]byte(nil), mut.Header...)
	}
	for key, value := range mut.Set {
		obj.keys.ReplaceOrInsert(&kvItem{key: key, value: append([]byte(nil), value...)})
	}
	for _, key := range mut.Remove {
		obj.keys.Delete(&kvItem{key: key})
	}
	return nil
}

func (s *memStore) Read(ctx context.Context, oid string, opt ReadOptions) (*ReadResult, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	obj := s.objects[oid]
	if obj == nil {
		return nil, apierrors.ErrObjectNotFound
	}

	res := &ReadResult{}
	if opt.WithHeader {
		res.Header = append([]byte(nil), obj.header...)
	}
	obj.keys.AscendGreaterOrEqual(&kvItem{key: opt.StartAfter}, func(i btree.Item) bool {
		item := i.(*kvItem)
		if item.key == opt.StartAfter {
			return true
		}
		if opt.Limit > 0 && uint64(len(res.Vals)) == opt.Limit {
			res.More = true
			return false
		}
		res.Vals = append(res.Vals, KV{Key: item.key, Value: append([]byte(nil), item.value...)})
		return true
	})
	return res, nil
}

func (s *memStore) Close() {}
