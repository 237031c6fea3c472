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

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"
	apierrors "github.com/cubefs/openfiletable/errors"
	rdb "github.com/tecbot/gorocksdb"
)

var (
	headerKeyPrefix = []byte("h")
	dataKeyPrefix   = []byte("k")
	keyInfix        = []byte("/")
)

type rocksdbStore struct {
	path     string
	db       *rdb.DB
	opt      *rdb.Options
	readOpt  *rdb.ReadOptions
	writeOpt *rdb.WriteOptions
}

// NewRocksdbStore opens (creating if missing) a rocksdb backed Store at
// path. Every Mutation is applied as a single write batch.
func NewRocksdbStore(ctx context.Context, path string) (Store, error) {
	opt := rdb.NewDefaultOptions()
	opt.SetCreateIfMissing(true)
	db, err := rdb.OpenDb(opt, path)
	if err != nil {
		opt.Destroy()
		return nil, errors.Info(err, "open rocksdb omap store failed", path)
	}
	writeOpt := rdb.NewDefaultWriteOptions()
	writeOpt.SetSync(true)

	log.Infof("open rocksdb omap store at %s", path)
	return &rocksdbStore{
		path:     path,
		db:       db,
		opt:      opt,
		readOpt:  rdb.NewDefaultReadOptions(),
		writeOpt: writeOpt,
	}, nil
}

func (s *rocksdbStore) Mutate(ctx context.Context, oid string, mut *Mutation) error {
	batch := rdb.NewWriteBatch()
	defer batch.Destroy()

	if mut.Clear {
		prefix := s.encodeDataKeyPrefix(oid)
		batch.DeleteRange(prefix, upperBound(prefix))
	}
	if mut.Header != nil {
		batch.Put(s.encodeHeaderKey(oid), mut.Header)
	}
	for key, value := range mut.Set {
		batch.Put(s.encodeDataKey(oid, key), value)
	}
	for _, key := range mut.Remove {
		batch.Delete(s.encodeDataKey(oid, key))
	}

	if err := s.db.Write(s.writeOpt, batch); err != nil {
		return errors.Info(err, "write omap batch failed", oid)
	}
	return nil
}

func (s *rocksdbStore) Read(ctx context.Context, oid string, opt ReadOptions) (*ReadResult, error) {
	res := &ReadResult{}

	headerFound := false
	if opt.WithHeader || opt.StartAfter == "" {
		slice, err := s.db.Get(s.readOpt, s.encodeHeaderKey(oid))
		if err != nil {
			return nil, errors.Info(err, "read omap header failed", oid)
		}
		if slice.Data() != nil {
			headerFound = true
			if opt.WithHeader {
				res.Header = append([]byte(nil), slice.Data()...)
			}
		}
		slice.Free()
	}

	prefix := s.encodeDataKeyPrefix(oid)
	it := s.db.NewIterator(s.readOpt)
	defer it.Close()

	if opt.StartAfter == "" {
		it.Seek(prefix)
	} else {
		it.Seek(append(s.encodeDataKey(oid, opt.StartAfter), 0))
	}
	for ; it.ValidForPrefix(prefix); it.Next() {
		if opt.Limit > 0 && uint64(len(res.Vals)) == opt.Limit {
			res.More = true
			break
		}
		key := it.Key()
		value := it.Value()
		res.Vals = append(res.Vals, KV{
			Key:   string(key.Data()[len(prefix):]),
			Value: append([]byte(nil), value.Data()...),
		})
		key.Free()
		value.Free()
	}
	if err := it.Err(); err != nil {
		return nil, errors.Info(err, "iterate omap keys failed", oid)
	}

	if opt.StartAfter == "" && !headerFound && len(res.Vals) == 0 {
		return nil, apierrors.ErrObjectNotFound
	}
	return res, nil
}

func (s *rocksdbStore) Close() {
	s.db.Close()
	s.readOpt.Destroy()
	s.writeOpt.Destroy()
	s.opt.Destroy()
}

func (s *rocksdbStore) encodeHeaderKey(oid string) []byte {
	ret := make([]byte, 0, len(headerKeyPrefix)+len(keyInfix)+len(oid))
	ret = append(ret, headerKeyPrefix...)
	ret = append(ret, keyInfix...)
	return append(ret, oid...)
}

func (s *rocksdbStore) encodeDataKey(oid string, key string) []byte {
	ret := make([]byte, 0, len(dataKeyPrefix)+2*len(keyInfix)+len(oid)+len(key))
	ret = append(ret, s.encodeDataKeyPrefix(oid)...)
	return append(ret, key...)
}

func (s *rocksdbStore) encodeDataKeyPrefix(oid string) []byte {
	ret := make([]byte, 0, len(dataKeyPrefix)+2*len(keyInfix)+len(oid))
	ret = append(ret, dataKeyPrefix...)
	ret = append(ret, keyInfix...)
	ret = append(ret, oid...)
	return append(ret, keyInfix...)
}

func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}
