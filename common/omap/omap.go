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
)

type (
	// KV is one key/value pair of an object map.
	KV struct {
		Key   string
		Value []byte
	}

	// Mutation is one atomic update of a named object, applied in the
	// order: clear, set header, set keys, remove keys. Clearing an
	// object that does not exist is not an error.
	Mutation struct {
		Clear  bool
		Header []byte // nil leaves the header untouched
		Set    map[string][]byte
		Remove []string
	}

	ReadOptions struct {
		WithHeader bool
		StartAfter string // exclusive lower bound, "" starts at the first key
		Limit      uint64 // max pairs per response, 0 means unbounded
	}

	ReadResult struct {
		Header []byte
		Vals   []KV // key ascending
		More   bool
	}

	// Store is an object store client scoped to single-object key/value
	// operations. Reading an object that was never written fails with
	// errors.ErrObjectNotFound.
	Store interface {
		Mutate(ctx context.Context, oid string, mut *Mutation) error
		Read(ctx context.Context, oid string, opt ReadOptions) (*ReadResult, error)
		Close()
	}
)
