/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# OpenFileTable: a per-rank durable index of open inodes

## What is it?

Each metadata server rank keeps a set of inodes "open" in memory. If the
rank crashes or fails over, a peer has to rediscover which inodes were
open, where they sit in the directory tree, and which rank served them,
without walking the whole namespace. The open file table is that index:
an in-memory anchor graph plus a single backing object in the metadata
pool that the table is incrementally committed to.

## Data Model

* Anchor, ino --> <parent dir ino, dentry name, type, refcount>. Every
  open inode has one, and so does every ancestor directory on the path
  to it (ancestor pinning: each anchor contributes exactly one reference
  to its parent).

* Dirty set, the anchors that changed since the last committed snapshot.

* Loaded shadow, the prior epoch's snapshot as read back from the object,
  consumed by prefetch and by first-commit reconciliation.

## Persistence

One object per rank, `mds<rank>_openfiles`. The omap holds one key per
anchor (lowercase hex ino); the omap header holds the log sequence of
the last complete snapshot, with 0 reserved to mark an in-progress
multi-write snapshot. A reader therefore sees either the old image, the
new image, or an explicitly incomplete one - never a torn image that
claims to be complete.

## Recovery

On startup the table streams the object back, then prefetches the loaded
inodes in two phases (directories first, then files) to warm the cache
and collect authority hints for peer resolvers.

## Building Blocks

* Rocksdb (object-store backend)
* Prometheus

*/

package openfiletable
