// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fawa-io/filapi/pkg/fwlog"
)

const (
	fileKeyPrefix = "filapi:file:"
	indexKey      = "filapi:files"
	seqKey        = "filapi:files:seq"
)

// DragonflyCatalog implements Catalog using Dragonfly/Redis. Each record is a
// JSON string under filapi:file:<hash>, and filapi:files is a sorted set of
// hashes scored by insertion sequence.
type DragonflyCatalog struct {
	client redis.Cmdable
}

// NewDragonflyCatalog connects to addr and checks the connection.
func NewDragonflyCatalog(ctx context.Context, addr string) (*DragonflyCatalog, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("dragonfly catalog: ping %s: %w", addr, err)
	}
	return &DragonflyCatalog{client: client}, nil
}

func fileKey(hash string) string { return fileKeyPrefix + hash }

// Insert stores meta with SETNX so an existing record is never replaced. The
// index entry is added with ZADD NX on every call, which repairs an index
// write lost after a previous SETNX succeeded.
func (d *DragonflyCatalog) Insert(ctx context.Context, meta FileMetadata) (bool, error) {
	jsonMetadata, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	inserted, err := d.client.SetNX(ctx, fileKey(meta.Hash), jsonMetadata, 0).Result()
	if err != nil {
		return false, fmt.Errorf("dragonfly catalog: insert %s: %w", meta.Hash, err)
	}

	seq, err := d.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return inserted, fmt.Errorf("dragonfly catalog: sequence: %w", err)
	}
	if err := d.client.ZAddNX(ctx, indexKey, redis.Z{Score: float64(seq), Member: meta.Hash}).Err(); err != nil {
		return inserted, fmt.Errorf("dragonfly catalog: index %s: %w", meta.Hash, err)
	}
	return inserted, nil
}

func (d *DragonflyCatalog) Get(ctx context.Context, hash string) (*FileMetadata, error) {
	val, err := d.client.Get(ctx, fileKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dragonfly catalog: get %s: %w", hash, err)
	}

	var metadata FileMetadata
	if err := json.Unmarshal([]byte(val), &metadata); err != nil {
		return nil, fmt.Errorf("dragonfly catalog: decode %s: %w", hash, err)
	}
	return &metadata, nil
}

func (d *DragonflyCatalog) List(ctx context.Context) ([]FileMetadata, error) {
	hashes, err := d.client.ZRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dragonfly catalog: list: %w", err)
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = fileKey(h)
	}
	vals, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("dragonfly catalog: list: %w", err)
	}

	files := make([]FileMetadata, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			fwlog.Warnf("dragonfly catalog: index entry %s has no record", hashes[i])
			continue
		}
		var metadata FileMetadata
		if err := json.Unmarshal([]byte(s), &metadata); err != nil {
			return nil, fmt.Errorf("dragonfly catalog: decode %s: %w", hashes[i], err)
		}
		files = append(files, metadata)
	}
	return files, nil
}

// Close closes storage connections
func (d *DragonflyCatalog) Close() error {
	if client, ok := d.client.(*redis.Client); ok {
		fwlog.Info("Closing Redis/Dragonfly connection...")
		return client.Close()
	}
	if client, ok := d.client.(*redis.ClusterClient); ok {
		fwlog.Info("Closing Redis/Dragonfly cluster connection...")
		return client.Close()
	}
	return nil
}
