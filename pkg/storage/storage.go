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
	"errors"
	"fmt"

	"github.com/fawa-io/filapi/pkg/config"
)

// ErrNotFound is returned when no record exists for a hash.
var ErrNotFound = errors.New("storage: file not found")

// FileMetadata defines the structure for storing file information.
// This is the canonical definition used across the application.
type FileMetadata struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Catalog maps content hashes to file metadata.
//
// Insert is idempotent on Hash: the first record for a hash wins and later
// inserts report inserted == false without modifying it. List returns records
// in insertion order.
type Catalog interface {
	Insert(ctx context.Context, meta FileMetadata) (inserted bool, err error)
	Get(ctx context.Context, hash string) (*FileMetadata, error)
	List(ctx context.Context) ([]FileMetadata, error)
	Close() error
}

// Open returns the catalog selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CatalogConfig) (Catalog, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return NewMemoryCatalog()
	case config.DriverSQLite:
		return NewSQLiteCatalog(ctx, cfg.Path)
	case config.DriverRedis:
		return NewDragonflyCatalog(ctx, cfg.RedisAddr)
	case config.DriverPostgres:
		if err := ApplyMigrations(ctx, cfg.DSN); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		return NewPGCatalog(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("storage: unknown catalog driver %q", cfg.Driver)
}
