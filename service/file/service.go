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

// Package file implements content-addressed file storage with a chunked
// upload protocol and its HTTP surface.
package file

import (
	"context"
	"fmt"
	"time"

	"github.com/fawa-io/filapi/pkg/blob"
	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/storage"
)

// Options configures a Service.
type Options struct {
	// TransactionTTL defaults to DefaultTTL.
	TransactionTTL time.Duration
	// MaxFileSize and MaxChunkSize are unlimited when zero.
	MaxFileSize  int64
	MaxChunkSize int64
	// Mirror receives a copy of every newly published blob. Optional.
	Mirror blob.Mirror
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Service owns the transaction registry and ties it to the blob directory
// and the metadata catalog.
type Service struct {
	registry *Registry
	blobs    *blob.Dir
	catalog  storage.Catalog
	mirror   blob.Mirror

	maxFileSize  int64
	maxChunkSize int64
	now          func() time.Time
}

func NewService(blobs *blob.Dir, catalog storage.Catalog, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		registry:     NewRegistry(opts.TransactionTTL, opts.MaxFileSize, now),
		blobs:        blobs,
		catalog:      catalog,
		mirror:       opts.Mirror,
		maxFileSize:  opts.MaxFileSize,
		maxChunkSize: opts.MaxChunkSize,
		now:          now,
	}
}

// Registry exposes the transaction table.
func (s *Service) Registry() *Registry { return s.registry }

// Begin starts a chunked upload and returns the new transaction.
func (s *Service) Begin(name string, declaredSize int64) (*Transaction, error) {
	tx, err := s.registry.Begin(name, declaredSize)
	if err != nil {
		return nil, err
	}
	fwlog.Debugf("transaction %s begun for %q (%d bytes), expires %s", tx.ID, tx.Name, tx.DeclaredSize, tx.ExpiresAt.Format(time.RFC3339))
	return tx, nil
}

// acquire looks up id and locks it. The caller must unlock tx.mu.
func (s *Service) acquire(id string) (*Transaction, error) {
	tx, err := s.registry.Lookup(id)
	if err != nil {
		return nil, err
	}
	tx.mu.Lock()
	// retired while we waited for the lock
	if tx.done {
		tx.mu.Unlock()
		return nil, fmt.Errorf("%w: transaction %q", ErrNotFound, id)
	}
	if err := s.registry.Validate(tx); err != nil {
		tx.mu.Unlock()
		return nil, err
	}
	return tx, nil
}

// retireLocked removes tx from the registry. tx.mu must be held.
func (s *Service) retireLocked(tx *Transaction) {
	tx.done = true
	s.registry.Remove(tx.ID)
}

// mirrorBlob copies a newly published blob to the mirror. Failures are
// logged and never fail the upload.
func (s *Service) mirrorBlob(ctx context.Context, hash string, size int64) {
	if s.mirror == nil {
		return
	}
	f, err := s.blobs.Open(hash)
	if err != nil {
		fwlog.Warnf("mirror %s: open: %v", hash, err)
		return
	}
	defer f.Close()
	if err := s.mirror.Put(ctx, hash, f, size); err != nil {
		fwlog.Warnf("mirror %s: %v", hash, err)
		return
	}
	fwlog.Debugf("mirrored %s", hash)
}
