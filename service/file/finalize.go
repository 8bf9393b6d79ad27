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

package file

import (
	"context"
	"fmt"
	"strings"

	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/storage"
)

// Finalize retries finalization of a transaction whose bytes have all been
// received but whose earlier finalize failed.
func (s *Service) Finalize(ctx context.Context, id string) (string, error) {
	tx, err := s.acquire(id)
	if err != nil {
		return "", err
	}
	defer tx.mu.Unlock()

	if tx.received != tx.DeclaredSize {
		return "", fmt.Errorf("%w: transaction %s incomplete (%d/%d bytes)", ErrInvalidRequest, tx.ID, tx.received, tx.DeclaredSize)
	}
	return s.finalizeLocked(ctx, tx)
}

// finalizeLocked moves the temp file of tx into the content store and
// records it. tx.mu must be held.
//
// Publishing never replaces an existing blob and the catalog insert is
// idempotent, so after a failure in either step the whole sequence can run
// again. The temp file is only removed once the record exists.
func (s *Service) finalizeLocked(ctx context.Context, tx *Transaction) (string, error) {
	if tx.DeclaredSize == 0 {
		// an empty file can be finalized before any chunk created its temp file
		if _, err := s.blobs.AppendTemp(tx.ID, strings.NewReader("")); err != nil {
			return "", fmt.Errorf("%w: create %s: %v", ErrStorage, tx.ID, err)
		}
	}

	hash, size, err := s.blobs.HashTemp(tx.ID)
	if err != nil {
		return "", fmt.Errorf("%w: hash %s: %v", ErrStorage, tx.ID, err)
	}

	created, err := s.blobs.PublishTemp(tx.ID, hash)
	if err != nil {
		return "", fmt.Errorf("%w: publish %s as %s: %v", ErrStorage, tx.ID, hash, err)
	}

	inserted, err := s.catalog.Insert(ctx, storage.FileMetadata{Name: tx.Name, Hash: hash, Size: size})
	if err != nil {
		return "", fmt.Errorf("%w: record %s: %v", ErrStorage, hash, err)
	}

	if created || inserted {
		s.mirrorBlob(ctx, hash, size)
	}

	// a leftover temp file is reclaimed by the reaper's sweep
	if err := s.blobs.RemoveTemp(tx.ID); err != nil {
		fwlog.Warnf("transaction %s: remove temp file: %v", tx.ID, err)
	}
	s.retireLocked(tx)

	switch {
	case created:
		fwlog.Infof("File %q stored as %s (%d bytes).", tx.Name, hash, size)
	case inserted:
		fwlog.Infof("File %q matches existing blob %s.", tx.Name, hash)
	default:
		fwlog.Infof("File %q is a duplicate of %s, discarded.", tx.Name, hash)
	}
	return hash, nil
}
