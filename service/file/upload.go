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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/storage"
)

var errTooLarge = errors.New("file exceeds size limit")

// UploadResult describes a stored single-shot upload.
type UploadResult struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// Upload stores a whole file in one call. If txID is not empty it must name
// a live transaction, which is retired once the file is recorded.
func (s *Service) Upload(ctx context.Context, name string, body io.Reader, txID string) (UploadResult, error) {
	if strings.TrimSpace(name) == "" {
		return UploadResult{}, fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}

	if txID != "" {
		tx, err := s.acquire(txID)
		if err != nil {
			return UploadResult{}, err
		}
		defer tx.mu.Unlock()

		res, err := s.store(ctx, name, body)
		if err != nil {
			return res, err
		}
		if err := s.blobs.RemoveTemp(tx.ID); err != nil {
			fwlog.Warnf("transaction %s: remove temp file: %v", tx.ID, err)
		}
		s.retireLocked(tx)
		return res, nil
	}
	return s.store(ctx, name, body)
}

func (s *Service) store(ctx context.Context, name string, body io.Reader) (UploadResult, error) {
	if s.maxFileSize > 0 {
		body = &capReader{r: body, n: s.maxFileSize}
	}

	hash, size, created, err := s.blobs.Put(body)
	if errors.Is(err, errTooLarge) {
		return UploadResult{}, fmt.Errorf("%w: %v (limit %d bytes)", ErrInvalidRequest, err, s.maxFileSize)
	}
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: store %q: %v", ErrStorage, name, err)
	}

	inserted, err := s.catalog.Insert(ctx, storage.FileMetadata{Name: name, Hash: hash, Size: size})
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: record %s: %v", ErrStorage, hash, err)
	}
	if created || inserted {
		s.mirrorBlob(ctx, hash, size)
	}

	fwlog.Infof("File %q uploaded as %s (%d bytes).", name, hash, size)
	return UploadResult{Name: name, Hash: hash, Size: size}, nil
}

// capReader fails with errTooLarge once more than n bytes are read.
type capReader struct {
	r io.Reader
	n int64
}

func (c *capReader) Read(p []byte) (int, error) {
	if c.n < 0 {
		return 0, errTooLarge
	}
	if int64(len(p)) > c.n+1 {
		p = p[:c.n+1]
	}
	n, err := c.r.Read(p)
	c.n -= int64(n)
	if c.n < 0 {
		return n, errTooLarge
	}
	return n, err
}
