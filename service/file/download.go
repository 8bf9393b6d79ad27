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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/h2non/filetype"

	"github.com/fawa-io/filapi/pkg/blob"
	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/storage"
)

const (
	defaultContentType = "application/octet-stream"
	// filetype needs at most this many leading bytes
	sniffLen = 262
)

// Object is a stored file opened for reading. The caller must close Body.
type Object struct {
	Name        string
	Hash        string
	Size        int64
	ContentType string
	Body        io.ReadCloser
}

// Open resolves hash to its metadata and blob.
func (s *Service) Open(ctx context.Context, hash string) (*Object, error) {
	if !s.blobs.Algorithm().Valid(hash) {
		return nil, fmt.Errorf("%w: invalid hash", ErrNotFound)
	}

	meta, err := s.catalog.Get(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: file %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup %s: %v", ErrStorage, hash, err)
	}

	body, err := s.openBlob(ctx, hash)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(body, sniffLen)
	head, _ := br.Peek(sniffLen)
	contentType := defaultContentType
	if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
		contentType = kind.MIME.Value
	}

	return &Object{
		Name:        meta.Name,
		Hash:        meta.Hash,
		Size:        meta.Size,
		ContentType: contentType,
		Body:        readCloser{Reader: br, Closer: body},
	}, nil
}

func (s *Service) openBlob(ctx context.Context, hash string) (io.ReadCloser, error) {
	f, err := s.blobs.Open(hash)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, blob.ErrNotFound) {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, hash, err)
	}
	if s.mirror == nil {
		return nil, fmt.Errorf("%w: blob %s missing", ErrStorage, hash)
	}

	fwlog.Warnf("blob %s missing locally, reading from mirror", hash)
	rc, err := s.mirror.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: mirror %s: %v", ErrStorage, hash, err)
	}
	return rc, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// List returns every recorded file in insertion order.
func (s *Service) List(ctx context.Context) ([]storage.FileMetadata, error) {
	files, err := s.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
	}
	return files, nil
}
