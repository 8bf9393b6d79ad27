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
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/fawa-io/filapi/pkg/fwlog"
)

// ChunkResult reports the state of a transaction after a chunk.
type ChunkResult struct {
	Received int64  `json:"received"`
	Size     int64  `json:"size"`
	Complete bool   `json:"complete"`
	Hash     string `json:"hash,omitempty"`
}

// AppendChunk appends chunk to the temp file of transaction id. size is the
// chunk length when known, or -1.
//
// When the received total reaches the declared size exactly, the upload is
// finalized before AppendChunk returns. A total that overshoots the declared
// size never completes; such a transaction simply expires. Chunks are written
// in arrival order with no offsets.
func (s *Service) AppendChunk(ctx context.Context, id string, chunk io.Reader, size int64) (ChunkResult, error) {
	if s.maxChunkSize > 0 {
		if size > s.maxChunkSize {
			return ChunkResult{}, fmt.Errorf("%w: chunk of %d bytes exceeds limit %d", ErrInvalidRequest, size, s.maxChunkSize)
		}
		if size < 0 {
			buf, err := io.ReadAll(io.LimitReader(chunk, s.maxChunkSize+1))
			if err != nil {
				return ChunkResult{}, fmt.Errorf("%w: read chunk: %v", ErrInvalidRequest, err)
			}
			if int64(len(buf)) > s.maxChunkSize {
				return ChunkResult{}, fmt.Errorf("%w: chunk exceeds limit %d", ErrInvalidRequest, s.maxChunkSize)
			}
			chunk = bytes.NewReader(buf)
		}
	}

	tx, err := s.acquire(id)
	if err != nil {
		return ChunkResult{}, err
	}
	defer tx.mu.Unlock()

	n, err := s.blobs.AppendTemp(tx.ID, chunk)
	// count what reached the file even on a short write
	tx.received += n
	res := ChunkResult{Received: tx.received, Size: tx.DeclaredSize}
	if err != nil {
		return res, fmt.Errorf("%w: append to %s: %v", ErrStorage, tx.ID, err)
	}
	fwlog.Debugf("transaction %s: received %d/%d bytes", tx.ID, tx.received, tx.DeclaredSize)

	if tx.received != tx.DeclaredSize {
		return res, nil
	}

	hash, err := s.finalizeLocked(ctx, tx)
	if err != nil {
		return res, err
	}
	res.Complete = true
	res.Hash = hash
	return res, nil
}
