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
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fawa-io/filapi/pkg/blob"
	"github.com/fawa-io/filapi/pkg/digest"
	"github.com/fawa-io/filapi/pkg/storage"
)

const helloMD5 = "5a8dd3ad0756a93ded72b823b19dd877"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyCatalog fails the first failures inserts.
type flakyCatalog struct {
	storage.Catalog
	mu       sync.Mutex
	failures int
}

func (f *flakyCatalog) Insert(ctx context.Context, meta storage.FileMetadata) (bool, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return false, errors.New("catalog unavailable")
	}
	f.mu.Unlock()
	return f.Catalog.Insert(ctx, meta)
}

type memMirror struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func (m *memMirror) Put(_ context.Context, hash string, r io.Reader, _ int64) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objs == nil {
		m.objs = make(map[string][]byte)
	}
	m.objs[hash] = b
	return nil
}

func (m *memMirror) Get(_ context.Context, hash string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objs[hash]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

type fixture struct {
	svc     *Service
	blobs   *blob.Dir
	catalog storage.Catalog
	clock   *fakeClock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	blobs, err := blob.NewDir(filepath.Join(t.TempDir(), "files"), digest.MustNew(digest.MD5))
	require.NoError(t, err)
	catalog, err := storage.NewMemoryCatalog()
	require.NoError(t, err)

	clock := newFakeClock()
	opts.Now = clock.Now
	return &fixture{
		svc:     NewService(blobs, catalog, opts),
		blobs:   blobs,
		catalog: catalog,
		clock:   clock,
	}
}

func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.blobs.Root())
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if f.blobs.Algorithm().Valid(e.Name()) {
			n++
		}
	}
	return n
}

func (f *fixture) tempExists(t *testing.T, id string) bool {
	t.Helper()
	p, err := f.blobs.TempPath(id)
	require.NoError(t, err)
	_, err = os.Stat(p)
	return err == nil
}

func appendString(t *testing.T, svc *Service, id, s string) (ChunkResult, error) {
	t.Helper()
	return svc.AppendChunk(context.Background(), id, strings.NewReader(s), int64(len(s)))
}

func TestChunkedUploadScenario(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	tx, err := f.svc.Begin("a.txt", 6)
	require.NoError(t, err)
	assert.Len(t, tx.ID, 32)

	res, err := appendString(t, f.svc, tx.ID, "hel")
	require.NoError(t, err)
	assert.Equal(t, ChunkResult{Received: 3, Size: 6}, res)
	assert.Equal(t, int64(3), tx.Received())
	assert.Equal(t, 0, f.blobCount(t), "no finalize before completion")

	res, err = appendString(t, f.svc, tx.ID, "lo!")
	require.NoError(t, err)
	assert.Equal(t, ChunkResult{Received: 6, Size: 6, Complete: true, Hash: helloMD5}, res)

	_, err = f.svc.Registry().Lookup(tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, f.tempExists(t, tx.ID))
	assert.Equal(t, 1, f.blobCount(t))

	meta, err := f.catalog.Get(ctx, helloMD5)
	require.NoError(t, err)
	assert.Equal(t, &storage.FileMetadata{Name: "a.txt", Hash: helloMD5, Size: 6}, meta)

	_, err = appendString(t, f.svc, tx.ID, "more")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendChunk_UnknownTransaction(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := appendString(t, f.svc, "0123456789abcdef0123456789abcdef", "x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, http.StatusNotFound, statusFor(err))
}

func TestAppendChunk_Expired(t *testing.T) {
	f := newFixture(t, Options{TransactionTTL: time.Hour})

	tx, err := f.svc.Begin("a.txt", 6)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, tx.ID, "hel")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	_, err = appendString(t, f.svc, tx.ID, "lo!")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, int64(3), tx.Received(), "expired chunk does not count")

	// expired but not removed until reaped
	_, err = f.svc.Registry().Lookup(tx.ID)
	assert.NoError(t, err)
}

func TestBegin_Validation(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 10})

	testCases := []struct {
		name    string
		file    string
		size    int64
		wantErr error
	}{
		{"ok", "a.txt", 10, nil},
		{"empty file", "empty", 0, nil},
		{"blank name", "  ", 1, ErrInvalidRequest},
		{"negative size", "a.txt", -1, ErrInvalidRequest},
		{"over limit", "big.bin", 11, ErrInvalidRequest},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Begin(tc.file, tc.size)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestEmptyFileCompletesOnEmptyChunk(t *testing.T) {
	f := newFixture(t, Options{})
	tx, err := f.svc.Begin("empty", 0)
	require.NoError(t, err)

	res, err := appendString(t, f.svc, tx.ID, "")
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, digest.MustNew(digest.MD5).Sum(nil), res.Hash)
}

func TestFinalize_EmptyFileWithoutChunk(t *testing.T) {
	f := newFixture(t, Options{})
	tx, err := f.svc.Begin("empty", 0)
	require.NoError(t, err)

	hash, err := f.svc.Finalize(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, digest.MustNew(digest.MD5).Sum(nil), hash)
	assert.False(t, f.svc.Registry().Active(tx.ID))
	assert.False(t, f.tempExists(t, tx.ID))

	meta, err := f.catalog.Get(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, "empty", meta.Name)
	assert.Zero(t, meta.Size)
}

func TestDedup_FirstFinalizerKeepsName(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.svc.Begin("first.txt", 6)
	require.NoError(t, err)
	b, err := f.svc.Begin("second.txt", 6)
	require.NoError(t, err)

	_, err = appendString(t, f.svc, b.ID, "hel")
	require.NoError(t, err)
	resA, err := appendString(t, f.svc, a.ID, "hello!")
	require.NoError(t, err)
	resB, err := appendString(t, f.svc, b.ID, "lo!")
	require.NoError(t, err)

	assert.Equal(t, resA.Hash, resB.Hash)
	assert.Equal(t, 1, f.blobCount(t))
	assert.False(t, f.tempExists(t, b.ID), "second writer's temp data is discarded")

	files, err := f.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "first.txt", files[0].Name)
}

func TestUpload_Idempotent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	r1, err := f.svc.Upload(ctx, "one.txt", strings.NewReader("hello!"), "")
	require.NoError(t, err)
	r2, err := f.svc.Upload(ctx, "two.txt", strings.NewReader("hello!"), "")
	require.NoError(t, err)

	assert.Equal(t, helloMD5, r1.Hash)
	assert.Equal(t, r1.Hash, r2.Hash)
	assert.Equal(t, int64(6), r1.Size)
	assert.Equal(t, 1, f.blobCount(t))

	files, err := f.svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []storage.FileMetadata{{Name: "one.txt", Hash: helloMD5, Size: 6}}, files)

	// a chunked upload of the same bytes joins the same record
	tx, err := f.svc.Begin("three.txt", 6)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, tx.ID, "hello!")
	require.NoError(t, err)
	assert.Equal(t, 1, f.blobCount(t))
	files, err = f.svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestUpload_WithTransaction(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, "a.txt", strings.NewReader("x"), "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, f.blobCount(t))

	tx, err := f.svc.Begin("a.txt", 6)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, tx.ID, "par")
	require.NoError(t, err)

	res, err := f.svc.Upload(ctx, "a.txt", strings.NewReader("hello!"), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, res.Hash)
	assert.False(t, f.svc.Registry().Active(tx.ID))
	assert.False(t, f.tempExists(t, tx.ID))

	expired, err := f.svc.Begin("b.txt", 1)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.Upload(ctx, "b.txt", strings.NewReader("b"), expired.ID)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestUpload_Limits(t *testing.T) {
	f := newFixture(t, Options{MaxFileSize: 4})
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, "", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Upload(ctx, "big", strings.NewReader("hello!"), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	entries, err := os.ReadDir(f.blobs.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected upload leaves nothing behind")

	res, err := f.svc.Upload(ctx, "fits", strings.NewReader("four"), "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Size)
}

func TestAppendChunk_MaxChunkSize(t *testing.T) {
	f := newFixture(t, Options{MaxChunkSize: 4})
	tx, err := f.svc.Begin("a.txt", 6)
	require.NoError(t, err)

	_, err = appendString(t, f.svc, tx.ID, "hello!")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// unknown length is measured before writing
	_, err = f.svc.AppendChunk(context.Background(), tx.ID, strings.NewReader("hello!"), -1)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Equal(t, int64(0), tx.Received())
	assert.False(t, f.tempExists(t, tx.ID))

	_, err = f.svc.AppendChunk(context.Background(), tx.ID, strings.NewReader("hel"), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tx.Received())
}

func TestAppendChunk_OvershootNeverCompletes(t *testing.T) {
	f := newFixture(t, Options{})
	tx, err := f.svc.Begin("a.txt", 4)
	require.NoError(t, err)

	res, err := appendString(t, f.svc, tx.ID, "hello!")
	require.NoError(t, err)
	assert.False(t, res.Complete)
	assert.Equal(t, int64(6), res.Received)
	assert.True(t, f.svc.Registry().Active(tx.ID))
}

func TestAppendChunk_Concurrent(t *testing.T) {
	f := newFixture(t, Options{})
	const chunks, chunkLen = 64, 16
	tx, err := f.svc.Begin("c.bin", chunks*chunkLen)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completes int
		hash      string
	)
	for i := 0; i < chunks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := appendString(t, f.svc, tx.ID, strings.Repeat("z", chunkLen))
			assert.NoError(t, err)
			if res.Complete {
				mu.Lock()
				completes++
				hash = res.Hash
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completes)
	assert.Equal(t, digest.MustNew(digest.MD5).Sum(bytes.Repeat([]byte("z"), chunks*chunkLen)), hash)
	assert.False(t, f.svc.Registry().Active(tx.ID))
}

func TestFinalize_RetryAfterStorageError(t *testing.T) {
	blobs, err := blob.NewDir(filepath.Join(t.TempDir(), "files"), digest.MustNew(digest.MD5))
	require.NoError(t, err)
	mem, err := storage.NewMemoryCatalog()
	require.NoError(t, err)
	catalog := &flakyCatalog{Catalog: mem, failures: 1}
	svc := NewService(blobs, catalog, Options{})
	ctx := context.Background()

	tx, err := svc.Begin("a.txt", 6)
	require.NoError(t, err)
	res, err := appendString(t, svc, tx.ID, "hello!")
	assert.ErrorIs(t, err, ErrStorage)
	assert.False(t, res.Complete)

	// the transaction and its bytes survive the failure
	assert.True(t, svc.Registry().Active(tx.ID))
	p, _ := blobs.TempPath(tx.ID)
	_, err = os.Stat(p)
	require.NoError(t, err)

	hash, err := svc.Finalize(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, hash)
	assert.False(t, svc.Registry().Active(tx.ID))

	meta, err := catalog.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", meta.Name)

	_, err = svc.Finalize(ctx, tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinalize_Incomplete(t *testing.T) {
	f := newFixture(t, Options{})
	tx, err := f.svc.Begin("a.txt", 6)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, tx.ID, "hel")
	require.NoError(t, err)

	_, err = f.svc.Finalize(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, f.svc.Registry().Active(tx.ID))
}

func TestOpen_RoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	png := append([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}, bytes.Repeat([]byte{0}, 600)...)

	tx, err := f.svc.Begin("pic.png", int64(len(png)))
	require.NoError(t, err)
	res, err := f.svc.AppendChunk(ctx, tx.ID, bytes.NewReader(png), -1)
	require.NoError(t, err)
	require.True(t, res.Complete)

	obj, err := f.svc.Open(ctx, res.Hash)
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)

	assert.Equal(t, png, got)
	assert.Equal(t, "pic.png", obj.Name)
	assert.Equal(t, int64(len(png)), obj.Size)
	assert.Equal(t, "image/png", obj.ContentType)
}

func TestOpen_NotFound(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for _, hash := range []string{
		strings.Repeat("0", 32),
		"../../../../etc/passwd",
		strings.Repeat("0", 64),
		"",
	} {
		_, err := f.svc.Open(ctx, hash)
		assert.ErrorIs(t, err, ErrNotFound, hash)
	}

	res, err := f.svc.Upload(ctx, "t.txt", strings.NewReader("plain text"), "")
	require.NoError(t, err)
	obj, err := f.svc.Open(ctx, res.Hash)
	require.NoError(t, err)
	obj.Body.Close()
	assert.Equal(t, defaultContentType, obj.ContentType)
}

func TestMirror(t *testing.T) {
	mirror := &memMirror{}
	f := newFixture(t, Options{Mirror: mirror})
	ctx := context.Background()

	res, err := f.svc.Upload(ctx, "m.txt", strings.NewReader("hello!"), "")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello!"), mirror.objs[res.Hash])

	p, _ := f.blobs.Path(res.Hash)
	require.NoError(t, os.Remove(p))

	obj, err := f.svc.Open(ctx, res.Hash)
	require.NoError(t, err)
	defer obj.Body.Close()
	got, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello!", string(got))
}

func TestReaper(t *testing.T) {
	f := newFixture(t, Options{TransactionTTL: time.Hour})

	stale, err := f.svc.Begin("stale.txt", 10)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, stale.ID, "abc")
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	live, err := f.svc.Begin("live.txt", 10)
	require.NoError(t, err)
	_, err = appendString(t, f.svc, live.ID, "abc")
	require.NoError(t, err)

	assert.Equal(t, 0, f.svc.Reap())

	f.clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, f.svc.Reap())

	assert.False(t, f.svc.Registry().Active(stale.ID))
	assert.False(t, f.tempExists(t, stale.ID))
	assert.True(t, f.svc.Registry().Active(live.ID))
	assert.True(t, f.tempExists(t, live.ID))

	_, err = appendString(t, f.svc, stale.ID, "d")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartReaper_StopIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	stop := f.svc.StartReaper(time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	stop()
	stop()

	noop := f.svc.StartReaper(0)
	noop()
}
