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

// Package blob stores file contents on disk under their content hash.
//
// Finalized blobs live directly in the root directory, named by the lower
// case hex digest. In-flight uploads are named <id>.part and single-shot
// spools .spool-*; neither can collide with a digest name since both
// contain characters outside [0-9a-f].
package blob

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fawa-io/filapi/pkg/digest"
	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/util"
)

const (
	tempSuffix   = ".part"
	spoolPattern = ".spool-*"
	blobMode     = 0o600
)

var (
	// ErrInvalidHash is returned for a token that is not a well formed digest.
	ErrInvalidHash = errors.New("blob: invalid hash")
	// ErrInvalidID is returned for a transaction id that is not a token.
	ErrInvalidID = errors.New("blob: invalid transaction id")
	// ErrNotFound is returned when no blob exists for a hash.
	ErrNotFound = errors.New("blob: not found")
)

// Dir is a content-addressed blob directory.
type Dir struct {
	root string
	algo digest.Algorithm
}

// NewDir opens root, creating it when missing.
func NewDir(root string, algo digest.Algorithm) (*Dir, error) {
	if err := util.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("blob: %w", err)
	}
	return &Dir{root: root, algo: algo}, nil
}

func (d *Dir) Root() string { return d.root }

func (d *Dir) Algorithm() digest.Algorithm { return d.algo }

// Path returns the location of the blob for hash. The hash is validated
// before it touches the filesystem.
func (d *Dir) Path(hash string) (string, error) {
	if !d.algo.Valid(hash) {
		return "", ErrInvalidHash
	}
	return filepath.Join(d.root, hash), nil
}

// TempPath returns the temporary upload file of transaction id.
func (d *Dir) TempPath(id string) (string, error) {
	if !util.IsToken(id) {
		return "", ErrInvalidID
	}
	return filepath.Join(d.root, id+tempSuffix), nil
}

// Exists reports whether a blob is stored under hash.
func (d *Dir) Exists(hash string) bool {
	p, err := d.Path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// AppendTemp appends everything read from r to the temp file of id, creating
// it on first use. It returns the number of bytes written, which may be
// non-zero even when err is not nil.
func (d *Dir) AppendTemp(id string, r io.Reader) (int64, error) {
	p, err := d.TempPath(id)
	if err != nil {
		return 0, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, blobMode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// HashTemp streams the temp file of id through the digest.
func (d *Dir) HashTemp(id string) (hash string, size int64, err error) {
	p, err := d.TempPath(id)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	return d.algo.SumReader(f)
}

// PublishTemp makes the temp file of id available as the blob for hash. The
// temp file is left in place; call RemoveTemp once the upload is recorded.
// created is false when a blob for hash already existed.
func (d *Dir) PublishTemp(id, hash string) (created bool, err error) {
	p, err := d.TempPath(id)
	if err != nil {
		return false, err
	}
	return d.publish(p, hash)
}

// RemoveTemp deletes the temp file of id. A missing file is not an error.
func (d *Dir) RemoveTemp(id string) error {
	p, err := d.TempPath(id)
	if err != nil {
		return err
	}
	return util.RemoveIfExists(p)
}

// Put spools r to a scratch file while hashing it, then publishes the result.
func (d *Dir) Put(r io.Reader) (hash string, size int64, created bool, err error) {
	f, err := os.CreateTemp(d.root, spoolPattern)
	if err != nil {
		return "", 0, false, err
	}
	spool := f.Name()
	defer os.Remove(spool)

	h := d.algo.Hash()
	size, err = io.Copy(io.MultiWriter(f, h), r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", size, false, err
	}
	hash = fmt.Sprintf("%x", h.Sum(nil))

	created, err = d.publish(spool, hash)
	return hash, size, created, err
}

// publish links src into place as hash without ever replacing an existing
// blob. Filesystems without hard links get a copy that is renamed in.
func (d *Dir) publish(src, hash string) (bool, error) {
	dst, err := d.Path(hash)
	if err != nil {
		return false, err
	}

	err = os.Link(src, dst)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrExist):
		return false, nil
	}
	fwlog.Debugf("blob: link %s failed, copying instead: %v", hash, err)

	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	return d.copyInto(src, dst)
}

func (d *Dir) copyInto(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	out, err := os.CreateTemp(d.root, spoolPattern)
	if err != nil {
		return false, err
	}
	scratch := out.Name()
	defer os.Remove(scratch)

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return false, err
	}
	if err := out.Close(); err != nil {
		return false, err
	}
	// a concurrent publisher of the same hash writes identical bytes, so
	// losing this race leaves the blob correct
	if err := os.Rename(scratch, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Open returns the blob stored under hash.
func (d *Dir) Open(hash string) (*os.File, error) {
	p, err := d.Path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// SweepTemps removes temp and spool files last modified before cutoff. Temp
// files whose id satisfies keep are left alone. It returns the number of
// files removed.
func (d *Dir) SweepTemps(cutoff time.Time, keep func(id string) bool) (int, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		isTemp := strings.HasSuffix(name, tempSuffix)
		if !isTemp && !strings.HasPrefix(name, ".spool-") {
			continue
		}
		if isTemp && keep != nil && keep(strings.TrimSuffix(name, tempSuffix)) {
			continue
		}
		fi, err := e.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		if err := util.RemoveIfExists(filepath.Join(d.root, name)); err != nil {
			fwlog.Warnf("blob: sweep %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}
