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

// Package digest names the content hash used to address stored files and
// validates hash tokens before they are used as path components.
package digest

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

// Supported algorithm names.
const (
	MD5    = "md5"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// Algorithm produces content hashes rendered as lower-case hex.
type Algorithm struct {
	name    string
	newHash func() hash.Hash
	size    int
}

// New returns the algorithm registered under name.
func New(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case MD5:
		return Algorithm{name: MD5, newHash: md5.New, size: md5.Size}, nil
	case SHA256:
		return Algorithm{name: SHA256, newHash: sha256.New, size: sha256.Size}, nil
	case BLAKE3:
		return Algorithm{name: BLAKE3, newHash: func() hash.Hash { return blake3.New() }, size: 32}, nil
	}
	return Algorithm{}, fmt.Errorf("unsupported hash algorithm %q", name)
}

// MustNew is New for package-level defaults and tests.
func MustNew(name string) Algorithm {
	a, err := New(name)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Algorithm) Name() string { return a.name }

// Hash returns a fresh hash.Hash for streaming use.
func (a Algorithm) Hash() hash.Hash { return a.newHash() }

// TokenLen is the length of a hex encoded digest.
func (a Algorithm) TokenLen() int { return a.size * 2 }

// Sum hashes b and returns the hex token.
func (a Algorithm) Sum(b []byte) string {
	h := a.newHash()
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

// SumReader hashes everything read from r and returns the hex token and the
// number of bytes consumed.
func (a Algorithm) SumReader(r io.Reader) (string, int64, error) {
	h := a.newHash()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Valid reports whether token is a well formed digest for this algorithm:
// exactly TokenLen lower-case hex characters. Anything else, including path
// separators and dots, is rejected.
func (a Algorithm) Valid(token string) bool {
	if len(token) != a.TokenLen() {
		return false
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
