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

package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "a", "b")

	require.NoError(t, EnsureDir(dir))
	require.NoError(t, EnsureDir(dir), "existing directory is accepted")
	assert.False(t, Exist(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "f"), nil, 0o600))
	assert.True(t, Exist(dir))
	require.NoError(t, EnsureDir(dir))

	assert.Error(t, EnsureDir(filepath.Join(dir, "f")), "regular file is not a directory")

	assert.True(t, FileExists(filepath.Join(dir, "f")))
	assert.False(t, FileExists(dir))
	assert.False(t, FileExists(filepath.Join(dir, "missing")))
}

func TestRemoveIfExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	assert.NoError(t, RemoveIfExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	assert.NoError(t, RemoveIfExists(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		tok := NewToken()
		require.True(t, IsToken(tok), tok)
		_, dup := seen[tok]
		require.False(t, dup)
		seen[tok] = struct{}{}
	}
	assert.False(t, IsToken(strings.ToUpper(NewToken())))
	assert.False(t, IsToken("not-a-token"))
}
