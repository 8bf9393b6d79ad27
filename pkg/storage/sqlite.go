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
	"fmt"
	"path/filepath"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/fawa-io/filapi/pkg/util"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS files (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	hash TEXT NOT NULL UNIQUE,
	size INTEGER NOT NULL
);
`

// SQLiteCatalog stores metadata in a single SQLite file.
type SQLiteCatalog struct {
	pool *sqlitex.Pool
	path string
}

// NewSQLiteCatalog opens (creating if needed) the database at path and
// ensures the files table exists.
func NewSQLiteCatalog(ctx context.Context, path string) (*SQLiteCatalog, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite catalog: path is required")
	}
	if err := util.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("sqlite catalog: %w", err)
	}

	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: opening %s: %w", path, err)
	}

	c := &SQLiteCatalog{pool: pool, path: path}
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite catalog: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, sqliteSchema, nil)
	pool.Put(conn)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("sqlite catalog: schema: %w", err)
	}
	return c, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (c *SQLiteCatalog) Insert(ctx context.Context, meta FileMetadata) (bool, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlite catalog: insert: %w", err)
	}
	defer c.pool.Put(conn)

	err = sqlitex.Execute(conn,
		"INSERT INTO files (name, hash, size) VALUES (?, ?, ?) ON CONFLICT(hash) DO NOTHING",
		&sqlitex.ExecOptions{Args: []any{meta.Name, meta.Hash, meta.Size}},
	)
	if err != nil {
		return false, fmt.Errorf("sqlite catalog: insert %s: %w", meta.Hash, err)
	}
	return conn.Changes() > 0, nil
}

func (c *SQLiteCatalog) Get(ctx context.Context, hash string) (*FileMetadata, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: get: %w", err)
	}
	defer c.pool.Put(conn)

	var found *FileMetadata
	err = sqlitex.Execute(conn,
		"SELECT name, hash, size FROM files WHERE hash = ? LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{hash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				meta := scanFile(stmt)
				found = &meta
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: get %s: %w", hash, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (c *SQLiteCatalog) List(ctx context.Context) ([]FileMetadata, error) {
	conn, err := c.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: list: %w", err)
	}
	defer c.pool.Put(conn)

	var files []FileMetadata
	err = sqlitex.Execute(conn,
		"SELECT name, hash, size FROM files ORDER BY id",
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				files = append(files, scanFile(stmt))
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite catalog: list: %w", err)
	}
	return files, nil
}

func scanFile(stmt *sqlite.Stmt) FileMetadata {
	return FileMetadata{
		Name: stmt.ColumnText(0),
		Hash: stmt.ColumnText(1),
		Size: stmt.ColumnInt64(2),
	}
}

func (c *SQLiteCatalog) Close() error {
	if err := c.pool.Close(); err != nil {
		return fmt.Errorf("sqlite catalog: closing %s: %w", c.path, err)
	}
	return nil
}
