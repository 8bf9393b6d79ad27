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
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

const (
	pgFilesTable  = "files"
	migrationsDir = "migrations"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ApplyMigrations runs the embedded goose migrations against dsn.
func ApplyMigrations(ctx context.Context, dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("postgres dsn is empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return err
	}

	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, migrationsDir)
}

// PGCatalog stores metadata in Postgres.
type PGCatalog struct {
	pool *pgxpool.Pool
}

// NewPGCatalog connects to dsn. The schema must already be migrated.
func NewPGCatalog(ctx context.Context, dsn string) (*PGCatalog, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGCatalog{pool: pool}, nil
}

func (s *PGCatalog) Insert(ctx context.Context, meta FileMetadata) (bool, error) {
	sqlStr, args, err := psql.
		Insert(pgFilesTable).
		Columns("name", "hash", "size").
		Values(meta.Name, meta.Hash, meta.Size).
		Suffix("ON CONFLICT (hash) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert sql: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("exec insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGCatalog) Get(ctx context.Context, hash string) (*FileMetadata, error) {
	sqlStr, args, err := psql.
		Select("name", "hash", "size").
		From(pgFilesTable).
		Where(sq.Eq{"hash": hash}).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var meta FileMetadata
	if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&meta.Name, &meta.Hash, &meta.Size); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan file row: %w", err)
	}
	return &meta, nil
}

func (s *PGCatalog) List(ctx context.Context) ([]FileMetadata, error) {
	sqlStr, args, err := psql.
		Select("name", "hash", "size").
		From(pgFilesTable).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	files, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (FileMetadata, error) {
		var meta FileMetadata
		err := row.Scan(&meta.Name, &meta.Hash, &meta.Size)
		return meta, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan files: %w", err)
	}
	return files, nil
}

func (s *PGCatalog) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
