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

	memdb "github.com/hashicorp/go-memdb"
)

const filesTable = "files"

var memSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		filesTable: {
			Name: filesTable,
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "Hash"},
				},
				"seq": {
					Name:    "seq",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Seq"},
				},
			},
		},
	},
}

type memRecord struct {
	Seq  uint64
	Name string
	Hash string
	Size int64
}

// MemoryCatalog keeps metadata in process memory. Records do not survive a
// restart.
type MemoryCatalog struct {
	db *memdb.MemDB
}

func NewMemoryCatalog() (*MemoryCatalog, error) {
	db, err := memdb.NewMemDB(memSchema)
	if err != nil {
		return nil, err
	}
	return &MemoryCatalog{db: db}, nil
}

func (m *MemoryCatalog) Insert(_ context.Context, meta FileMetadata) (bool, error) {
	// write transactions are serialized by memdb, so seq is assigned under
	// its writer lock
	txn := m.db.Txn(true)
	defer txn.Abort()

	exists, err := txn.First(filesTable, "id", meta.Hash)
	if err != nil {
		return false, err
	}
	if exists != nil {
		return false, nil
	}

	var seq uint64
	last, err := txn.Last(filesTable, "seq")
	if err != nil {
		return false, err
	}
	if last != nil {
		seq = last.(*memRecord).Seq + 1
	}

	rec := &memRecord{Seq: seq, Name: meta.Name, Hash: meta.Hash, Size: meta.Size}
	if err := txn.Insert(filesTable, rec); err != nil {
		return false, err
	}
	txn.Commit()
	return true, nil
}

func (m *MemoryCatalog) Get(_ context.Context, hash string) (*FileMetadata, error) {
	txn := m.db.Txn(false)
	res, err := txn.First(filesTable, "id", hash)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, ErrNotFound
	}
	rec := res.(*memRecord)
	return &FileMetadata{Name: rec.Name, Hash: rec.Hash, Size: rec.Size}, nil
}

func (m *MemoryCatalog) List(_ context.Context) ([]FileMetadata, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(filesTable, "seq")
	if err != nil {
		return nil, err
	}
	var out []FileMetadata
	for obj := it.Next(); obj != nil; obj = it.Next() {
		rec := obj.(*memRecord)
		out = append(out, FileMetadata{Name: rec.Name, Hash: rec.Hash, Size: rec.Size})
	}
	return out, nil
}

func (m *MemoryCatalog) Close() error { return nil }
