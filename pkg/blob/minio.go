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

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/fawa-io/filapi/pkg/config"
	"github.com/fawa-io/filapi/pkg/fwlog"
)

// Mirror is a secondary copy of published blobs, keyed by hash.
type Mirror interface {
	Put(ctx context.Context, hash string, r io.Reader, size int64) error
	Get(ctx context.Context, hash string) (io.ReadCloser, error)
}

// MinioMirror keeps blobs in a MinIO/S3 bucket.
type MinioMirror struct {
	client     *minio.Client
	bucketName string
}

// NewMinioMirror connects to the configured endpoint and creates the bucket
// when it does not exist yet.
func NewMinioMirror(ctx context.Context, cfg config.MirrorConfig) (*MinioMirror, error) {
	if !cfg.Enabled() {
		return nil, errors.New("minio mirror: endpoint is not configured")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("minio mirror: bucket is not configured")
	}

	fwlog.Infof("Initializing MinIO mirror: endpoint=%s bucket=%s ssl=%v", cfg.Endpoint, cfg.Bucket, cfg.UseSSL)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio mirror: client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("minio mirror: check bucket '%s': %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("minio mirror: create bucket '%s': %w", cfg.Bucket, err)
		}
		fwlog.Infof("Successfully created MinIO bucket: %s", cfg.Bucket)
	}

	return &MinioMirror{client: client, bucketName: cfg.Bucket}, nil
}

// Put uploads the blob as object hash.
func (m *MinioMirror) Put(ctx context.Context, hash string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, m.bucketName, hash, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// Get returns the object stored for hash, or ErrNotFound.
func (m *MinioMirror) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, m.bucketName, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return obj, nil
}
