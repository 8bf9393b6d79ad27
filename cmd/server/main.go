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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/fawa-io/filapi/pkg/blob"
	"github.com/fawa-io/filapi/pkg/config"
	"github.com/fawa-io/filapi/pkg/cors"
	"github.com/fawa-io/filapi/pkg/digest"
	"github.com/fawa-io/filapi/pkg/fwlog"
	"github.com/fawa-io/filapi/pkg/storage"
	"github.com/fawa-io/filapi/pkg/util"
	"github.com/fawa-io/filapi/service/file"
)

func main() {
	if err := config.InitConfig(); err != nil {
		fwlog.Fatalf("Failed to initialize configuration: %v", err)
	}

	cfg := config.Get()

	logLevel, err := fwlog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fwlog.Warnf("Invalid initial log level '%s': %v. Using default.", cfg.LogLevel, err)
	}
	fwlog.SetLevel(logLevel)
	fwlog.Infof("Logger initialized with level: %s", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fwlog.Fatalf("Server exited: %v", err)
	}
	fwlog.Info("Server shutdown complete")
}

func run(ctx context.Context, cfg config.Config) error {
	algo, err := digest.New(cfg.HashAlgorithm)
	if err != nil {
		return err
	}
	if util.Exist(cfg.StorageDir) {
		fwlog.Infof("Reusing blob store in %s", cfg.StorageDir)
	}
	blobs, err := blob.NewDir(cfg.StorageDir, algo)
	if err != nil {
		return err
	}

	catalog, err := storage.Open(ctx, cfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		if err := catalog.Close(); err != nil {
			fwlog.Errorf("Error closing catalog: %v", err)
		}
	}()
	fwlog.Infof("Catalog %s ready, blobs in %s (%s)", cfg.Catalog.Driver, cfg.StorageDir, algo.Name())

	opts := file.Options{
		TransactionTTL: cfg.TransactionTTL,
		MaxFileSize:    cfg.MaxFileSize,
		MaxChunkSize:   cfg.MaxChunkSize,
	}
	if cfg.Mirror.Enabled() {
		mirror, err := blob.NewMinioMirror(ctx, cfg.Mirror)
		if err != nil {
			return err
		}
		opts.Mirror = mirror
	}

	svc := file.NewService(blobs, catalog, opts)
	stopReaper := svc.StartReaper(cfg.ReapInterval)
	defer stopReaper()

	handler := cors.NewCORS().Handler(file.NewRouter(file.NewHandler(svc)))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fwlog.Infof("Server starting on %v", cfg.Addr)
		return serve(srv, cfg)
	})
	g.Go(func() error {
		<-gctx.Done()
		fwlog.Info("Shutting down server...")

		// Set timeout for HTTP server shutdown
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// serve runs HTTPS when both certificate files exist and plain HTTP
// otherwise. A clean shutdown is not an error.
func serve(srv *http.Server, cfg config.Config) error {
	var err error
	if cfg.CertFile != "" && cfg.KeyFile != "" && util.FileExists(cfg.CertFile) && util.FileExists(cfg.KeyFile) {
		fwlog.Infof("Starting HTTPS server with certificates: %s, %s", cfg.CertFile, cfg.KeyFile)
		err = srv.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
	} else {
		if cfg.CertFile != "" || cfg.KeyFile != "" {
			fwlog.Warnf("Certificate files not found, falling back to HTTP mode")
		}
		fwlog.Infof("Starting HTTP server")
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
