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
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/fawa-io/filapi/pkg/client"
	"github.com/fawa-io/filapi/pkg/fwlog"
)

const usage = `usage:
  client [flags] upload <file>...
  client [flags] download <hash> [output]

flags:
`

func main() {
	fs := pflag.NewFlagSet("client", pflag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "filapi server base URL")
	chunkSize := fs.Int("chunk-size", client.DefaultChunkSize, "chunk size in bytes for transactional uploads")
	single := fs.Bool("single", false, "upload each file in one request instead of chunks")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	args := fs.Args()
	if len(args) < 2 {
		fs.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*server, client.WithChunkSize(*chunkSize))

	var err error
	switch args[0] {
	case "upload":
		err = upload(ctx, c, args[1:], *single)
	case "download":
		out := ""
		if len(args) > 2 {
			out = args[2]
		}
		err = download(ctx, c, args[1], out)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		fwlog.Fatal(err)
	}
}

func upload(ctx context.Context, c *client.Client, paths []string, single bool) error {
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}

		name := filepath.Base(p)
		var hash string
		if single {
			var res client.UploadResult
			res, err = c.UploadFile(ctx, name, f)
			hash = res.Hash
		} else {
			hash, err = c.Upload(ctx, name, f, fi.Size())
		}
		f.Close()
		if err != nil {
			return fmt.Errorf("upload %s: %w", p, err)
		}
		fmt.Printf("%s  %s\n", hash, name)
	}
	return nil
}

func download(ctx context.Context, c *client.Client, hash, out string) error {
	tmp, err := os.CreateTemp(".", ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	name, err := c.Download(ctx, hash, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download %s: %w", hash, err)
	}

	if out == "" {
		out = filepath.Base(name)
	}
	if out == "" || out == "." || out == string(filepath.Separator) {
		out = hash
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return err
	}
	fwlog.Infof("saved %s as %s", hash, out)
	return nil
}
