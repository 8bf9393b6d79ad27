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

// Package client talks to a filapi server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// DefaultChunkSize is the chunk length used by Upload.
const DefaultChunkSize = 1 << 20

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status int
	Text   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("filapi: %d %s", e.Status, e.Text)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// ChunkStatus is the server's view of a transaction after a chunk.
type ChunkStatus struct {
	Received int64  `json:"received"`
	Size     int64  `json:"size"`
	Complete bool   `json:"complete"`
	Hash     string `json:"hash"`
}

// UploadResult describes a stored file.
type UploadResult struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

type Client struct {
	baseURL   string
	http      *http.Client
	chunkSize int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      http.DefaultClient,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{Status: resp.StatusCode, Text: strings.TrimSpace(string(b))}
	var body struct {
		StatusText string `json:"statusText"`
	}
	if json.Unmarshal(b, &body) == nil && body.StatusText != "" {
		apiErr.Text = body.StatusText
	}
	return nil, apiErr
}

// Begin opens a chunked upload transaction and returns its id.
func (c *Client) Begin(ctx context.Context, name string, size int64) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"mode": "chunked",
		"file": map[string]any{"name": name, "size": size},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload/transaction", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	id, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(id)), nil
}

func multipartBody(fields map[string]string, fileField, fileName string, data io.Reader) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	fw, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(fw, data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// SendChunk appends data to transaction id.
func (c *Client) SendChunk(ctx context.Context, id string, data []byte) (ChunkStatus, error) {
	body, contentType, err := multipartBody(map[string]string{"ID": id}, "chunk", "blob", bytes.NewReader(data))
	if err != nil {
		return ChunkStatus{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload/chunk", body)
	if err != nil {
		return ChunkStatus{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		return ChunkStatus{}, err
	}
	defer resp.Body.Close()

	var st ChunkStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return ChunkStatus{}, fmt.Errorf("decode chunk response: %w", err)
	}
	return st, nil
}

// Finalize retries finalization of a fully received transaction.
func (c *Client) Finalize(ctx context.Context, id string) (string, error) {
	form := url.Values{"ID": {id}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload/finalize", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode finalize response: %w", err)
	}
	return out.Hash, nil
}

// Upload sends size bytes from r through a chunked transaction and returns
// the content hash assigned by the server.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader, size int64) (string, error) {
	id, err := c.Begin(ctx, name, size)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}

	buf := make([]byte, c.chunkSize)
	var sent int64
	for {
		n, rerr := io.ReadFull(r, buf)
		if rerr != nil && !errors.Is(rerr, io.ErrUnexpectedEOF) && !errors.Is(rerr, io.EOF) {
			return "", rerr
		}
		// an empty file still needs one chunk to complete
		if n == 0 && sent > 0 {
			break
		}

		st, err := c.SendChunk(ctx, id, buf[:n])
		if IsStatus(err, http.StatusInternalServerError) && sent+int64(n) == size {
			return c.Finalize(ctx, id)
		}
		if err != nil {
			return "", fmt.Errorf("chunk at %d: %w", sent, err)
		}
		sent += int64(n)
		if st.Complete {
			return st.Hash, nil
		}
		if rerr != nil {
			break
		}
	}
	return "", fmt.Errorf("upload %q incomplete: sent %d of %d bytes", name, sent, size)
}

// UploadFile sends r as a single request.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (UploadResult, error) {
	body, contentType, err := multipartBody(nil, "file", name, r)
	if err != nil {
		return UploadResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload/file", body)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.do(req)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()

	var res UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return res, nil
}

// Download writes the file stored under hash to w and returns its name. The
// hash stands in for the name when the server does not send a usable one.
func (c *Client) Download(ctx context.Context, hash string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/download/"+url.PathEscape(hash)+"/", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", err
	}
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition"))
	if err != nil || params["filename"] == "" {
		return hash, nil
	}
	return params["filename"], nil
}
