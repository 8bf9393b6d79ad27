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

package file

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fawa-io/filapi/pkg/fwlog"
)

//go:embed templates
var templates embed.FS

const (
	// multipart parts beyond this are spooled to disk by net/http
	maxMemory = 32 << 20

	// room for boundaries, part headers and the ID field around a limited part
	multipartSlack = 64 << 10

	notOK = "not ok"
)

var listTmpl = template.Must(template.New("list.html").Funcs(template.FuncMap{
	"kb": func(size int64) string { return fmt.Sprintf("%.2f", float64(size)/1024) },
}).ParseFS(templates, "templates/list.html"))

// Handler serves the /files HTTP surface of a Service.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// NewRouter returns the complete HTTP handler: the file routes under /files
// plus /healthz.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Get("/", toListing)
	r.Mount("/files", h.Routes())
	return r
}

// Routes returns the /files sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/upload", h.uploadPage)

	r.Post("/upload/transaction", h.beginTransaction)
	r.Post("/upload/chunk", h.uploadChunk)
	r.Post("/upload/finalize", h.finalize)
	r.Post("/upload/file", h.uploadFile)
	for _, p := range []string{"/upload/transaction", "/upload/chunk", "/upload/finalize", "/upload/file"} {
		r.Get(p, toListing)
	}

	r.Get("/download/{hash}", h.download)
	r.Get("/download/{hash}/", h.download)
	return r
}

func toListing(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/files/", http.StatusFound)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	files, err := h.svc.List(r.Context())
	if err != nil {
		fwlog.Errorf("list files: %v", err)
		http.Error(w, "could not list files", statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := listTmpl.Execute(w, files); err != nil {
		fwlog.Errorf("render listing: %v", err)
	}
}

func (h *Handler) uploadPage(w http.ResponseWriter, r *http.Request) {
	page, err := templates.ReadFile("templates/upload.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

type beginRequest struct {
	Mode string `json:"mode"`
	File *struct {
		Name string `json:"name"`
		Size *int64 `json:"size"`
	} `json:"file"`
}

func (h *Handler) beginTransaction(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		fwlog.Debugf("begin transaction: decode: %v", err)
		http.Error(w, notOK, http.StatusBadRequest)
		return
	}
	if req.Mode == "" || req.File == nil || req.File.Size == nil {
		http.Error(w, notOK, http.StatusBadRequest)
		return
	}

	tx, err := h.svc.Begin(req.File.Name, *req.File.Size)
	if err != nil {
		fwlog.Debugf("begin transaction: %v", err)
		http.Error(w, notOK, statusFor(err))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, tx.ID)
}

type errorResponse struct {
	OK         bool   `json:"ok"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
}

type chunkResponse struct {
	OK bool `json:"ok"`
	ChunkResult
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fwlog.Warnf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		fwlog.Errorf("request failed: %v", err)
	} else {
		fwlog.Debugf("request rejected: %v", err)
	}
	writeJSON(w, status, errorResponse{OK: false, Status: status, StatusText: statusText(err)})
}

// limitBody caps what a multipart request may read from the client so an
// oversized part fails while parsing instead of after it was buffered.
func limitBody(w http.ResponseWriter, r *http.Request, limit int64) {
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartSlack)
	}
}

func (h *Handler) uploadChunk(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, h.svc.maxChunkSize)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	id := r.FormValue("ID")
	if id == "" {
		writeError(w, fmt.Errorf("%w: missing ID", ErrNotFound))
		return
	}
	chunk, hdr, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing chunk: %v", ErrInvalidRequest, err))
		return
	}
	defer chunk.Close()

	res, err := h.svc.AppendChunk(r.Context(), id, chunk, hdr.Size)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunkResponse{OK: true, ChunkResult: res})
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	id := r.FormValue("ID")
	if id == "" {
		writeError(w, fmt.Errorf("%w: missing ID", ErrNotFound))
		return
	}
	hash, err := h.svc.Finalize(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "hash": hash})
}

type uploadResponse struct {
	OK bool `json:"ok"`
	UploadResult
}

func (h *Handler) uploadFile(w http.ResponseWriter, r *http.Request) {
	limitBody(w, r, h.svc.maxFileSize)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		http.Error(w, notOK, http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, notOK, http.StatusBadRequest)
		return
	}
	defer file.Close()

	res, err := h.svc.Upload(r.Context(), hdr.Filename, file, r.FormValue("ID"))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			fwlog.Errorf("upload %q: %v", hdr.Filename, err)
		}
		http.Error(w, notOK, status)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{OK: true, UploadResult: res})
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	obj, err := h.svc.Open(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			fwlog.Errorf("download: %v", err)
		}
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer obj.Body.Close()

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}))
	if _, err := io.Copy(w, obj.Body); err != nil && !errors.Is(err, r.Context().Err()) {
		fwlog.Warnf("download %s: %v", obj.Hash, err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		fwlog.Debugf("%s %s %d %dB %s [%s]", r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
