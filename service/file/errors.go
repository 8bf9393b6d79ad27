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
	"errors"
	"net/http"
)

var (
	// ErrInvalidRequest reports missing or malformed client input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound reports an unknown transaction id or file hash.
	ErrNotFound = errors.New("not found")
	// ErrExpired reports a transaction used at or after its deadline.
	ErrExpired = errors.New("transaction has expired")
	// ErrStorage reports a filesystem or catalog failure. The transaction
	// involved, if any, is left in place so the operation can be retried.
	ErrStorage = errors.New("storage error")
)

// statusFor maps a service error to its HTTP status code.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// statusText is the client facing message for err.
func statusText(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, ErrNotFound):
		return "Transaction does not exist."
	case errors.Is(err, ErrExpired):
		return "Transaction has expired."
	default:
		return "Storage failure, retry later."
	}
}
