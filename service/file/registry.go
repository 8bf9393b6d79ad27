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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fawa-io/filapi/pkg/util"
)

// DefaultTTL is how long a transaction accepts chunks after it begins.
const DefaultTTL = time.Hour

// Transaction is an in-flight chunked upload.
//
// ID, Name, DeclaredSize and ExpiresAt never change after Begin. The byte
// counter and the retired flag are guarded by mu, which is also held for the
// whole of an append or finalize so that one transaction sees at most one of
// those at a time.
type Transaction struct {
	ID           string
	Name         string
	DeclaredSize int64
	ExpiresAt    time.Time

	mu       sync.Mutex
	received int64
	done     bool
}

// Received returns the number of bytes appended so far.
func (t *Transaction) Received() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received
}

// Registry is the table of in-flight transactions.
type Registry struct {
	mu  sync.RWMutex
	txs map[string]*Transaction

	ttl     time.Duration
	maxSize int64
	now     func() time.Time
}

// NewRegistry returns an empty registry. A zero ttl selects DefaultTTL; a
// nil now selects time.Now. maxSize limits DeclaredSize when positive.
func NewRegistry(ttl time.Duration, maxSize int64, now func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		txs:     make(map[string]*Transaction),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
	}
}

// TTL returns the lifetime given to new transactions.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Begin registers a new transaction for a file called name of declaredSize
// bytes.
func (r *Registry) Begin(name string, declaredSize int64) (*Transaction, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidRequest)
	}
	if declaredSize < 0 {
		return nil, fmt.Errorf("%w: file size must not be negative", ErrInvalidRequest)
	}
	if r.maxSize > 0 && declaredSize > r.maxSize {
		return nil, fmt.Errorf("%w: file size %d exceeds limit %d", ErrInvalidRequest, declaredSize, r.maxSize)
	}

	tx := &Transaction{
		ID:           util.NewToken(),
		Name:         name,
		DeclaredSize: declaredSize,
		ExpiresAt:    r.now().Add(r.ttl),
	}

	r.mu.Lock()
	r.txs[tx.ID] = tx
	r.mu.Unlock()
	return tx, nil
}

// Lookup returns the transaction registered under id.
func (r *Registry) Lookup(id string) (*Transaction, error) {
	r.mu.RLock()
	tx, ok := r.txs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transaction %q", ErrNotFound, id)
	}
	return tx, nil
}

// Validate rejects a transaction at or past its deadline. The transaction
// is not removed.
func (r *Registry) Validate(tx *Transaction) error {
	if !r.now().Before(tx.ExpiresAt) {
		return fmt.Errorf("%w: transaction %s expired at %s", ErrExpired, tx.ID, tx.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// Remove drops id from the registry. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.txs, id)
	r.mu.Unlock()
}

// Reap removes every transaction expired at now and returns them.
func (r *Registry) Reap(now time.Time) []*Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*Transaction
	for id, tx := range r.txs {
		if !now.Before(tx.ExpiresAt) {
			expired = append(expired, tx)
			delete(r.txs, id)
		}
	}
	return expired
}

// Active reports whether id is currently registered.
func (r *Registry) Active(id string) bool {
	r.mu.RLock()
	_, ok := r.txs[id]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of registered transactions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.txs)
}
