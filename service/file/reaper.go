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
	"sync"
	"time"

	"github.com/fawa-io/filapi/pkg/fwlog"
)

// StartReaper removes expired transactions and their temp files every
// interval. The returned func stops it and may be called more than once.
func (s *Service) StartReaper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Reap()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			close(done)
		})
	}
}

// Reap runs one reaper pass and returns the number of transactions expired.
// Stray temp files older than the transaction TTL, such as those left by a
// previous process, are swept as well.
func (s *Service) Reap() int {
	now := s.now()
	expired := s.registry.Reap(now)
	for _, tx := range expired {
		tx.mu.Lock()
		// finalized while the reaper waited for the lock
		if !tx.done {
			tx.done = true
			if err := s.blobs.RemoveTemp(tx.ID); err != nil {
				fwlog.Warnf("reaper: transaction %s: %v", tx.ID, err)
			}
		}
		tx.mu.Unlock()
	}
	if len(expired) > 0 {
		fwlog.Infof("reaper: expired %d transaction(s)", len(expired))
	}

	swept, err := s.blobs.SweepTemps(now.Add(-s.registry.TTL()), s.registry.Active)
	if err != nil {
		fwlog.Warnf("reaper: sweep: %v", err)
	} else if swept > 0 {
		fwlog.Infof("reaper: removed %d stray temp file(s)", swept)
	}
	return len(expired)
}
