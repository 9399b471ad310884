/*
Copyright 2025 The KNV Proto Engine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mempool

import (
	"sync"
	"sync/atomic"
)

// SharedPool is the concurrency-safe variant. Free lists are guarded by a
// mutex; size counters are additionally published through atomics so
// InUse/Retained never take the lock.
type SharedPool struct {
	mu       sync.Mutex
	pool     *Pool
	inUse    int64
	retained int64
}

func NewShared(maxSize int64) *SharedPool {
	return &SharedPool{pool: New(maxSize)}
}

func (s *SharedPool) SetMaxSize(maxSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pool.SetMaxSize(maxSize)
}

func (s *SharedPool) Alloc(n int) (*Mem, error) {
	s.mu.Lock()
	m, err := s.pool.Alloc(n)
	if err == nil {
		atomic.StoreInt64(&s.inUse, s.pool.InUse())
		atomic.StoreInt64(&s.retained, s.pool.Retained())
	}
	s.mu.Unlock()
	return m, err
}

func (s *SharedPool) Free(m *Mem) {
	s.mu.Lock()
	s.pool.Free(m)
	atomic.StoreInt64(&s.inUse, s.pool.InUse())
	atomic.StoreInt64(&s.retained, s.pool.Retained())
	s.mu.Unlock()
}

func (s *SharedPool) InUse() int64 {
	return atomic.LoadInt64(&s.inUse)
}

func (s *SharedPool) Retained() int64 {
	return atomic.LoadInt64(&s.retained)
}

// Default is the process-wide pool used by packages that are not handed an
// explicit one. Trees built on it may be handed across goroutines only
// after serialization and reparse.
var Default = NewShared(DefaultMaxSize)

func Alloc(n int) (*Mem, error) {
	return Default.Alloc(n)
}

func Free(m *Mem) {
	Default.Free(m)
}
