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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassRounding(t *testing.T) {
	p := New(1 << 20)

	m, err := p.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())
	require.Equal(t, 64, m.Cap())

	m2, err := p.Alloc(65)
	require.NoError(t, err)
	require.Equal(t, 256, m2.Cap())

	m3, err := p.Alloc(16 << 20)
	require.NoError(t, err)
	require.Equal(t, 16<<20, m3.Cap())

	p.Free(m)
	p.Free(m2)
	p.Free(m3)
}

func TestReuse(t *testing.T) {
	p := New(1 << 20)

	m, err := p.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, int64(256), p.InUse())

	p.Free(m)
	require.Equal(t, int64(0), p.InUse())
	require.Equal(t, int64(256), p.Retained())

	m2, err := p.Alloc(200)
	require.NoError(t, err)
	require.Equal(t, int64(0), p.Retained())
	require.Equal(t, 256, m2.Cap())
	p.Free(m2)
}

func TestDirectFallthrough(t *testing.T) {
	p := New(1 << 20)

	m, err := p.Alloc(MaxClassSize + 1)
	require.NoError(t, err)
	require.Equal(t, MaxClassSize+1, m.Len())
	require.Equal(t, int64(0), p.InUse()) // not pooled

	p.Free(m)
	require.Equal(t, int64(0), p.Retained())
}

func TestShrinkUnderPressure(t *testing.T) {
	// per-class cap is max/10: make the 64k class exactly one buffer wide
	p := New(64 << 10 * 10)

	m1, err := p.Alloc(64 << 10)
	require.NoError(t, err)

	// the class is exhausted; a second alloc must reclaim from elsewhere
	m2, err := p.Alloc(64 << 10)
	require.NoError(t, err)

	p.Free(m1)
	p.Free(m2)
}

func TestExhaustion(t *testing.T) {
	p := New(640) // 64 bytes per class: one buffer in the smallest class

	m1, err := p.Alloc(64)
	require.NoError(t, err)

	mems := []*Mem{m1}
	for {
		m, err := p.Alloc(64)
		if err != nil {
			require.ErrorIs(t, err, ErrOutOfMemory)
			break
		}
		mems = append(mems, m)
		require.Less(t, len(mems), 1000)
	}

	for _, m := range mems {
		p.Free(m)
	}
}

func TestSharedPoolConcurrency(t *testing.T) {
	s := NewShared(64 << 20)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m, err := s.Alloc(1024)
				require.NoError(t, err)
				s.Free(m)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int64(0), s.InUse())
}

func TestDefaultPool(t *testing.T) {
	m, err := Alloc(32)
	require.NoError(t, err)
	require.Equal(t, 32, m.Len())
	Free(m)
}
