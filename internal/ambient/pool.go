// Copyright 2021 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ambient

import "sync"

// SlicePool manages a pool of byte slices to avoid frequent allocations
// on the splicing hot path between SSH/RDP channels and their backends.
type SlicePool interface {
	Zero(b []byte)
	Get() []byte
	Put(b []byte)
	Size() int64
}

// NewSliceSyncPool returns a slice pool of pre-allocated slices of the
// given size, backed by sync.Pool.
func NewSliceSyncPool(sliceSize int64) *SliceSyncPool {
	s := &SliceSyncPool{
		sliceSize: sliceSize,
		zeroSlice: make([]byte, sliceSize),
	}
	s.New = func() interface{} {
		slice := make([]byte, s.sliceSize)
		return &slice
	}
	return s
}

// SliceSyncPool is a sync.Pool of same-sized byte slices, used for the
// splice buffers between a channel and its backend connection.
type SliceSyncPool struct {
	sync.Pool
	sliceSize int64
	zeroSlice []byte
}

func (s *SliceSyncPool) Zero(b []byte) {
	if len(b) <= len(s.zeroSlice) {
		copy(b, s.zeroSlice[:len(b)])
	} else {
		for i := range b {
			b[i] = 0
		}
	}
}

func (s *SliceSyncPool) Get() []byte {
	pslice := s.Pool.Get().(*[]byte)
	return *pslice
}

func (s *SliceSyncPool) Put(b []byte) {
	s.Zero(b)
	s.Pool.Put(&b)
}

func (s *SliceSyncPool) Size() int64 {
	return s.sliceSize
}
