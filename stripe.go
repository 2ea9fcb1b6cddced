// Copyright 2024 The Cockroach Authors
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

package cuckoo

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// cacheLineSize is used to pad each stripe lock onto its own cache line so
// that goroutines contending on different stripes do not false-share.
const cacheLineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// stripe is a mutex guarding an equivalence class of slot indices across
// both tables (index % number-of-stripes). The stripe array is sized at
// construction and never grows: the slot-to-stripe mapping is re-derived
// from the current capacity on every access instead.
type stripe struct {
	sync.Mutex
	_ [cacheLineSize - unsafe.Sizeof(sync.Mutex{})%cacheLineSize]byte
}

// stripeFor maps a slot index to the stripe guarding it.
func (s *Set[K]) stripeFor(index uint64) uint64 {
	return index % uint64(len(s.stripes))
}

// stripePair returns the stripes guarding the two slot indices, ordered
// lo <= hi. Every multi-lock acquisition in the package locks in ascending
// stripe order; this total order is the sole deadlock-avoidance mechanism
// and must be preserved by every call site, including resize (which locks
// all stripes in index order 0..N-1).
func (s *Set[K]) stripePair(i0, i1 uint64) (lo, hi uint64) {
	lo, hi = s.stripeFor(i0), s.stripeFor(i1)
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi
}

// lockPair acquires the two stripes in ascending order, skipping the second
// acquisition when both slots map to the same stripe.
func (s *Set[K]) lockPair(lo, hi uint64) {
	s.stripes[lo].Lock()
	if hi != lo {
		s.stripes[hi].Lock()
	}
}

func (s *Set[K]) unlockPair(lo, hi uint64) {
	if hi != lo {
		s.stripes[hi].Unlock()
	}
	s.stripes[lo].Unlock()
}

// lock runs the locking protocol for key: snapshot the capacity, compute the
// stripes from the snapshot, acquire them in order, then re-read the
// capacity. If the capacity changed a resize was interleaved and the stripes
// no longer correspond to the key's slots, so release and retry. On return
// the snapshot is stable: a resize cannot proceed without holding every
// stripe, and the caller now holds at least one.
//
// ok is false when the set has zero capacity (nothing is present and there
// are no slots to lock).
func (s *Set[K]) lock(key K) (capacity, lo, hi uint64, ok bool) {
	for {
		capacity = s.capacity.Load()
		if capacity == 0 {
			return 0, 0, 0, false
		}
		i0, i1 := s.slotIndices(key, capacity)
		lo, hi = s.stripePair(i0, i1)
		s.lockPair(lo, hi)
		if s.capacity.Load() == capacity {
			return capacity, lo, hi, true
		}
		s.unlockPair(lo, hi)
	}
}

// lockAll acquires every stripe in ascending index order. This order is
// compatible with the order used by single-key operations, so the exclusive
// paths (resize, Clear, All) cannot deadlock against them.
func (s *Set[K]) lockAll() {
	for i := range s.stripes {
		s.stripes[i].Lock()
	}
}

func (s *Set[K]) unlockAll() {
	for i := range s.stripes {
		s.stripes[i].Unlock()
	}
}
