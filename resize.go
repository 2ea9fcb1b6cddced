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
	"errors"
	"fmt"
)

// ErrCapacityExceeded is returned when growing the tables would exceed the
// capacity ceiling configured with WithMaxCapacity. It is a hard error: the
// set cannot safely grow further and the triggering operation is not
// retried.
var ErrCapacityExceeded = errors.New("cuckoo: max capacity exceeded")

// errRehashFailed is returned when an element could not be placed in the
// doubled tables within the displacement budget. The resize rolls back to a
// no-op, so the error is recoverable: the triggering insertion retries and
// attempts another resize.
var errRehashFailed = errors.New("cuckoo: rehash exceeded relocation limit")

// grow doubles the per-table capacity and rehashes every element into the
// new tables, holding every stripe for the duration. It either fully
// succeeds, publishing the new table pair and capacity before releasing any
// stripe, or leaves the set exactly as it was: the new tables are discarded
// wholesale if any element fails to rehash, never partially committed.
//
// from is the capacity snapshot that motivated the resize. If the capacity
// no longer matches once every stripe is held, another goroutine already
// resized while this one queued for the locks and grow returns nil without
// doing anything.
func (s *Set[K]) grow(from uint64) error {
	s.lockAll()
	defer s.unlockAll()

	if s.capacity.Load() != from {
		return nil
	}

	newCapacity := from * 2
	if from == 0 {
		newCapacity = minCapacity
	}
	if newCapacity > s.maxCapacity {
		return ErrCapacityExceeded
	}

	var next [2][]Slot[K]
	next[0] = s.allocator.AllocSlots(int(newCapacity))
	next[1] = s.allocator.AllocSlots(int(newCapacity))

	for t := range s.tables {
		for i := range s.tables[t] {
			e := s.tables[t][i]
			if !e.occupied {
				continue
			}
			if !s.insertInto(&next, newCapacity, e.key) {
				s.allocator.FreeSlots(next[0])
				s.allocator.FreeSlots(next[1])
				return errRehashFailed
			}
		}
	}

	old := s.tables
	s.tables = next
	s.capacity.Store(newCapacity)
	if old[0] != nil {
		s.allocator.FreeSlots(old[0])
		s.allocator.FreeSlots(old[1])
	}

	s.checkInvariants()
	return nil
}

// insertInto places key into tables using the sequential displacement loop:
// carry a displaced key in hand, swap it with the occupant of its candidate
// slot, and move to the other table, for at most relocationLimit hops. The
// in-hand key is absent from the tables between hops, so this loop is only
// used where the caller has exclusive access (resize holds every stripe).
// Returns false if the displacement budget is exhausted.
func (s *Set[K]) insertInto(tables *[2][]Slot[K], capacity uint64, key K) bool {
	cur, t := key, 0
	for n := 0; n <= s.relocationLimit; n++ {
		var index uint64
		if t == 0 {
			index = s.hash0(cur) % capacity
		} else {
			index = s.hash1(cur) % capacity
		}
		e := &tables[t][index]
		if !e.occupied {
			*e = Slot[K]{key: cur, occupied: true}
			return true
		}
		cur, e.key = e.key, cur
		t = 1 - t
	}
	return false
}

// Reserve grows the set until the per-table capacity is at least n,
// rehashing the current contents as it goes. It is the error-returning
// surface for capacity exhaustion: growing a set past its ceiling (or
// failing to rehash) is reported here rather than folded into Add's boolean
// result. Reserve is safe to call concurrently with other operations.
func (s *Set[K]) Reserve(n int) error {
	if n <= 0 {
		return nil
	}
	for {
		c := s.capacity.Load()
		if c >= uint64(n) {
			return nil
		}
		if err := s.grow(c); err != nil {
			return fmt.Errorf("cuckoo: reserve %d: %w", n, err)
		}
	}
}
