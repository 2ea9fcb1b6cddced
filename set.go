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

// Package cuckoo is a goroutine-safe cuckoo hash set for integer keys. See
// Pagh and Rodler, "Cuckoo Hashing" (2004) for the underlying scheme and
// Herlihy and Shavit, "The Art of Multiprocessor Programming" §13.4 for the
// striped concurrent variant this package follows.
//
// # Cuckoo hashing
//
// A cuckoo hash set stores its elements in two parallel tables of equal
// capacity. Two independent hash functions assign each key one candidate
// slot per table, and a present key occupies exactly one of its two
// candidate slots. Lookup and removal therefore inspect at most two slots,
// with no probing. Insertion places the key in an empty candidate slot if
// one exists; otherwise it displaces an occupant to the occupant's other
// candidate slot, cascading the displacement through a bounded chain. If
// the chain exhausts its budget, the tables are too crowded (or the chain
// found a cycle) and the set doubles its capacity and rehashes.
//
// # Concurrency
//
// Mutual exclusion is provided by a fixed-size array of stripe locks that
// is never resized: slot index i (in either table) is guarded by stripe
// i%N. A key's two candidate slots map to at most two stripes, which are
// always acquired in ascending stripe order. Every multi-lock acquisition
// in the package follows that single total order, including resize (which
// acquires all N stripes in index order), so no cycle of lock waits can
// form.
//
// Because the slot-to-stripe mapping depends on the current capacity, every
// operation snapshots the capacity, computes its stripes from the snapshot,
// locks, and then re-reads the capacity. A changed capacity means a resize
// was interleaved and the held stripes may not guard the key's slots
// anymore, so the operation releases and retries. Once the snapshot
// revalidates, it is stable for the duration of the critical section: a
// resize must hold every stripe and the operation holds at least one.
//
// Displacement chains during concurrent insertion never take a key out of
// the tables: the chain is first discovered (locking one stripe at a time),
// then each key on it is shifted one hop toward the empty slot, from the
// tail backward, holding the two stripes guarding the source and
// destination slots. A shifted key's destination is its own other candidate
// slot, so any concurrent observer of that key contends on the same
// stripes and can never see the key absent, present twice, or mid-move.
//
// Resize is the one coarse-grained serialization point. It is triggered
// only by displacement exhaustion, never proactively by load factor, and
// either fully succeeds (new tables and capacity published before any
// stripe is released) or is a no-op.
package cuckoo

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

const (
	// defaultLockStripes is the default size of the stripe lock array.
	defaultLockStripes = 32
	// defaultRelocationLimit is the default displacement budget for one
	// insertion attempt.
	defaultRelocationLimit = 32
	// defaultMaxCapacity is the default per-table capacity ceiling.
	defaultMaxCapacity = 1 << 30
	// minCapacity is the capacity a zero-capacity set grows to on its first
	// insertion.
	minCapacity = 16
	// growRetryLimit bounds the number of resize-and-retry rounds a single
	// Add performs before reporting failure. Each resize doubles capacity
	// and halves the load factor, so retries converge immediately in
	// practice.
	growRetryLimit = 2
	// populateSeed seeds Populate's key generator. Fixed so that repeated
	// runs produce the same prefill.
	populateSeed = 714
)

// Slot holds a single table cell. A cell is either empty or holds one key.
type Slot[K Key] struct {
	key      K
	occupied bool
}

// Set is a goroutine-safe hash set of integer keys backed by two parallel
// cuckoo tables. Add, Remove, and Contains may be called concurrently from
// any number of goroutines. The zero value is not usable; construct a Set
// with New.
type Set[K Key] struct {
	// The two hash functions deriving a key's candidate slot per table.
	// Both are pure given (key, capacity); see the locking protocol.
	hash0 func(key K) uint64
	hash1 func(key K) uint64
	// The allocator used for the table slot arrays.
	allocator Allocator[K]
	// Displacement budget per insertion attempt (and per rehashed element
	// during resize).
	relocationLimit int
	// Hard ceiling on per-table capacity.
	maxCapacity uint64
	// The stripe locks. Sized at construction, never resized.
	stripes []stripe
	// The two tables. Written only while every stripe is held (resize,
	// Clear, Close); individual slots are written under the slot's stripe.
	tables [2][]Slot[K]
	// Per-table capacity. Read without locks to take the protocol snapshot,
	// published by resize before releasing any stripe.
	capacity atomic.Uint64
	// Live element count. Mutated while holding a stripe guarding the slot
	// being changed; unlocked reads (Len) are advisory.
	used atomic.Int64
}

// New constructs a Set with the specified initial per-table capacity. If
// initialCapacity is 0 the set starts with zero capacity and grows on the
// first insertion.
func New[K Key](initialCapacity int, options ...Option[K]) *Set[K] {
	s := &Set[K]{
		hash0:           defaultHash0[K],
		hash1:           defaultHash1[K],
		allocator:       defaultAllocator[K]{},
		relocationLimit: defaultRelocationLimit,
		maxCapacity:     defaultMaxCapacity,
		stripes:         make([]stripe, defaultLockStripes),
	}
	for _, op := range options {
		op.apply(s)
	}

	if initialCapacity > 0 {
		c := uint64(initialCapacity)
		if c > s.maxCapacity {
			panic(fmt.Sprintf("cuckoo: initial capacity %d exceeds max capacity %d",
				c, s.maxCapacity))
		}
		s.tables[0] = s.allocator.AllocSlots(initialCapacity)
		s.tables[1] = s.allocator.AllocSlots(initialCapacity)
		s.capacity.Store(c)
	}

	s.checkInvariants()
	return s
}

// Add inserts key into the set. It returns true if the key was not already
// present and is now present, and false if the key was already present. Add
// also returns false in the degenerate case that the key cannot be placed
// even after growRetryLimit capacity doublings, or when growing further
// would exceed the configured capacity ceiling; in both cases the set is
// left exactly as it was.
func (s *Set[K]) Add(key K) bool {
	for retries := 0; ; {
		c, lo, hi, ok := s.lock(key)
		if !ok {
			// Zero capacity. Allocate the initial tables and retry.
			if err := s.grow(0); err != nil {
				return false
			}
			continue
		}

		i0, i1 := s.slotIndices(key, c)
		s0, s1 := &s.tables[0][i0], &s.tables[1][i1]
		switch {
		case s0.occupied && s0.key == key, s1.occupied && s1.key == key:
			s.unlockPair(lo, hi)
			return false
		case !s0.occupied:
			*s0 = Slot[K]{key: key, occupied: true}
			s.used.Add(1)
			s.unlockPair(lo, hi)
			return true
		case !s1.occupied:
			*s1 = Slot[K]{key: key, occupied: true}
			s.used.Add(1)
			s.unlockPair(lo, hi)
			return true
		}
		s.unlockPair(lo, hi)

		// Both candidate slots are occupied by other keys. Try to open one
		// up by relocating its occupant, and retry the whole protocol
		// against whatever state we find afterward.
		switch s.relocate(key, c) {
		case relocated, relocateStale:
			continue
		case relocateExhausted:
			if retries >= growRetryLimit {
				return false
			}
			retries++
			if err := s.grow(c); err != nil {
				if err == ErrCapacityExceeded {
					return false
				}
				// Rehash failed; the tables are untouched. Retry within the
				// budget above.
			}
		}
	}
}

// Remove deletes key from the set, returning true if the key was present.
func (s *Set[K]) Remove(key K) bool {
	c, lo, hi, ok := s.lock(key)
	if !ok {
		return false
	}
	i0, i1 := s.slotIndices(key, c)
	if e := &s.tables[0][i0]; e.occupied && e.key == key {
		*e = Slot[K]{}
		s.used.Add(-1)
		s.unlockPair(lo, hi)
		return true
	}
	if e := &s.tables[1][i1]; e.occupied && e.key == key {
		*e = Slot[K]{}
		s.used.Add(-1)
		s.unlockPair(lo, hi)
		return true
	}
	s.unlockPair(lo, hi)
	return false
}

// Contains reports whether key is present in the set.
func (s *Set[K]) Contains(key K) bool {
	c, lo, hi, ok := s.lock(key)
	if !ok {
		return false
	}
	i0, i1 := s.slotIndices(key, c)
	e0, e1 := s.tables[0][i0], s.tables[1][i1]
	s.unlockPair(lo, hi)
	return (e0.occupied && e0.key == key) || (e1.occupied && e1.key == key)
}

// Len returns the number of elements in the set. The count is maintained
// under the stripe locks but read without them, so a Len taken while other
// goroutines are mutating the set is an advisory snapshot that may be
// stale. It is exact when the set is quiescent.
func (s *Set[K]) Len() int {
	return int(s.used.Load())
}

// Cap returns the current per-table capacity (each of the two tables has
// this many slots). Like Len, it is a snapshot.
func (s *Set[K]) Cap() int {
	return int(s.capacity.Load())
}

// Populate bulk-inserts n generated keys, returning the number actually
// added (a generated key that collides with an earlier one is not
// re-added). The generator is deterministically seeded, so each call
// restarts the same key sequence; Populate is intended to run once to
// prefill the set before concurrent access begins.
func (s *Set[K]) Populate(n int) int {
	rng := rand.New(rand.NewPCG(populateSeed, 0))
	added := 0
	for i := 0; i < n; i++ {
		if s.Add(K(rng.Uint64())) {
			added++
		}
	}
	return added
}

// All calls yield for each key in the set until yield returns false. All
// holds every stripe lock for the duration, so it observes a consistent
// snapshot, blocks all mutators, and must not be called from a yield
// function or while holding a stripe.
func (s *Set[K]) All(yield func(key K) bool) {
	s.lockAll()
	defer s.unlockAll()
	for t := range s.tables {
		for i := range s.tables[t] {
			if e := s.tables[t][i]; e.occupied {
				if !yield(e.key) {
					return
				}
			}
		}
	}
}

// Clear removes all elements from the set, retaining the current capacity.
func (s *Set[K]) Clear() {
	s.lockAll()
	defer s.unlockAll()
	for t := range s.tables {
		clear(s.tables[t])
	}
	s.used.Store(0)
	s.checkInvariants()
}

// Close releases the table memory back to the configured allocator. It is
// unnecessary to close a set using the default allocator. It is invalid to
// use a Set after it has been closed, though Close itself is idempotent.
func (s *Set[K]) Close() {
	s.lockAll()
	defer s.unlockAll()
	for t := range s.tables {
		if s.tables[t] != nil {
			s.allocator.FreeSlots(s.tables[t])
			s.tables[t] = nil
		}
	}
	s.capacity.Store(0)
	s.used.Store(0)
}

type relocateResult int

const (
	// relocated means a displacement chain was executed (or the slot turned
	// out to be empty already); the insertion should retry.
	relocated relocateResult = iota
	// relocateStale means a resize or a competing chain interfered; the
	// insertion should retry against current state. No displacement budget
	// was "spent" in the sense that matters: staleness is contention, not
	// crowding.
	relocateStale
	// relocateExhausted means no chain of at most relocationLimit
	// displacements reaches an empty slot; the tables need to grow.
	relocateExhausted
)

// pathEntry records one link of a displacement chain: the key observed in
// table's slot index during the search phase.
type pathEntry[K Key] struct {
	table int
	index uint64
	key   K
}

// relocate tries to open up key's table 0 candidate slot by displacing the
// keys that stand in the way. It first walks the displacement chain rooted
// at that slot, locking one stripe at a time, until it finds an empty slot
// or exceeds the budget. It then shifts each key on the chain one hop into
// its other candidate slot, from the tail backward, so the hole migrates to
// the root. Each shift holds the stripes guarding the source and
// destination slots (acquired in ascending order) and revalidates both the
// capacity and the chain link before moving; any mismatch aborts with
// relocateStale and the caller retries.
func (s *Set[K]) relocate(key K, capacity uint64) relocateResult {
	// Search phase. The entries we record are a snapshot: each was read
	// under its stripe, but the chain as a whole is not locked. The shift
	// phase re-verifies every link before acting on it.
	path := make([]pathEntry[K], 0, s.relocationLimit)
	table, index := 0, s.hash0(key)%capacity
	for {
		st := s.stripeFor(index)
		s.stripes[st].Lock()
		if s.capacity.Load() != capacity {
			s.stripes[st].Unlock()
			return relocateStale
		}
		e := s.tables[table][index]
		s.stripes[st].Unlock()

		if !e.occupied {
			break
		}
		if len(path) == s.relocationLimit {
			return relocateExhausted
		}
		path = append(path, pathEntry[K]{table: table, index: index, key: e.key})
		index = s.altIndex(e.key, table, capacity)
		table = 1 - table
	}

	// Shift phase. The destination of path[t] is the slot the search moved
	// to next: path[t+1]'s slot, or the empty slot found above for the
	// tail. By construction the destination is path[t].key's own candidate
	// slot in the other table.
	for t := len(path) - 1; t >= 0; t-- {
		src := path[t]
		dstTable, dstIndex := table, index
		if t+1 < len(path) {
			dstTable, dstIndex = path[t+1].table, path[t+1].index
		}

		lo, hi := s.stripePair(src.index, dstIndex)
		s.lockPair(lo, hi)
		if s.capacity.Load() != capacity {
			s.unlockPair(lo, hi)
			return relocateStale
		}
		from := &s.tables[src.table][src.index]
		to := &s.tables[dstTable][dstIndex]
		if !from.occupied || from.key != src.key || to.occupied {
			// The chain changed under us: the key moved, was removed, or
			// the hole was taken.
			s.unlockPair(lo, hi)
			return relocateStale
		}
		*to = Slot[K]{key: src.key, occupied: true}
		*from = Slot[K]{}
		s.unlockPair(lo, hi)

		table, index = src.table, src.index
	}
	return relocated
}

// checkInvariants verifies the structural invariants of the tables: every
// occupied slot holds a key whose hash maps to that slot under the current
// capacity, no key occupies more than one slot, and the live count matches
// the occupancy. The caller must have exclusive access (hold every stripe,
// or be the only goroutine referencing the set). Compiled away unless the
// invariants build tag is set.
func (s *Set[K]) checkInvariants() {
	if invariants {
		c := s.capacity.Load()
		var used int64
		seen := make(map[K]struct{})
		for t := range s.tables {
			for i := range s.tables[t] {
				e := s.tables[t][i]
				if !e.occupied {
					continue
				}
				used++
				var want uint64
				if t == 0 {
					want = s.hash0(e.key) % c
				} else {
					want = s.hash1(e.key) % c
				}
				if uint64(i) != want {
					panic(fmt.Sprintf("invariant failed: table %d slot %d holds %v, which hashes to slot %d\n%s",
						t, i, e.key, want, s.debugString()))
				}
				if _, ok := seen[e.key]; ok {
					panic(fmt.Sprintf("invariant failed: %v occupies two slots\n%s",
						e.key, s.debugString()))
				}
				seen[e.key] = struct{}{}
			}
		}
		if used != s.used.Load() {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but used count is %d\n%s",
				used, s.used.Load(), s.debugString()))
		}
	}
}

func (s *Set[K]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d used=%d stripes=%d\n",
		s.capacity.Load(), s.used.Load(), len(s.stripes))
	for t := range s.tables {
		fmt.Fprintf(&buf, "table %d:\n", t)
		for i := range s.tables[t] {
			if e := s.tables[t][i]; e.occupied {
				fmt.Fprintf(&buf, "  %4d: %v [h0=%d h1=%d]\n", i, e.key,
					s.hash0(e.key)%s.capacity.Load(), s.hash1(e.key)%s.capacity.Load())
			}
		}
	}
	return buf.String()
}
