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

import "fmt"

// Option provides an interface to do work on a Set while it is being
// created.
type Option[K Key] interface {
	apply(s *Set[K])
}

type lockStripesOption[K Key] struct {
	n int
}

func (op lockStripesOption[K]) apply(s *Set[K]) {
	if op.n <= 0 {
		panic(fmt.Sprintf("cuckoo: lock stripe count must be positive: %d", op.n))
	}
	s.stripes = make([]stripe, op.n)
}

// WithLockStripes is an option to specify the number of stripe locks. The
// count is fixed for the Set's lifetime and is independent of capacity: a
// slot is guarded by stripe slot%n. More stripes reduce contention between
// operations on unrelated keys at the cost of a longer exclusive
// acquisition during resize. The default is 32.
func WithLockStripes[K Key](n int) Option[K] {
	return lockStripesOption[K]{n}
}

type relocationLimitOption[K Key] struct {
	n int
}

func (op relocationLimitOption[K]) apply(s *Set[K]) {
	if op.n <= 0 {
		panic(fmt.Sprintf("cuckoo: relocation limit must be positive: %d", op.n))
	}
	s.relocationLimit = op.n
}

// WithRelocationLimit is an option to specify the maximum number of
// displacements attempted before an insertion gives up and triggers a
// resize. Values in the range 32-100 are sensible; the default is 32.
func WithRelocationLimit[K Key](n int) Option[K] {
	return relocationLimitOption[K]{n}
}

type maxCapacityOption[K Key] struct {
	n uint64
}

func (op maxCapacityOption[K]) apply(s *Set[K]) {
	if op.n == 0 {
		panic("cuckoo: max capacity must be positive")
	}
	s.maxCapacity = op.n
}

// WithMaxCapacity is an option to specify the hard ceiling on per-table
// capacity. A resize that would exceed the ceiling fails rather than grow
// without bound; see Reserve for how the failure surfaces. The default is
// 1<<30.
func WithMaxCapacity[K Key](n uint64) Option[K] {
	return maxCapacityOption[K]{n}
}

type hashesOption[K Key] struct {
	hash0, hash1 func(key K) uint64
}

func (op hashesOption[K]) apply(s *Set[K]) {
	s.hash0 = op.hash0
	s.hash1 = op.hash1
}

// WithHashes is an option to specify the two hash functions used to derive
// a key's candidate slot in each table (the 64-bit result is reduced modulo
// the current capacity). Both functions must be deterministic and free of
// hidden state, and hash1 should be effectively independent of hash0 so
// that displacement chains do not degenerate.
func WithHashes[K Key](hash0, hash1 func(key K) uint64) Option[K] {
	return hashesOption[K]{hash0, hash1}
}

// Allocator specifies an interface for allocating and releasing the table
// memory used by a Set. The default allocator utilizes Go's builtin make()
// and allows the GC to reclaim memory.
//
// If the allocator is manually managing memory then Set.Close must be
// called in order to ensure FreeSlots is called for the final tables.
type Allocator[K Key] interface {
	// AllocSlots should return a slice equivalent to make([]Slot[K], n).
	AllocSlots(n int) []Slot[K]

	// FreeSlots can optionally release the memory associated with the
	// supplied slice that is guaranteed to have been allocated by
	// AllocSlots.
	FreeSlots(v []Slot[K])
}

type defaultAllocator[K Key] struct{}

func (defaultAllocator[K]) AllocSlots(n int) []Slot[K] {
	return make([]Slot[K], n)
}

func (defaultAllocator[K]) FreeSlots(v []Slot[K]) {
}

type allocatorOption[K Key] struct {
	allocator Allocator[K]
}

func (op allocatorOption[K]) apply(s *Set[K]) {
	s.allocator = op.allocator
}

// WithAllocator is an option to specify the Allocator to use for a Set[K].
func WithAllocator[K Key](allocator Allocator[K]) Option[K] {
	return allocatorOption[K]{allocator}
}
