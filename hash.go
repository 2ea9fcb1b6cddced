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

// Key constrains the element type to fixed-width integers. Cuckoo hashing
// needs two cheap, independent hash functions per key, and restricting keys
// to integers lets both default hash functions reduce to a handful of ALU
// instructions.
type Key interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// defaultHash0 indexes table 0 by the key value itself. For integer keys
// this mirrors what libstdc++'s std::hash does, and it is sufficient here
// because table 1's mixed hash breaks up any clustering that the identity
// reduction produces.
func defaultHash0[K Key](key K) uint64 {
	return uint64(key)
}

// defaultHash1 indexes table 1 by a finalized mix of the key bits (the
// murmur3 fmix64 sequence). The mixing makes the table 1 slot effectively
// independent of the table 0 slot, which keeps displacement chains from
// degenerating when table 0 slots collide.
func defaultHash1[K Key](key K) uint64 {
	return mix64(uint64(key))
}

// mix64 is the murmur3 64-bit finalizer. Every input bit affects every
// output bit, which is exactly the property the secondary hash needs.
func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// slotIndices returns the key's candidate slot in each table under the
// supplied capacity. Both hash functions are pure given (key, capacity):
// operations compute slots from a capacity snapshot taken before locking and
// must be able to recompute identical values after locking.
func (s *Set[K]) slotIndices(key K, capacity uint64) (i0, i1 uint64) {
	return s.hash0(key) % capacity, s.hash1(key) % capacity
}

// altIndex returns the candidate slot of key in the table opposite to the
// one identified by table.
func (s *Set[K]) altIndex(key K, table int, capacity uint64) uint64 {
	if table == 0 {
		return s.hash1(key) % capacity
	}
	return s.hash0(key) % capacity
}
