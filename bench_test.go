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
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func benchSizes(f func(b *testing.B, n int)) func(*testing.B) {
	var cases = []int{
		256,
		4096,
		1 << 16,
		1 << 20,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("n="+strconv.Itoa(n), func(b *testing.B) { f(b, n) })
		}
	}
}

func genKeys(start, end int) []int {
	keys := make([]int, end-start)
	for i := range keys {
		keys[i] = start + i
	}
	return keys
}

func BenchmarkContainsHit(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkContainsHit))
}

func benchmarkContainsHit(b *testing.B, n int) {
	s := New[int](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		s.Add(k)
	}
	perfbench.Open(b)
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		ok = s.Contains(keys[i%n])
	}
	_ = ok
}

func BenchmarkContainsMiss(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkContainsMiss))
}

func benchmarkContainsMiss(b *testing.B, n int) {
	s := New[int](n)
	keys := genKeys(0, n)
	miss := genKeys(-n, 0)
	for _, k := range keys {
		s.Add(k)
	}
	perfbench.Open(b)
	b.ResetTimer()
	var ok bool
	for i := 0; i < b.N; i++ {
		ok = s.Contains(miss[i%n])
	}
	_ = ok
}

func BenchmarkAddGrow(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkAddGrow))
}

func benchmarkAddGrow(b *testing.B, n int) {
	keys := genKeys(0, n)
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := New[int](0)
		for _, k := range keys {
			s.Add(k)
		}
	}
}

func BenchmarkAddPreAllocate(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkAddPreAllocate))
}

func benchmarkAddPreAllocate(b *testing.B, n int) {
	keys := genKeys(0, n)
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := New[int](4 * n)
		for _, k := range keys {
			s.Add(k)
		}
	}
}

func BenchmarkAddRemove(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkAddRemove))
}

func benchmarkAddRemove(b *testing.B, n int) {
	s := New[int](4 * n)
	keys := genKeys(0, n)
	for _, k := range keys {
		s.Add(k)
	}
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		j := i % n
		s.Remove(keys[j])
		s.Add(keys[j])
	}
}

// BenchmarkMixedParallel runs the classic 80% contains / 10% add / 10%
// remove mix from every goroutine the benchmark harness gives us, over a
// key space twice the prefill so that roughly half of the lookups hit.
func BenchmarkMixedParallel(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkMixedParallel))
}

func benchmarkMixedParallel(b *testing.B, n int) {
	s := New[int](4 * n)
	for _, k := range genKeys(0, n) {
		s.Add(k)
	}
	perfbench.Open(b)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewPCG(rand.Uint64(), 714))
		for pb.Next() {
			k := int(rng.Uint64N(uint64(2 * n)))
			switch r := rng.Uint64N(100); {
			case r < 80:
				s.Contains(k)
			case r < 90:
				s.Add(k)
			default:
				s.Remove(k)
			}
		}
	})
}

func BenchmarkPopulate(b *testing.B) {
	b.Run("t=Int", benchSizes(benchmarkPopulate))
}

func benchmarkPopulate(b *testing.B, n int) {
	perfbench.Open(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := New[int](4 * n)
		s.Populate(n)
	}
}
