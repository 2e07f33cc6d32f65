package storage

import "github.com/bits-and-blooms/bloom/v3"

// runFilter is the in-memory membership filter of a sorted run.
//
// It has a fixed geometry (m bits, k probes) regardless of how many
// keys the run holds, and it is never persisted. The probes come
// from the bloom package's independent double-hashing scheme.
type runFilter struct {
	bf *bloom.BloomFilter
}

func newRunFilter(m, k uint) *runFilter {
	return &runFilter{bf: bloom.New(m, k)}
}

func (f *runFilter) add(key string) {
	f.bf.AddString(key)
}

// mightContain reports false only for keys never added.
func (f *runFilter) mightContain(key string) bool {
	return f.bf.TestString(key)
}
