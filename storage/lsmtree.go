package storage

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/RoaringBitmap/roaring"
	"github.com/google/btree"
)

// resultTreeDegree is the degree of the btree used to collect
// range query results.
const resultTreeDegree = 16

// LSMTree is an ordered key/value store made of a memtable and a
// fixed chain of sorted runs, one per level.
//
// Every write lands in the memtable. Once the memtable holds more
// entries than the flush threshold it is merged into level 0, and
// any level i holding more than Multiplier^(i+2) records is merged
// into level i+1. The last level is never merged further.
//
// How two entries under the same key combine is decided by the
// tree's Policy. An LSMTree is not safe for concurrent use; callers
// that share one must serialize access to it.
type LSMTree[V any] struct {
	opts        Options
	policy      Policy[V]
	codec       Codec[V]
	memtable    *Memtable[V]
	levels      []*SortedRun
	logger      *slog.Logger
	flushes     int
	compactions []int
}

// New creates an empty tree in opts.Dir, truncating any level
// files already there.
func New[V any](opts Options, policy Policy[V], codec Codec[V]) (*LSMTree[V], error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	// Make sure the directory exists
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create dir %q: %w", ErrIO, opts.Dir, err)
	}

	// Create the levels
	runOpts := RunOptions{
		FilterBits:   opts.FilterBits,
		FilterHashes: opts.FilterHashes,
		Patchable:    patchable(policy),
	}
	levels := make([]*SortedRun, opts.Levels)
	for i := range levels {
		run, err := NewSortedRun(opts.Dir, i, runOpts)
		if err != nil {
			return nil, err
		}
		levels[i] = run
	}

	t := &LSMTree[V]{
		opts:        opts,
		policy:      policy,
		codec:       withCompression(codec, opts.Compression),
		memtable:    NewMemtable(opts.MinDegree, policy),
		levels:      levels,
		logger:      opts.logger(),
		compactions: make([]int, opts.Levels),
	}
	t.logger.Debug("created lsm tree",
		"dir", opts.Dir,
		"levels", opts.Levels,
		"multiplier", opts.Multiplier,
		"flush_threshold", opts.flushThreshold(),
	)
	return t, nil
}

// NewKV creates a plain key/value tree where the newest write or
// delete of a key wins.
func NewKV(opts Options) (*LSMTree[[]byte], error) {
	return New[[]byte](opts, Replace[[]byte]{}, BytesCodec{})
}

// NewPostingStore creates a tree whose values are posting lists.
// Writes to the same key are unioned, and reads union the lists
// found in every level.
func NewPostingStore(opts Options) (*LSMTree[*roaring.Bitmap], error) {
	return New[*roaring.Bitmap](opts, Combine[*roaring.Bitmap]{Union: UnionBitmaps}, BitmapCodec{})
}

// Get looks up key in the memtable and then each level in order.
//
// Under a policy that does not accumulate, the first source holding
// the key decides the result. Otherwise the entries of every source
// are resolved together, newest first, stopping at a tombstone or
// at a value written over one.
//
// Returned values may be shared with the tree and must not be
// modified.
func (t *LSMTree[V]) Get(key string) (Result[V], error) {
	var (
		acc   Record[V]
		found bool
	)

	// visit folds r into acc and reports whether to stop
	visit := func(r Record[V]) bool {
		if !found {
			acc, found = r, true
		} else {
			acc = t.policy.Resolve(r, acc)
		}
		return acc.Tomb || acc.Restart || !t.policy.AccumulateOnRead()
	}

	// Check the memtable first
	if r, ok := t.memtable.Get(key); ok && visit(r) {
		return resultOf(acc), nil
	}

	// Then the levels, newest to oldest
	for _, run := range t.levels {
		raw, ok, err := run.Get(key)
		if err != nil {
			return Result[V]{}, err
		}
		if !ok {
			continue
		}
		r, err := t.decode(raw)
		if err != nil {
			return Result[V]{}, err
		}
		if visit(r) {
			break
		}
	}

	if !found {
		return Result[V]{}, nil
	}
	return resultOf(acc), nil
}

// Add writes a copy of value under key, then flushes and compacts
// as needed.
func (t *LSMTree[V]) Add(key string, value V) error {
	t.memtable.Put(key, t.codec.Clone(value))
	return t.compact()
}

// Delete writes a tombstone for key into the memtable. It never
// touches the levels and never triggers a flush.
func (t *LSMTree[V]) Delete(key string) {
	t.memtable.Del(key)
}

// GetQuery returns every live key in [start, end] with its value,
// ascending by key.
//
// Entries for one key are resolved the same way as in Get, so a
// tombstone in a newer source hides the key.
func (t *LSMTree[V]) GetQuery(start, end string) ([]KV[V], error) {
	resolved := btree.NewG[Record[V]](resultTreeDegree, func(a, b Record[V]) bool {
		return a.Key < b.Key
	})

	// merge folds r, from a source older than any seen so far,
	// into the entry for its key
	merge := func(r Record[V]) {
		prev, ok := resolved.Get(r)
		if !ok {
			resolved.ReplaceOrInsert(r)
			return
		}
		if prev.Tomb || prev.Restart || !t.policy.AccumulateOnRead() {
			return
		}
		resolved.ReplaceOrInsert(t.policy.Resolve(r, prev))
	}

	for _, r := range t.memtable.RangeScan(start, end) {
		merge(r)
	}
	for _, run := range t.levels {
		raws, err := run.RangeScan(start, end)
		if err != nil {
			return nil, err
		}
		for _, raw := range raws {
			r, err := t.decode(raw)
			if err != nil {
				return nil, err
			}
			merge(r)
		}
	}

	// Collect the live keys in order
	out := make([]KV[V], 0, resolved.Len())
	resolved.Ascend(func(r Record[V]) bool {
		if !r.Tomb {
			out = append(out, KV[V]{Key: r.Key, Value: r.Value})
		}
		return true
	})
	return out, nil
}

// Stats describes the state of an LSMTree.
type Stats struct {
	Flushes      int   // Memtable flushes into level 0
	Compactions  []int // Merges out of each level
	MemtableSize int   // Entries in the memtable
	LevelSizes   []int // Records in each level
}

// Stats returns the tree's counters and sizes.
func (t *LSMTree[V]) Stats() Stats {
	s := Stats{
		Flushes:      t.flushes,
		Compactions:  append([]int(nil), t.compactions...),
		MemtableSize: t.memtable.Size(),
		LevelSizes:   make([]int, len(t.levels)),
	}
	for i, run := range t.levels {
		s.LevelSizes[i] = run.Size()
	}
	return s
}

// Destroy deletes every level's file and empties the tree.
func (t *LSMTree[V]) Destroy() error {
	for _, run := range t.levels {
		if err := run.Remove(); err != nil {
			return err
		}
	}
	t.memtable.Reset()
	return nil
}
