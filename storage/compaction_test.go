package storage

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestKV(t *testing.T, levels, multiplier int) *LSMTree[[]byte] {
	t.Helper()
	opts := DefaultOptions(t.TempDir())
	opts.Levels = levels
	opts.Multiplier = multiplier
	tree, err := NewKV(opts)
	require.NoError(t, err)
	return tree
}

func TestMergeJoin(t *testing.T) {
	t.Run("should interleave and resolve equal keys", func(t *testing.T) {
		run, err := NewSortedRun(t.TempDir(), 0, testRunOptions())
		require.NoError(t, err)
		tgt, err := run.BeginMerge()
		require.NoError(t, err)

		older := &sliceSource{recs: []Record[[]byte]{
			{Key: "a", Value: []byte("old-a")},
			{Key: "c", Value: []byte("old-c")},
			{Key: "e", Value: []byte("old-e")},
		}}
		newer := &sliceSource{recs: []Record[[]byte]{
			{Key: "b", Value: []byte("new-b")},
			{Key: "c", Tomb: true},
			{Key: "f", Value: []byte("new-f")},
			{Key: "g", Value: []byte("new-g")},
		}}
		var calls int
		resolve := func(o, n Record[[]byte]) (Record[[]byte], error) {
			calls++
			require.Equal(t, "c", o.Key)
			return n, nil
		}

		require.NoError(t, mergeJoin(older, newer, tgt, resolve))
		require.NoError(t, run.PromoteFrom(tgt))
		require.Equal(t, 1, calls)

		var keys []string
		require.NoError(t, run.Scan(func(r Record[[]byte]) (bool, error) {
			keys = append(keys, fmt.Sprintf("%s:%t", r.Key, r.Tomb))
			return false, nil
		}))
		require.Equal(t, []string{"a:false", "b:false", "c:true", "e:false", "f:false", "g:false"}, keys)
	})

	t.Run("should stop on a resolve error", func(t *testing.T) {
		run, err := NewSortedRun(t.TempDir(), 0, testRunOptions())
		require.NoError(t, err)
		tgt, err := run.BeginMerge()
		require.NoError(t, err)
		defer tgt.Abort()

		boom := fmt.Errorf("boom")
		err = mergeJoin(
			&sliceSource{recs: []Record[[]byte]{{Key: "a"}}},
			&sliceSource{recs: []Record[[]byte]{{Key: "a"}}},
			tgt,
			func(_, _ Record[[]byte]) (Record[[]byte], error) { return Record[[]byte]{}, boom },
		)
		require.ErrorIs(t, err, boom)
	})
}

func TestLevelCapacity(t *testing.T) {
	require.Equal(t, 100, levelCapacity(10, 0))
	require.Equal(t, 1000, levelCapacity(10, 1))
	require.Equal(t, 1, levelCapacity(1, 7))
	require.Equal(t, math.MaxInt, levelCapacity(1<<20, 3))
}

func TestCompaction(t *testing.T) {
	t.Run("should flush exactly once after the threshold is passed", func(t *testing.T) {
		tree := newTestKV(t, 1, 10)
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%02d", i), []byte("v")))
		}
		s := tree.Stats()
		require.Equal(t, 0, s.Flushes)
		require.Equal(t, 10, s.MemtableSize)

		require.NoError(t, tree.Add("key-10", []byte("v")))
		s = tree.Stats()
		require.Equal(t, 1, s.Flushes)
		require.Equal(t, 0, s.MemtableSize)
		require.Equal(t, []int{11}, s.LevelSizes)
	})

	t.Run("should cascade an over-capacity level", func(t *testing.T) {
		tree := newTestKV(t, 2, 2)
		for i := 0; i < 6; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%02d", i), []byte{byte(i)}))
		}

		s := tree.Stats()
		require.Equal(t, 2, s.Flushes)
		require.Equal(t, []int{1, 0}, s.Compactions)
		require.Equal(t, []int{0, 6}, s.LevelSizes)

		for i := 0; i < 6; i++ {
			res, err := tree.Get(fmt.Sprintf("key-%02d", i))
			require.NoError(t, err)
			require.True(t, res.Found)
			require.Equal(t, []byte{byte(i)}, res.Value)
		}
	})

	t.Run("should rewrite level 0 with newer values", func(t *testing.T) {
		tree := newTestKV(t, 1, 2)
		for _, v := range []string{"1", "2", "3"} {
			require.NoError(t, tree.Add("a", []byte(v)))
			require.NoError(t, tree.Add("b", []byte(v)))
			require.NoError(t, tree.Add("c", []byte(v)))
		}
		s := tree.Stats()
		require.Equal(t, 3, s.Flushes)
		require.Equal(t, []int{3}, s.LevelSizes)

		res, err := tree.Get("b")
		require.NoError(t, err)
		require.Equal(t, []byte("3"), res.Value)
	})

	t.Run("should never merge out of the last level", func(t *testing.T) {
		tree := newTestKV(t, 1, 2)
		for i := 0; i < 100; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%03d", i), []byte("v")))
		}
		s := tree.Stats()
		require.Equal(t, []int{0}, s.Compactions)
		require.Equal(t, 100, s.LevelSizes[0]+s.MemtableSize)
	})

	t.Run("should keep everything in memory without levels", func(t *testing.T) {
		tree := newTestKV(t, 0, 2)
		for i := 0; i < 50; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%03d", i), []byte("v")))
		}
		s := tree.Stats()
		require.Equal(t, 0, s.Flushes)
		require.Equal(t, 50, s.MemtableSize)
		require.Empty(t, s.LevelSizes)
	})

	t.Run("should carry tombstones down the levels", func(t *testing.T) {
		tree := newTestKV(t, 2, 2)
		require.NoError(t, tree.Add("a", []byte("1")))
		tree.Delete("a")
		for i := 0; i < 10; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%02d", i), []byte("v")))
		}
		require.Positive(t, tree.Stats().Compactions[0])

		res, err := tree.Get("a")
		require.NoError(t, err)
		require.True(t, res.Found)
		require.True(t, res.Deleted)
	})

	t.Run("should abort a flush on io errors and keep the memtable", func(t *testing.T) {
		tree := newTestKV(t, 1, 2)
		for i := 0; i < 3; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%02d", i), []byte("v")))
		}
		require.Equal(t, 1, tree.Stats().Flushes)
		require.NoError(t, os.Remove(tree.levels[0].Path()))

		require.NoError(t, tree.Add("x", []byte("1")))
		require.NoError(t, tree.Add("y", []byte("1")))
		err := tree.Add("z", []byte("1"))
		require.ErrorIs(t, err, ErrIO)

		s := tree.Stats()
		require.Equal(t, 1, s.Flushes)
		require.Equal(t, 3, s.MemtableSize)
		res, err := tree.Get("z")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), res.Value)
	})

	t.Run("should log flushes and compactions", func(t *testing.T) {
		var buf bytes.Buffer
		opts := DefaultOptions(t.TempDir())
		opts.Levels = 2
		opts.Multiplier = 2
		opts.Logger = slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		tree, err := NewKV(opts)
		require.NoError(t, err)

		for i := 0; i < 6; i++ {
			require.NoError(t, tree.Add(fmt.Sprintf("key-%02d", i), []byte("v")))
		}
		require.Contains(t, buf.String(), "flushed memtable")
		require.Contains(t, buf.String(), "compacted level")
	})
}
