package storage

import "github.com/RoaringBitmap/roaring"

// Policy resolves two entries written under the same key.
//
// It is applied by the memtable on upsert, by compaction when two
// runs hold the same key, and by reads that fold several sources.
type Policy[V any] interface {
	// Resolve combines an older and a newer entry for one key.
	Resolve(older, newer Record[V]) Record[V]

	// AccumulateOnRead reports whether a read must visit every
	// source instead of stopping at the first hit.
	AccumulateOnRead() bool
}

// Replace is the plain key/value policy: the newer entry wins.
type Replace[V any] struct{}

func (Replace[V]) Resolve(_, newer Record[V]) Record[V] { return newer }

func (Replace[V]) AccumulateOnRead() bool { return false }

// Combine merges values with an associative, commutative Union.
//
// A tombstone on the newer side wins outright. A write on top of
// a tombstone starts over from the written value and is marked
// Restart so that it keeps shadowing older levels. Two writes are
// merged with Union and the result is never a tombstone.
type Combine[V any] struct {
	Union func(a, b V) V
}

func (c Combine[V]) Resolve(older, newer Record[V]) Record[V] {
	switch {
	case newer.Tomb || newer.Restart:
		return newer
	case older.Tomb:
		newer.Restart = true
		return newer
	}
	return Record[V]{
		Key:     newer.Key,
		Value:   c.Union(older.Value, newer.Value),
		Restart: older.Restart,
	}
}

func (Combine[V]) AccumulateOnRead() bool { return true }

// UnionBitmaps returns a new bitmap holding a | b. Either side
// may be nil.
func UnionBitmaps(a, b *roaring.Bitmap) *roaring.Bitmap {
	switch {
	case a == nil && b == nil:
		return roaring.New()
	case a == nil:
		return b.Clone()
	case b == nil:
		return a.Clone()
	}
	return roaring.Or(a, b)
}

// patchable reports whether runs written under p may have
// tombstones patched in place.
func patchable[V any](p Policy[V]) bool {
	return !p.AccumulateOnRead()
}
