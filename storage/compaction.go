package storage

import (
	"fmt"
	"math"
)

// mergeSource is an ascending stream of raw records.
type mergeSource interface {
	isDone() bool
	head() Record[[]byte]
	advance() error
}

func (itr *runIterator) isDone() bool         { return itr.done }
func (itr *runIterator) head() Record[[]byte] { return itr.current }
func (itr *runIterator) advance() error       { return itr.next() }

// sliceSource streams records already held in memory.
type sliceSource struct {
	recs []Record[[]byte]
	pos  int
}

func (s *sliceSource) isDone() bool         { return s.pos >= len(s.recs) }
func (s *sliceSource) head() Record[[]byte] { return s.recs[s.pos] }
func (s *sliceSource) advance() error       { s.pos++; return nil }

// rawResolver resolves two encoded records under one key.
type rawResolver func(older, newer Record[[]byte]) (Record[[]byte], error)

// mergeJoin writes the union of two ascending streams into dst in
// key order. Records present in both streams are resolved into a
// single record.
func mergeJoin(older, newer mergeSource, dst *MergeTarget, resolve rawResolver) error {
	for !older.isDone() || !newer.isDone() {
		var (
			out                Record[[]byte]
			takeOlder, takeNew bool
		)

		switch {
		case older.isDone():
			out, takeNew = newer.head(), true
		case newer.isDone():
			out, takeOlder = older.head(), true
		case older.head().Key < newer.head().Key:
			out, takeOlder = older.head(), true
		case older.head().Key > newer.head().Key:
			out, takeNew = newer.head(), true
		default:
			r, err := resolve(older.head(), newer.head())
			if err != nil {
				return err
			}
			out, takeOlder, takeNew = r, true, true
		}

		if err := dst.Append(out); err != nil {
			return err
		}
		if takeOlder {
			if err := older.advance(); err != nil {
				return err
			}
		}
		if takeNew {
			if err := newer.advance(); err != nil {
				return err
			}
		}
	}
	return nil
}

// levelCapacity returns multiplier^(level+2), saturating instead
// of overflowing.
func levelCapacity(multiplier, level int) int {
	c := 1
	for i := 0; i < level+2; i++ {
		if multiplier > 1 && c > math.MaxInt/multiplier {
			return math.MaxInt
		}
		c *= multiplier
	}
	return c
}

// compact runs the flush and a single cascade pass. It is called at
// the end of every Add.
func (t *LSMTree[V]) compact() error {
	if err := t.maybeFlush(); err != nil {
		return err
	}
	for i := 0; i < len(t.levels)-1; i++ {
		if t.levels[i].Size() <= levelCapacity(t.opts.Multiplier, i) {
			continue
		}
		if err := t.cascade(i); err != nil {
			return err
		}
	}
	return nil
}

// maybeFlush merges the memtable into level 0 once it holds more
// entries than the flush threshold. Level 0 is always rewritten in
// full.
func (t *LSMTree[V]) maybeFlush() error {
	if len(t.levels) == 0 || t.memtable.Size() <= t.opts.flushThreshold() {
		return nil
	}

	// Encode the memtable contents
	entries := t.memtable.Entries()
	recs := make([]Record[[]byte], len(entries))
	for i, e := range entries {
		r, err := t.encode(e)
		if err != nil {
			return err
		}
		recs[i] = r
	}

	// Merge them with level 0
	l0 := t.levels[0]
	if err := t.mergeInto(l0, &sliceSource{recs: recs}); err != nil {
		t.logger.Error("memtable flush failed", "records", len(recs), "error", err)
		return fmt.Errorf("failed to flush memtable: %w", err)
	}

	// Only now is it safe to drop the memtable
	t.memtable.Reset()
	t.flushes++
	t.logger.Debug("flushed memtable", "records", len(recs), "level0_size", l0.Size())
	return nil
}

// cascade merges level i into level i+1 and empties level i.
func (t *LSMTree[V]) cascade(i int) error {
	upper, lower := t.levels[i], t.levels[i+1]

	itr, err := upper.iterator()
	if err != nil {
		return err
	}
	err = t.mergeInto(lower, itr)
	if cerr := itr.close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: failed to close run %q: %w", ErrIO, upper.Path(), cerr)
	}
	if err != nil {
		t.logger.Error("level compaction failed", "level", i, "error", err)
		return fmt.Errorf("failed to compact level %d into %d: %w", i, i+1, err)
	}
	if err := upper.Reset(); err != nil {
		return err
	}

	t.compactions[i]++
	t.logger.Debug("compacted level", "level", i, "next_level_size", lower.Size())
	return nil
}

// mergeInto merge-joins the current contents of dst with the newer
// stream into a merge target, then promotes the target into dst.
func (t *LSMTree[V]) mergeInto(dst *SortedRun, newer mergeSource) error {
	tgt, err := dst.BeginMerge()
	if err != nil {
		return err
	}

	itr, err := dst.iterator()
	if err != nil {
		tgt.Abort()
		return err
	}
	err = mergeJoin(itr, newer, tgt, t.resolveRaw)
	if cerr := itr.close(); err == nil && cerr != nil {
		err = fmt.Errorf("%w: failed to close run %q: %w", ErrIO, dst.Path(), cerr)
	}
	if err != nil {
		tgt.Abort()
		return err
	}

	return dst.PromoteFrom(tgt)
}

// resolveRaw applies the policy to two encoded records.
func (t *LSMTree[V]) resolveRaw(older, newer Record[[]byte]) (Record[[]byte], error) {
	o, err := t.decode(older)
	if err != nil {
		return Record[[]byte]{}, err
	}
	n, err := t.decode(newer)
	if err != nil {
		return Record[[]byte]{}, err
	}
	return t.encode(t.policy.Resolve(o, n))
}

func (t *LSMTree[V]) encode(r Record[V]) (Record[[]byte], error) {
	if r.Tomb {
		return Record[[]byte]{Key: r.Key, Tomb: true}, nil
	}
	b, err := t.codec.Encode(r.Value)
	if err != nil {
		return Record[[]byte]{}, fmt.Errorf("failed to encode value for key %q: %w", r.Key, err)
	}
	return Record[[]byte]{Key: r.Key, Value: b, Restart: r.Restart}, nil
}

func (t *LSMTree[V]) decode(r Record[[]byte]) (Record[V], error) {
	if r.Tomb {
		return Record[V]{Key: r.Key, Tomb: true}, nil
	}
	v, err := t.codec.Decode(r.Value)
	if err != nil {
		return Record[V]{}, fmt.Errorf("failed to decode value for key %q: %w", r.Key, err)
	}
	return Record[V]{Key: r.Key, Value: v, Restart: r.Restart}, nil
}
