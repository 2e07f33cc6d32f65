package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
)

const (
	flagLive    byte = 0
	flagTomb    byte = 1
	flagRestart byte = 2

	// copyChunkSize is the buffer size used to copy a finished
	// merge target over its run.
	copyChunkSize = 1024
)

// recordSize holds the lengths of a record's key and value. The
// file itself stores neither.
type recordSize struct {
	key   int
	value int
}

// runIndex is the in-memory side table of a run file: one size
// entry per record, a prefix sum of record offsets, and the
// membership filter. It is built as records are appended and is
// the only way to find record boundaries in the file.
type runIndex struct {
	sizes   []recordSize
	offsets []int64 // offsets[i] is where record i starts; the last entry is the file size
	filter  *runFilter
	lastKey string
}

func newRunIndex(m, k uint) *runIndex {
	return &runIndex{
		offsets: []int64{0},
		filter:  newRunFilter(m, k),
	}
}

func (x *runIndex) add(key string, valueLen int) {
	x.sizes = append(x.sizes, recordSize{key: len(key), value: valueLen})
	x.offsets = append(x.offsets, x.offsets[len(x.offsets)-1]+1+int64(len(key))+int64(valueLen))
	x.filter.add(key)
	x.lastKey = key
}

func (x *runIndex) len() int {
	return len(x.sizes)
}

// RunOptions configures a SortedRun.
type RunOptions struct {
	FilterBits   uint // Bloom filter size
	FilterHashes uint // Bloom filter probes per key
	Patchable    bool // Allow PatchTombstone
}

// SortedRun is the on-disk component of one level.
//
// Its file is a sequence of records laid out as
//
//	[flag:1][key][value]
//
// in strictly ascending key order. Records are only usable through
// the run's in-memory index, which is lost with the process.
//
// A run is rewritten as a whole through a MergeTarget and
// PromoteFrom. The only in-place write is PatchTombstone.
type SortedRun struct {
	dir   string
	level int
	path  string
	opts  RunOptions
	idx   *runIndex
}

// NewSortedRun creates the empty run for the given level in dir,
// truncating any data file already there.
func NewSortedRun(dir string, level int, opts RunOptions) (*SortedRun, error) {
	r := &SortedRun{
		dir:   dir,
		level: level,
		path:  fmtRunPath(dir, level),
		opts:  opts,
	}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

// Level returns the run's level number.
func (r *SortedRun) Level() int { return r.level }

// Path returns the path of the run's data file.
func (r *SortedRun) Path() string { return r.path }

// Size returns the number of records in the run.
func (r *SortedRun) Size() int { return r.idx.len() }

// MightContain checks the run's filter. A false result means the
// key was never written to the run.
func (r *SortedRun) MightContain(key string) bool {
	return r.idx.filter.mightContain(key)
}

// Get looks up key. The returned record may be a tombstone.
func (r *SortedRun) Get(key string) (Record[[]byte], bool, error) {
	// Check the filter before touching the disk
	if r.idx.len() == 0 || !r.MightContain(key) {
		return Record[[]byte]{}, false, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return Record[[]byte]{}, false, fmt.Errorf("%w: failed to open run %q: %w", ErrIO, r.path, err)
	}
	defer f.Close()

	// Find the first record >= key
	i, err := r.lowerBound(f, key)
	if err != nil {
		return Record[[]byte]{}, false, err
	}
	if i == r.idx.len() {
		return Record[[]byte]{}, false, nil
	}

	// The filter can lie, so compare the key itself
	rec, err := r.readRecord(f, i)
	if err != nil {
		return Record[[]byte]{}, false, err
	}
	if rec.Key != key {
		return Record[[]byte]{}, false, nil
	}
	return rec, true, nil
}

// RangeScan returns every record with start <= key <= end in
// ascending order, tombstones included.
func (r *SortedRun) RangeScan(start, end string) ([]Record[[]byte], error) {
	if r.idx.len() == 0 || start > end {
		return nil, nil
	}

	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open run %q: %w", ErrIO, r.path, err)
	}
	defer f.Close()

	// Locate the first record >= start and the last one <= end
	lo, err := r.lowerBound(f, start)
	if err != nil {
		return nil, err
	}
	hi, err := r.upperBound(f, end)
	if err != nil {
		return nil, err
	}
	hi--

	// Nothing in range?
	if lo > hi {
		return nil, nil
	}

	// Read the records between them in one pass
	off := r.idx.offsets[lo]
	sr := io.NewSectionReader(f, off, r.idx.offsets[hi+1]-off)
	br := bufio.NewReader(sr)
	out := make([]Record[[]byte], 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		rec, err := r.decodeNext(br, i)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Scan calls fn on every record in order until fn reports done.
func (r *SortedRun) Scan(fn func(rec Record[[]byte]) (done bool, err error)) error {
	itr, err := r.iterator()
	if err != nil {
		return err
	}
	defer itr.close()

	for !itr.done {
		done, err := fn(itr.current)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := itr.next(); err != nil {
			return err
		}
	}
	return nil
}

// PatchTombstone marks the record for key as deleted by rewriting
// its flag byte in place. It reports whether a live record was
// patched.
func (r *SortedRun) PatchTombstone(key string) (patched bool, err error) {
	if !r.opts.Patchable {
		return false, ErrPatchUnsupported
	}
	if r.idx.len() == 0 || !r.MightContain(key) {
		return false, nil
	}

	f, err := os.OpenFile(r.path, os.O_RDWR, 0)
	if err != nil {
		return false, fmt.Errorf("%w: failed to open run %q: %w", ErrIO, r.path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			patched = false
			err = fmt.Errorf("%w: failed to close run %q: %w", ErrIO, r.path, cerr)
		}
	}()

	i, err := r.lowerBound(f, key)
	if err != nil {
		return false, err
	}
	if i == r.idx.len() {
		return false, nil
	}
	tomb, k, err := r.readKey(f, i)
	if err != nil {
		return false, err
	}
	if k != key || tomb {
		return false, nil
	}

	if _, err := f.WriteAt([]byte{flagTomb}, r.idx.offsets[i]); err != nil {
		return false, fmt.Errorf("%w: failed to patch run %q record %d: %w", ErrIO, r.path, i, err)
	}
	return true, nil
}

// Reset truncates the run's file and clears its index.
func (r *SortedRun) Reset() error {
	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("%w: failed to create run %q: %w", ErrIO, r.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: failed to close run %q: %w", ErrIO, r.path, err)
	}
	r.idx = newRunIndex(r.opts.FilterBits, r.opts.FilterHashes)
	return nil
}

// Remove deletes the run's file and clears its index.
func (r *SortedRun) Remove() error {
	if err := os.Remove(r.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove run %q: %w", ErrIO, r.path, err)
	}
	r.idx = newRunIndex(r.opts.FilterBits, r.opts.FilterHashes)
	return nil
}

// lowerBound returns the index of the first record whose key is
// >= key, reading only keys from f.
func (r *SortedRun) lowerBound(f io.ReaderAt, key string) (int, error) {
	return r.search(f, func(k string) bool { return k >= key })
}

// upperBound returns the index of the first record whose key is
// > key.
func (r *SortedRun) upperBound(f io.ReaderAt, key string) (int, error) {
	return r.search(f, func(k string) bool { return k > key })
}

func (r *SortedRun) search(f io.ReaderAt, pred func(k string) bool) (int, error) {
	var ferr error
	i := sort.Search(r.idx.len(), func(i int) bool {
		if ferr != nil {
			return true
		}
		_, k, err := r.readKey(f, i)
		if err != nil {
			ferr = err
			return true
		}
		return pred(k)
	})
	if ferr != nil {
		return 0, ferr
	}
	return i, nil
}

// readKey reads the flag and key of record i.
func (r *SortedRun) readKey(f io.ReaderAt, i int) (bool, string, error) {
	buf := make([]byte, 1+r.idx.sizes[i].key)
	if _, err := f.ReadAt(buf, r.idx.offsets[i]); err != nil {
		return false, "", fmt.Errorf("%w: failed to read run %q key %d: %w", ErrIO, r.path, i, err)
	}
	return buf[0] == flagTomb, string(buf[1:]), nil
}

// readRecord reads the whole of record i.
func (r *SortedRun) readRecord(f io.ReaderAt, i int) (Record[[]byte], error) {
	s := r.idx.sizes[i]
	buf := make([]byte, 1+s.key+s.value)
	if _, err := f.ReadAt(buf, r.idx.offsets[i]); err != nil {
		return Record[[]byte]{}, fmt.Errorf("%w: failed to read run %q record %d: %w", ErrIO, r.path, i, err)
	}
	return decodeRecord(buf, s), nil
}

// decodeNext reads record i from a reader positioned at its start.
func (r *SortedRun) decodeNext(rd io.Reader, i int) (Record[[]byte], error) {
	s := r.idx.sizes[i]
	buf := make([]byte, 1+s.key+s.value)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return Record[[]byte]{}, fmt.Errorf("%w: failed to read run %q record %d: %w", ErrIO, r.path, i, err)
	}
	return decodeRecord(buf, s), nil
}

// decodeRecord splits a raw record. A patched tombstone may still
// carry its old value bytes; they are dropped.
func decodeRecord(buf []byte, s recordSize) Record[[]byte] {
	rec := Record[[]byte]{
		Key:     string(buf[1 : 1+s.key]),
		Tomb:    buf[0] == flagTomb,
		Restart: buf[0] == flagRestart,
	}
	if !rec.Tomb {
		rec.Value = buf[1+s.key:]
	}
	return rec
}

// runIterator reads a run's records sequentially.
type runIterator struct {
	run     *SortedRun
	idx     *runIndex
	file    *os.File
	rd      *bufio.Reader
	pos     int
	done    bool
	current Record[[]byte]
}

// iterator opens a sequential reader positioned on the first
// record.
func (r *SortedRun) iterator() (*runIterator, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open run %q: %w", ErrIO, r.path, err)
	}
	itr := &runIterator{
		run:  r,
		idx:  r.idx,
		file: f,
		rd:   bufio.NewReader(f),
		pos:  -1,
	}
	if err := itr.next(); err != nil {
		f.Close()
		return nil, err
	}
	return itr, nil
}

// next advances to the following record, setting done at the end.
func (itr *runIterator) next() error {
	itr.pos++
	if itr.pos >= itr.idx.len() {
		itr.done = true
		itr.current = Record[[]byte]{}
		return nil
	}
	rec, err := itr.run.decodeNext(itr.rd, itr.pos)
	if err != nil {
		return err
	}
	itr.current = rec
	return nil
}

func (itr *runIterator) close() error {
	return itr.file.Close()
}

// MergeTarget is the temporary run a flush or compaction writes
// into. The destination run stays readable until the target is
// promoted over it.
type MergeTarget struct {
	run  *SortedRun
	path string
	file *os.File
	w    *bufio.Writer
	idx  *runIndex
}

// BeginMerge creates an empty merge target for r in its own file.
func (r *SortedRun) BeginMerge() (*MergeTarget, error) {
	id, err := NewTempID()
	if err != nil {
		return nil, err
	}

	p := fmtTempRunPath(r.dir, r.level, id)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create merge target %q: %w", ErrIO, p, err)
	}

	return &MergeTarget{
		run:  r,
		path: p,
		file: f,
		w:    bufio.NewWriter(f),
		idx:  newRunIndex(r.opts.FilterBits, r.opts.FilterHashes),
	}, nil
}

// Append writes rec to the target. Keys must be strictly
// increasing. Tombstones are written without a value.
func (t *MergeTarget) Append(rec Record[[]byte]) error {
	if t.idx.len() > 0 && rec.Key <= t.idx.lastKey {
		return fmt.Errorf("%w: %q after %q", ErrKeyOrder, rec.Key, t.idx.lastKey)
	}

	flag := flagLive
	value := rec.Value
	switch {
	case rec.Tomb:
		flag = flagTomb
		value = nil
	case rec.Restart:
		flag = flagRestart
	}

	if err := t.w.WriteByte(flag); err != nil {
		return fmt.Errorf("%w: failed to write merge target %q: %w", ErrIO, t.path, err)
	}
	if _, err := t.w.WriteString(rec.Key); err != nil {
		return fmt.Errorf("%w: failed to write merge target %q: %w", ErrIO, t.path, err)
	}
	if _, err := t.w.Write(value); err != nil {
		return fmt.Errorf("%w: failed to write merge target %q: %w", ErrIO, t.path, err)
	}

	t.idx.add(rec.Key, len(value))
	return nil
}

// Len returns the number of records appended so far.
func (t *MergeTarget) Len() int {
	return t.idx.len()
}

// Abort discards the target and its file.
func (t *MergeTarget) Abort() error {
	cerr := t.file.Close()
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove merge target %q: %w", ErrIO, t.path, err)
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return fmt.Errorf("%w: failed to close merge target %q: %w", ErrIO, t.path, cerr)
	}
	return nil
}

// PromoteFrom replaces the contents of r with the finished target:
// the target's bytes are copied over r's file in fixed-size chunks
// and r takes over the target's index and filter.
//
// There is no rename and no fsync. A failure part way through the
// copy leaves r's file and index out of step.
func (r *SortedRun) PromoteFrom(t *MergeTarget) error {
	defer t.Abort()
	if t.run != r {
		return fmt.Errorf("merge target for level %d promoted into level %d", t.run.level, r.level)
	}

	// Flush the buffered writes and rewind
	if err := t.w.Flush(); err != nil {
		return fmt.Errorf("%w: failed to flush merge target %q: %w", ErrIO, t.path, err)
	}
	if _, err := t.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("%w: failed to seek merge target %q: %w", ErrIO, t.path, err)
	}

	// Copy the bytes over the run's file
	dst, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("%w: failed to create run %q: %w", ErrIO, r.path, err)
	}
	if err := copyChunks(dst, t.file); err != nil {
		dst.Close()
		return fmt.Errorf("%w: failed to copy %q into %q: %w", ErrIO, t.path, r.path, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: failed to close run %q: %w", ErrIO, r.path, err)
	}

	// Swap the index
	r.idx = t.idx
	return nil
}

// copyChunks copies src to dst through a copyChunkSize buffer.
func copyChunks(dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyChunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
