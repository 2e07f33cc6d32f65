// Package storage provides an embedded, ordered key/value store
// built as a log-structured merge tree.
//
// The main type is the LSMTree, which is built on top of a
// Memtable and a fixed chain of SortedRuns, one per level. The same
// tree backs a plain key/value store (NewKV) and a posting-list
// store whose values are unioned instead of replaced
// (NewPostingStore).
//
// # Disk Layout
//
// A tree is stored with the following structure:
//
//	path/to/tree/
//	├── level-0000.run
//	├── level-0001.run
//	├── ...
//	└── level-NNNN-{{ UUID }}.tmp
//
// There is one data file per level. A .tmp file exists only while a
// flush or compaction is writing the next version of a level.
//
// Each data file is a plain sequence of records, in ascending key
// order:
//
//	[flag:1][key][value]
//
// where flag is 1 for a tombstone, 2 for a value that was written
// over a deletion and shadows everything older, and 0 otherwise.
// Neither record boundaries nor key and value lengths are stored;
// they live in an index kept in memory next to each run, along with
// its Bloom filter. Nothing else is persisted, so the files are only readable
// by the process that wrote them. There is no write-ahead log, no
// fsync and no recovery after a crash.
package storage
