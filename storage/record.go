package storage

import (
	"encoding/binary"
	"fmt"
)

// Uint32KeySize is the width of an encoded fixed-width integer key.
const Uint32KeySize = 4

// Record is a single entry in the memtable or a sorted run.
//
// A record with Tomb set marks Key as deleted. Its Value is the
// zero value and is never written to disk.
//
// Restart marks a live value written on top of a deletion. It
// shadows every older entry for Key, so reads stop there and
// merges never union into it from below.
type Record[V any] struct {
	Key     string
	Value   V
	Tomb    bool
	Restart bool
}

// Result is the outcome of a point lookup.
//
// Found is false when no source holds the key. Deleted is true
// when the most authoritative source holds a tombstone for it;
// neither case is an error.
type Result[V any] struct {
	Found   bool
	Value   V
	Deleted bool
}

// KV is a live key/value pair returned by a range query.
type KV[V any] struct {
	Key   string
	Value V
}

// Uint32Key encodes n as a 4-byte big-endian key, so that the
// byte order of encoded keys matches the numeric order.
func Uint32Key(n uint32) string {
	var b [Uint32KeySize]byte
	binary.BigEndian.PutUint32(b[:], n)
	return string(b[:])
}

// KeyUint32 decodes a key produced by Uint32Key.
func KeyUint32(k string) (uint32, error) {
	if len(k) != Uint32KeySize {
		return 0, fmt.Errorf("key has %d bytes, expected %d", len(k), Uint32KeySize)
	}
	return binary.BigEndian.Uint32([]byte(k)), nil
}

func resultOf[V any](r Record[V]) Result[V] {
	if r.Tomb {
		return Result[V]{Found: true, Deleted: true}
	}
	return Result[V]{Found: true, Value: r.Value}
}
