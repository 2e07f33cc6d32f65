package storage

import (
	"bytes"
	"fmt"

	"github.com/RoaringBitmap/roaring"
	"github.com/golang/snappy"
)

// Codec converts values to and from the bytes stored in a run.
//
// Clone returns a copy of v that shares no memory with it. The
// tree keeps a clone of every value it is given, so callers may
// reuse their buffers after Add returns.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(b []byte) (V, error)
	Clone(v V) V
}

// BytesCodec stores byte slices as-is.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }

func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

func (BytesCodec) Clone(v []byte) []byte { return bytes.Clone(v) }

// BitmapCodec stores roaring bitmaps in their portable format.
type BitmapCodec struct{}

func (BitmapCodec) Encode(v *roaring.Bitmap) ([]byte, error) {
	if v == nil {
		v = roaring.New()
	}
	return v.ToBytes()
}

func (BitmapCodec) Decode(b []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(b) == 0 {
		return bm, nil
	}
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("failed to decode bitmap: %w", err)
	}
	return bm, nil
}

func (BitmapCodec) Clone(v *roaring.Bitmap) *roaring.Bitmap {
	if v == nil {
		return nil
	}
	return v.Clone()
}

// snappyCodec compresses the output of another codec.
type snappyCodec[V any] struct {
	inner Codec[V]
}

func (c snappyCodec[V]) Encode(v V) ([]byte, error) {
	b, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, b), nil
}

func (c snappyCodec[V]) Decode(b []byte) (V, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("failed to decompress value: %w", err)
	}
	return c.inner.Decode(raw)
}

func (c snappyCodec[V]) Clone(v V) V { return c.inner.Clone(v) }

// withCompression wraps c according to the named compression.
func withCompression[V any](c Codec[V], name string) Codec[V] {
	if name == CompressionSnappy {
		return snappyCodec[V]{inner: c}
	}
	return c
}
