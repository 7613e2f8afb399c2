package mirrorlog

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
)

// bitmap is a fixed-length region bitmap. Indexes at or past the length are
// never set.
type bitmap struct {
	n    uint64
	bits *bitset.BitSet
}

func newBitmap(n uint64) *bitmap {
	return &bitmap{n: n, bits: bitset.New(uint(n))}
}

func (b *bitmap) Len() uint64 { return b.n }

func (b *bitmap) Test(i uint64) bool {
	return i < b.n && b.bits.Test(uint(i))
}

func (b *bitmap) Set(i uint64) {
	if i < b.n {
		b.bits.Set(uint(i))
	}
}

func (b *bitmap) Clear(i uint64) {
	if i < b.n {
		b.bits.Clear(uint(i))
	}
}

// SetRange sets or clears all bits in [from, b.n).
func (b *bitmap) SetRange(from uint64, v bool) {
	for i := from; i < b.n; i++ {
		b.bits.SetTo(uint(i), v)
	}
}

func (b *bitmap) Count() uint64 {
	return uint64(b.bits.Count())
}

// NextClear returns the first clear bit at or after from, or b.n if there is
// none.
func (b *bitmap) NextClear(from uint64) uint64 {
	if from >= b.n {
		return b.n
	}
	i, ok := b.bits.NextClear(uint(from))
	if !ok || uint64(i) >= b.n {
		return b.n
	}
	return uint64(i)
}

// CopyFrom replaces the content of b with the content of o. Both have the
// same length.
func (b *bitmap) CopyFrom(o *bitmap) {
	o.bits.Copy(b.bits)
}

// Size is the number of bytes of the external representation.
func (b *bitmap) Size() int {
	return int((b.n + 7) / 8)
}

// MarshalBinary encodes the bitmap with bit i at byte i/8, bit i%8. This is
// the layout of the on-disk log and of checkpoint sections.
func (b *bitmap) MarshalBinary() ([]byte, error) {
	out := make([]byte, b.Size())
	for i, e := b.bits.NextSet(0); e && uint64(i) < b.n; i, e = b.bits.NextSet(i + 1) {
		out[i/8] |= 1 << (i % 8)
	}
	return out, nil
}

// UnmarshalBinary loads an encoding produced by MarshalBinary. The size must
// match exactly.
func (b *bitmap) UnmarshalBinary(data []byte) error {
	if len(data) != b.Size() {
		return errors.Wrapf(errdefs.ErrInvalidArgument, "bad bitmap size (%d vs %d)", len(data), b.Size())
	}
	b.load(data, b.n)
	return nil
}

// load replaces the first n bits with those encoded in data, which may be
// shorter than b.Size(). Bits past n are cleared.
func (b *bitmap) load(data []byte, n uint64) {
	b.bits.ClearAll()
	if n > b.n {
		n = b.n
	}
	for i := uint64(0); i < n && i/8 < uint64(len(data)); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			b.bits.Set(uint(i))
		}
	}
}
