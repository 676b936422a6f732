package exthash

import (
	"math/bits"

	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
)

// Bucket page layout:
//
//	uint8 occupied[(capacity+7)/8]   // slot was ever used
//	uint8 readable[(capacity+7)/8]   // slot currently holds a live entry
//	entry array[capacity]            // fixed-width key/value pairs
//
// A slot is live iff both bits are set; occupied-but-not-readable slots are
// tombstones. Bit order is MSB-first: slot 0 is the high bit of byte 0.
type BucketPage[K comparable, V comparable] struct {
	data     []byte
	ser      KeyValueSerializer[K, V]
	capacity int
}

// BucketCapacity returns how many entries of the given width fit a page next
// to the two bitmaps.
func BucketCapacity(entrySize int) int {
	return 4 * pagemanager.PageSize / (4*entrySize + 1)
}

// NewBucketPage wraps a fetched page as a bucket view. Callers must hold the
// table latch and keep the frame pinned for the lifetime of the view.
func NewBucketPage[K comparable, V comparable](page *pagemanager.Page, ser KeyValueSerializer[K, V]) *BucketPage[K, V] {
	return &BucketPage[K, V]{
		data:     page.Data(),
		ser:      ser,
		capacity: BucketCapacity(ser.EntrySize()),
	}
}

// Capacity is the number of entry slots on this bucket page.
func (b *BucketPage[K, V]) Capacity() int { return b.capacity }

func (b *BucketPage[K, V]) bitmapLen() int { return (b.capacity + 7) / 8 }

func (b *BucketPage[K, V]) occupiedByte(i int) *byte { return &b.data[i/8] }

func (b *BucketPage[K, V]) readableByte(i int) *byte { return &b.data[b.bitmapLen()+i/8] }

func bitMask(i int) byte { return 0x80 >> (i % 8) }

// IsOccupied reports whether slot i was ever used.
func (b *BucketPage[K, V]) IsOccupied(i int) bool {
	return *b.occupiedByte(i)&bitMask(i) != 0
}

// IsReadable reports whether slot i holds a live entry.
func (b *BucketPage[K, V]) IsReadable(i int) bool {
	return *b.readableByte(i)&bitMask(i) != 0
}

func (b *BucketPage[K, V]) setOccupied(i int) { *b.occupiedByte(i) |= bitMask(i) }

func (b *BucketPage[K, V]) setReadable(i int) { *b.readableByte(i) |= bitMask(i) }

func (b *BucketPage[K, V]) clearReadable(i int) { *b.readableByte(i) &^= bitMask(i) }

func (b *BucketPage[K, V]) entrySlice(i int) []byte {
	off := 2*b.bitmapLen() + i*b.ser.EntrySize()
	return b.data[off : off+b.ser.EntrySize()]
}

// KeyAt decodes the key stored in slot i.
func (b *BucketPage[K, V]) KeyAt(i int) K {
	return b.ser.DeserializeKey(b.entrySlice(i)[:b.ser.KeySize])
}

// ValueAt decodes the value stored in slot i.
func (b *BucketPage[K, V]) ValueAt(i int) V {
	return b.ser.DeserializeValue(b.entrySlice(i)[b.ser.KeySize:])
}

// GetValue collects the values of every live entry whose key compares equal.
func (b *BucketPage[K, V]) GetValue(key K, cmp Compare[K]) []V {
	var result []V
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(key, b.KeyAt(i)) == 0 {
			result = append(result, b.ValueAt(i))
		}
	}
	return result
}

// Insert places the pair into the first non-readable slot. It fails when the
// identical pair is already live (duplicate) or when no slot is free (the
// bucket is full).
func (b *BucketPage[K, V]) Insert(key K, value V, cmp Compare[K]) bool {
	freeSlot := -1
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			if cmp(key, b.KeyAt(i)) == 0 && value == b.ValueAt(i) {
				return false
			}
			continue
		}
		if freeSlot == -1 {
			freeSlot = i
		}
	}
	if freeSlot == -1 {
		return false
	}
	entry := b.entrySlice(freeSlot)
	b.ser.SerializeKey(key, entry[:b.ser.KeySize])
	b.ser.SerializeValue(value, entry[b.ser.KeySize:])
	b.setOccupied(freeSlot)
	b.setReadable(freeSlot)
	return true
}

// Remove tombstones the first live entry matching the pair.
func (b *BucketPage[K, V]) Remove(key K, value V, cmp Compare[K]) bool {
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) && cmp(key, b.KeyAt(i)) == 0 && value == b.ValueAt(i) {
			b.RemoveAt(i)
			return true
		}
	}
	return false
}

// RemoveAt tombstones slot i unconditionally: the readable bit clears, the
// occupied bit stays.
func (b *BucketPage[K, V]) RemoveAt(i int) { b.clearReadable(i) }

// NumReadable counts live entries.
func (b *BucketPage[K, V]) NumReadable() int {
	n := 0
	for i := 0; i < b.bitmapLen(); i++ {
		n += bits.OnesCount8(b.data[i] & b.data[b.bitmapLen()+i])
	}
	return n
}

// IsFull reports whether every slot holds a live entry.
func (b *BucketPage[K, V]) IsFull() bool { return b.NumReadable() == b.capacity }

// IsEmpty reports whether no slot holds a live entry. Tombstones do not
// count; an all-tombstone bucket is empty and merge-eligible.
func (b *BucketPage[K, V]) IsEmpty() bool { return b.NumReadable() == 0 }

// ReadableEntries snapshots all live pairs, for the split rehash.
func (b *BucketPage[K, V]) ReadableEntries() ([]K, []V) {
	keys := make([]K, 0, b.capacity)
	values := make([]V, 0, b.capacity)
	for i := 0; i < b.capacity; i++ {
		if b.IsReadable(i) {
			keys = append(keys, b.KeyAt(i))
			values = append(values, b.ValueAt(i))
		}
	}
	return keys, values
}

// Reset clears both bitmaps, leaving every slot free.
func (b *BucketPage[K, V]) Reset() {
	for i := 0; i < 2*b.bitmapLen(); i++ {
		b.data[i] = 0
	}
}
