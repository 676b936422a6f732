package exthash

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
)

// KeyValueSerializer encodes keys and values into the fixed-width slots of a
// bucket page. KeySize and ValueSize must be constants for a given index;
// bucket capacity is derived from them.
type KeyValueSerializer[K comparable, V comparable] struct {
	KeySize   int
	ValueSize int

	SerializeKey     func(key K, buf []byte)
	DeserializeKey   func(buf []byte) K
	SerializeValue   func(value V, buf []byte)
	DeserializeValue func(buf []byte) V
}

// EntrySize is the width of one key/value slot.
func (s KeyValueSerializer[K, V]) EntrySize() int {
	return s.KeySize + s.ValueSize
}

// HashFunc maps a key to the 32-bit hash the directory indexes on.
type HashFunc[K any] func(key K) uint32

// Compare orders two keys; it returns 0 on equality, which is all the hash
// table relies on.
type Compare[K any] func(a, b K) int

// Uint64KeySerializer lays out uint64 keys little-endian.
func Uint64KeySerializer() (int, func(uint64, []byte), func([]byte) uint64) {
	return 8,
		func(k uint64, buf []byte) { binary.LittleEndian.PutUint64(buf, k) },
		func(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) }
}

// Uint64RIDSerializer is the common instantiation: uint64 keys mapping to
// record ids.
func Uint64RIDSerializer() KeyValueSerializer[uint64, pagemanager.RID] {
	keySize, serKey, deserKey := Uint64KeySerializer()
	return KeyValueSerializer[uint64, pagemanager.RID]{
		KeySize:        keySize,
		ValueSize:      8,
		SerializeKey:   serKey,
		DeserializeKey: deserKey,
		SerializeValue: func(rid pagemanager.RID, buf []byte) {
			binary.LittleEndian.PutUint32(buf[0:4], uint32(rid.PageID))
			binary.LittleEndian.PutUint32(buf[4:8], rid.SlotNum)
		},
		DeserializeValue: func(buf []byte) pagemanager.RID {
			return pagemanager.RID{
				PageID:  pagemanager.PageID(int32(binary.LittleEndian.Uint32(buf[0:4]))),
				SlotNum: binary.LittleEndian.Uint32(buf[4:8]),
			}
		},
	}
}

// Uint64Compare is the natural order on uint64 keys.
func Uint64Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Uint64Hash hashes the key's little-endian bytes with xxhash and downcasts
// to the 32 bits extendible hashing consumes.
func Uint64Hash(key uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	return uint32(xxhash.Sum64(buf[:]))
}
