package exthash

import (
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bufferpool "github.com/sushant-115/kurodb/core/write_engine/buffer_pool"
	diskmanager "github.com/sushant-115/kurodb/core/write_engine/disk_manager"
	pagemanager "github.com/sushant-115/kurodb/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

// identityHash lets tests steer keys into chosen directory slots.
func identityHash(key uint64) uint32 { return uint32(key) }

func setupTable(t *testing.T, hash HashFunc[uint64]) (*ExtendibleHashTable[uint64, pagemanager.RID], *bufferpool.ParallelBufferPool) {
	t.Helper()
	dm, err := diskmanager.NewDiskManager(filepath.Join(t.TempDir(), "kurodb_test.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	pool, err := bufferpool.NewParallelBufferPool(4, 4, dm, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	ht, err := NewExtendibleHashTable(pool, Uint64RIDSerializer(), Uint64Compare, hash, zaptest.NewLogger(t))
	require.NoError(t, err)
	return ht, pool
}

// requireNoPinsLeaked asserts that every fetch was paired with an unpin.
func requireNoPinsLeaked(t *testing.T, pool *bufferpool.ParallelBufferPool) {
	t.Helper()
	for _, inst := range pool.Instances() {
		require.Zero(t, inst.PinnedFrames())
	}
}

func TestExtendibleHashTable_InsertAndGet(t *testing.T) {
	ht, pool := setupTable(t, Uint64Hash)

	for k := uint64(0); k < 50; k++ {
		ok, err := ht.Insert(k, rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for k := uint64(0); k < 50; k++ {
		vals, err := ht.GetValue(k)
		require.NoError(t, err)
		require.Equal(t, []pagemanager.RID{rid(k)}, vals)
	}

	vals, err := ht.GetValue(12345)
	require.NoError(t, err)
	require.Empty(t, vals)

	// The identical pair is rejected; the same key under a second value is
	// fine.
	ok, err := ht.Insert(7, rid(7))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = ht.Insert(7, pagemanager.RID{PageID: 9, SlotNum: 9})
	require.NoError(t, err)
	require.True(t, ok)
	vals, err = ht.GetValue(7)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	require.NoError(t, ht.VerifyIntegrity())
	requireNoPinsLeaked(t, pool)
}

func TestExtendibleHashTable_SplitOnFullBucket(t *testing.T) {
	ht, pool := setupTable(t, identityHash)
	capacity := uint64(BucketCapacity(Uint64RIDSerializer().EntrySize()))

	// Consecutive keys fill the single depth-zero bucket exactly.
	for k := uint64(0); k < capacity; k++ {
		ok, err := ht.Insert(k, rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	depth, err := ht.GlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(0), depth)

	// The next insert splits the bucket and doubles the directory.
	ok, err := ht.Insert(capacity, rid(capacity))
	require.NoError(t, err)
	require.True(t, ok)
	depth, err = ht.GlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(1), depth)

	// Every key is still reachable, exactly once.
	for k := uint64(0); k <= capacity; k++ {
		vals, err := ht.GetValue(k)
		require.NoError(t, err)
		require.Equal(t, []pagemanager.RID{rid(k)}, vals)
	}
	require.NoError(t, ht.VerifyIntegrity())
	requireNoPinsLeaked(t, pool)
}

func TestExtendibleHashTable_MergeShrinksDirectory(t *testing.T) {
	ht, pool := setupTable(t, identityHash)
	capacity := uint64(BucketCapacity(Uint64RIDSerializer().EntrySize()))

	for k := uint64(0); k <= capacity; k++ {
		ok, err := ht.Insert(k, rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	depth, err := ht.GlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(1), depth)

	// Removing every odd key empties the depth-one "1" bucket; the merge
	// folds it away and the directory shrinks back to depth zero.
	for k := uint64(1); k <= capacity; k += 2 {
		removed, err := ht.Remove(k, rid(k))
		require.NoError(t, err)
		require.True(t, removed)
	}
	depth, err = ht.GlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(0), depth)

	for k := uint64(0); k <= capacity; k++ {
		vals, err := ht.GetValue(k)
		require.NoError(t, err)
		if k%2 == 0 {
			require.Equal(t, []pagemanager.RID{rid(k)}, vals, "key %d", k)
		} else {
			require.Empty(t, vals, "key %d", k)
		}
	}
	require.NoError(t, ht.VerifyIntegrity())
	requireNoPinsLeaked(t, pool)
}

func TestExtendibleHashTable_RandomRoundTrip(t *testing.T) {
	ht, pool := setupTable(t, Uint64Hash)

	rng := rand.New(rand.NewSource(42))
	keys := make([]uint64, 0, 1000)
	seen := make(map[uint64]bool)
	for len(keys) < cap(keys) {
		k := rng.Uint64()
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	for _, k := range keys {
		ok, err := ht.Insert(k, rid(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for _, k := range keys {
		vals, err := ht.GetValue(k)
		require.NoError(t, err)
		require.Equal(t, []pagemanager.RID{rid(k)}, vals)
	}
	require.NoError(t, ht.VerifyIntegrity())

	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	for _, k := range keys {
		removed, err := ht.Remove(k, rid(k))
		require.NoError(t, err)
		require.True(t, removed)
	}

	// The drained index collapses back to a single depth-zero bucket.
	for _, k := range keys[:50] {
		vals, err := ht.GetValue(k)
		require.NoError(t, err)
		require.Empty(t, vals)
	}
	depth, err := ht.GlobalDepth()
	require.NoError(t, err)
	require.Equal(t, uint32(0), depth)
	require.NoError(t, ht.VerifyIntegrity())
	requireNoPinsLeaked(t, pool)

	// The table remains usable after draining.
	ok, err := ht.Insert(1, rid(1))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExtendibleHashTable_DirectorySaturation(t *testing.T) {
	ht, pool := setupTable(t, identityHash)
	capacity := uint64(BucketCapacity(Uint64RIDSerializer().EntrySize()))

	// Keys whose low 32 bits are zero all hash to slot 0 forever, so no
	// split can separate them: each attempt doubles the directory and fails
	// again, until the directory saturates.
	for j := uint64(1); j <= capacity; j++ {
		ok, err := ht.Insert(j<<32, pagemanager.RID{PageID: 1, SlotNum: uint32(j)})
		require.NoError(t, err)
		require.True(t, ok)
	}

	overflow := (capacity + 1) << 32
	for attempt := 0; attempt < 12; attempt++ {
		ok, err := ht.Insert(overflow, pagemanager.RID{PageID: 2, SlotNum: 2})
		require.NoError(t, err)
		require.False(t, ok)
	}

	// The directory never exceeds its array bound and stays consistent.
	depth, err := ht.GlobalDepth()
	require.NoError(t, err)
	require.LessOrEqual(t, uint32(1)<<depth, uint32(DirectoryArraySize))
	require.NoError(t, ht.VerifyIntegrity())

	// Nothing was lost along the way.
	for j := uint64(1); j <= 5; j++ {
		vals, err := ht.GetValue(j << 32)
		require.NoError(t, err)
		require.Len(t, vals, 1)
	}
	requireNoPinsLeaked(t, pool)
}
