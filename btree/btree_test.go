package btree

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts Options) *BTree {
	t.Helper()
	bt, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bt.Close() })
	return bt
}

func insert(t *testing.T, bt *BTree, key, value string) {
	t.Helper()
	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	loc, err := bt.LocateLeafLocked([]byte(key))
	require.NoError(t, err)
	require.NoError(t, bt.InsertAtLeafLocked(loc, []byte(key), []byte(value), false))
}

func remove(t *testing.T, bt *BTree, key string) bool {
	t.Helper()
	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	found, err := bt.DeleteLocked([]byte(key), false)
	require.NoError(t, err)
	return found
}

func keys(t *testing.T, bt *BTree) []string {
	t.Helper()
	e, err := bt.Enumerate(context.Background(), false)
	require.NoError(t, err)
	defer e.Close()

	var out []string
	for e.Next() {
		out = append(out, string(e.Key()))
	}
	require.NoError(t, e.Err())
	return out
}

func rank(t *testing.T, bt *BTree, key string) (uint64, error) {
	t.Helper()
	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	defer release()
	return bt.RankLocked([]byte(key))
}

func TestInsertEnumeratesInOrder(t *testing.T) {
	bt := openTest(t, Options{Order: 2})

	perm := rand.New(rand.NewSource(1)).Perm(300)
	want := make([]string, 0, len(perm))
	for _, i := range perm {
		k := fmt.Sprintf("key_%04d", i)
		insert(t, bt, k, "v"+k)
		want = append(want, k)
	}
	sort.Strings(want)

	assert.Equal(t, want, keys(t, bt))
	assert.Equal(t, uint64(300), bt.Count())

	v, err := bt.Find(context.Background(), []byte("key_0123"))
	require.NoError(t, err)
	assert.Equal(t, "vkey_0123", string(v))

	_, err = bt.Find(context.Background(), []byte("missing"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRankMatchesSortedPosition(t *testing.T) {
	bt := openTest(t, Options{Order: 3})

	var all []string
	for _, i := range rand.New(rand.NewSource(2)).Perm(200) {
		k := fmt.Sprintf("k%03d", i)
		insert(t, bt, k, "")
		all = append(all, k)
	}
	sort.Strings(all)

	for i, k := range all {
		r, err := rank(t, bt, k)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), r, k)
	}

	_, err := rank(t, bt, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRebalancesAndKeepsRanks(t *testing.T) {
	bt := openTest(t, Options{Order: 2})

	var live []string
	for i := 0; i < 150; i++ {
		k := fmt.Sprintf("k%03d", i)
		insert(t, bt, k, k)
		live = append(live, k)
	}

	r := rand.New(rand.NewSource(3))
	for len(live) > 10 {
		i := r.Intn(len(live))
		assert.True(t, remove(t, bt, live[i]))
		assert.False(t, remove(t, bt, live[i]), "second delete finds nothing")
		live = append(live[:i], live[i+1:]...)
	}

	assert.Equal(t, live, keys(t, bt))
	assert.Equal(t, uint64(len(live)), bt.Count())
	for i, k := range live {
		got, err := rank(t, bt, k)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), got)
	}

	for _, k := range live {
		assert.True(t, remove(t, bt, k))
	}
	assert.Empty(t, keys(t, bt))
	assert.Equal(t, uint64(0), bt.Count())
}

func TestDeleteByPrefix(t *testing.T) {
	bt := openTest(t, Options{Order: 2})
	for _, k := range []string{"apple", "banana", "band", "cherry"} {
		insert(t, bt, k, "")
	}

	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	found, err := bt.DeleteLocked([]byte("ban"), true)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = bt.DeleteLocked([]byte("dat"), true)
	require.NoError(t, err)
	assert.False(t, found)
	release()

	assert.Equal(t, []string{"apple", "band", "cherry"}, keys(t, bt))
}

func TestDuplicateKeys(t *testing.T) {
	bt := openTest(t, Options{Order: 2})
	insert(t, bt, "a", "1")

	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	loc, err := bt.LocateLeafLocked([]byte("a"))
	require.NoError(t, err)
	assert.True(t, loc.Exists)
	assert.ErrorIs(t, bt.InsertAtLeafLocked(loc, []byte("a"), []byte("2"), false), ErrKeyExists)
	require.NoError(t, bt.InsertAtLeafLocked(loc, []byte("a"), []byte("2"), true))
	assert.Equal(t, uint64(2), bt.Count())
}

func TestLocationIsStaleAfterReleaseOrMutation(t *testing.T) {
	bt := openTest(t, Options{})
	ctx := context.Background()

	release, err := bt.Lock(ctx)
	require.NoError(t, err)
	loc, err := bt.LocateLeafLocked([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, bt.InsertLocked([]byte("b"), nil, false))
	assert.ErrorIs(t, bt.InsertAtLeafLocked(loc, []byte("a"), nil, false), ErrStaleLocation)

	loc, err = bt.LocateLeafLocked([]byte("a"))
	require.NoError(t, err)
	assert.ErrorIs(t, bt.InsertAtLeafLocked(loc, []byte("c"), nil, false), ErrStaleLocation)
	release()

	release, err = bt.Lock(ctx)
	require.NoError(t, err)
	defer release()
	assert.ErrorIs(t, bt.InsertAtLeafLocked(loc, []byte("a"), nil, false), ErrStaleLocation)
}

func TestLockedOperationsRequireLock(t *testing.T) {
	bt := openTest(t, Options{})

	_, err := bt.LocateLeafLocked([]byte("a"))
	assert.ErrorIs(t, err, ErrNotLocked)
	_, err = bt.DeleteLocked([]byte("a"), false)
	assert.ErrorIs(t, err, ErrNotLocked)
	_, err = bt.RankLocked([]byte("a"))
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestKeyLimits(t *testing.T) {
	bt := openTest(t, Options{InlineSizeLimit: 8})

	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = bt.LocateLeafLocked([]byte("123456789"))
	assert.ErrorIs(t, err, ErrKeyTooLarge)
	_, err = bt.LocateLeafLocked(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestLockTimeout(t *testing.T) {
	bt := openTest(t, Options{LockTimeout: 50 * time.Millisecond})

	release, err := bt.Lock(context.Background())
	require.NoError(t, err)

	_, err = bt.Lock(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = bt.Lock(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	release()

	release, err = bt.Lock(context.Background())
	require.NoError(t, err)
	release()
}

func TestUnlockedEnumeratorInvalidated(t *testing.T) {
	bt := openTest(t, Options{Order: 2})
	for i := 0; i < 10; i++ {
		insert(t, bt, fmt.Sprintf("k%d", i), "")
	}

	e, err := bt.Enumerate(context.Background(), false)
	require.NoError(t, err)
	defer e.Close()

	require.True(t, e.Next())
	assert.Equal(t, "k0", string(e.Key()))

	insert(t, bt, "k10", "")

	assert.False(t, e.Next())
	assert.ErrorIs(t, e.Err(), ErrInvalidated)
	assert.False(t, e.Next())
	assert.ErrorIs(t, e.Err(), ErrInvalidated)
	assert.Nil(t, e.Key())
}

func TestLockedEnumeratorBlocksWriters(t *testing.T) {
	bt := openTest(t, Options{LockTimeout: 50 * time.Millisecond})
	insert(t, bt, "a", "")

	e, err := bt.Enumerate(context.Background(), true)
	require.NoError(t, err)

	_, err = bt.Lock(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.True(t, e.Next())
	assert.False(t, e.Next())
	require.NoError(t, e.Err())

	e.Close()
	e.Close()

	insert(t, bt, "b", "")
	assert.Equal(t, []string{"a", "b"}, keys(t, bt))
}

func TestLargeValuesGoToBlobs(t *testing.T) {
	bt := openTest(t, Options{BlobThreshold: 16})
	big := bytes.Repeat([]byte("payload-"), 100)

	release, err := bt.Lock(context.Background())
	require.NoError(t, err)
	require.NoError(t, bt.InsertLocked([]byte("big"), big, false))

	v, err := bt.FindLocked([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, big, v)

	require.NoError(t, bt.UpdateLocked([]byte("big"), []byte("small")))
	v, err = bt.FindLocked([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, "small", string(v))
	release()

	blobs, err := os.ReadDir(filepath.Join(bt.PageDir, "blobs"))
	require.NoError(t, err)
	assert.Empty(t, blobs, "replaced blob is removed")
}

func TestCorruptBlobIsStorageFault(t *testing.T) {
	bt := openTest(t, Options{BlobThreshold: 4})
	insert(t, bt, "k", "a value larger than the threshold")

	p := filepath.Join(bt.PageDir, "blobs", "blob_1.bin")
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	data[5] ^= 0xff
	require.NoError(t, os.WriteFile(p, data, 0644))

	_, err = bt.Find(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, ErrStorageFault)
}

func TestReopenKeepsContents(t *testing.T) {
	dir := t.TempDir()
	bt, err := Open(dir, Options{Order: 2})
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		insert(t, bt, fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
	require.NoError(t, bt.Close())
	require.NoError(t, bt.Close())

	_, err = bt.Find(context.Background(), []byte("k01"))
	assert.ErrorIs(t, err, ErrClosed)

	bt, err = Open(dir, Options{Order: 7})
	require.NoError(t, err)
	defer bt.Close()

	assert.Equal(t, 2, bt.Options.Order, "order is fixed on disk")
	assert.Equal(t, uint64(40), bt.Count())
	v, err := bt.Find(context.Background(), []byte("k39"))
	require.NoError(t, err)
	assert.Equal(t, "39", string(v))
}

func TestClear(t *testing.T) {
	bt := openTest(t, Options{Order: 2, BlobThreshold: 4})
	for i := 0; i < 30; i++ {
		insert(t, bt, fmt.Sprintf("k%02d", i), "long value")
	}

	require.NoError(t, bt.Clear(context.Background()))
	assert.Empty(t, keys(t, bt))
	assert.Equal(t, uint64(0), bt.Count())

	insert(t, bt, "again", "")
	assert.Equal(t, []string{"again"}, keys(t, bt))
}

func TestOpenRejectsBadOptions(t *testing.T) {
	_, err := Open(t.TempDir(), Options{Encrypted: true})
	assert.ErrorIs(t, err, ErrEncryptionUnsupported)

	_, err = Open(t.TempDir(), Options{Order: 1})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
