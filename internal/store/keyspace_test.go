package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/faizanhussain2310/keyvaultd/internal/snapshot"
)

func newTestKeyspace(t *testing.T) *Keyspace {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.sdb")
	snap := snapshot.New(path, nil)
	require.NoError(t, snap.Initialize())
	return New(snap, 0, nil)
}

func TestSetThenGet(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("k1", "v1", SetOptions{}))

	v, ok := ks.Get("k1")
	require.True(t, ok)
	require.Equal(t, "v1", v)
}

func TestGetMissReturnsFalse(t *testing.T) {
	ks := newTestKeyspace(t)
	_, ok := ks.Get("missing")
	require.False(t, ok)
}

func TestExpiredEntryIsReapedOnGet(t *testing.T) {
	ks := newTestKeyspace(t)
	ttl := -time.Second
	require.NoError(t, ks.Set("k", "v", SetOptions{TTL: &ttl}))

	_, ok := ks.Get("k")
	require.False(t, ok)
	require.Equal(t, 0, ks.Size())
}

func TestCASSucceedsOnMatch(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("n", "11", SetOptions{}))

	expected := int64(11)
	require.NoError(t, ks.Set("n", "99", SetOptions{CAS: &expected}))

	v, _ := ks.Get("n")
	require.Equal(t, "99", v)
}

func TestCASFailsOnMismatch(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("n", "11", SetOptions{}))

	wrong := int64(5)
	err := ks.Set("n", "99", SetOptions{CAS: &wrong})
	require.ErrorIs(t, err, ErrCASFailed)

	v, _ := ks.Get("n")
	require.Equal(t, "11", v, "failed CAS must not mutate the value")
}

func TestIncrRequiresExistingKey(t *testing.T) {
	ks := newTestKeyspace(t)
	_, err := ks.Incr("absent")
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestIncrByAddsToCurrentValue(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("n", "10", SetOptions{}))

	v, err := ks.IncrBy("n", 5)
	require.NoError(t, err)
	require.Equal(t, int64(15), v)
}

func TestIncrOnNonIntegerFails(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("s", "hello", SetOptions{}))

	_, err := ks.Incr("s")
	require.ErrorIs(t, err, ErrNotInteger)
}

func TestDelReturnsCountAndRemovesEntries(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("a", "1", SetOptions{}))
	require.NoError(t, ks.Set("b", "2", SetOptions{}))

	n, err := ks.Del("a", "b", "missing")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, ok := ks.Get("a")
	require.False(t, ok)
}

func TestCopyDuplicatesValue(t *testing.T) {
	ks := newTestKeyspace(t)
	require.NoError(t, ks.Set("src", "val", SetOptions{}))

	ok, err := ks.Copy("src", "dst", nil)
	require.NoError(t, err)
	require.True(t, ok)

	v, ok := ks.Get("dst")
	require.True(t, ok)
	require.Equal(t, "val", v)
}

func TestCopyMissingSourceFails(t *testing.T) {
	ks := newTestKeyspace(t)
	_, err := ks.Copy("absent", "dst", nil)
	require.ErrorIs(t, err, ErrSourceKeyNotFound)
}

func TestGetTTLReportsAbsentAndPersistent(t *testing.T) {
	ks := newTestKeyspace(t)

	_, ttl, found := ks.GetTTL("absent")
	require.False(t, found)
	require.Equal(t, int64(-1), ttl)

	require.NoError(t, ks.Set("k", "v", SetOptions{}))
	v, ttl, found := ks.GetTTL("k")
	require.True(t, found)
	require.Equal(t, "v", v)
	require.Equal(t, int64(-1), ttl)
}

func TestBulkSetAndBulkGetPreserveOrder(t *testing.T) {
	ks := newTestKeyspace(t)
	ks.BulkSet([]KV{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}})

	results := ks.BulkGet([]string{"a", "missing", "b"})
	require.Len(t, results, 3)
	require.Equal(t, GetResult{Key: "a", Value: "1", Found: true}, results[0])
	require.Equal(t, GetResult{Key: "missing", Found: false}, results[1])
	require.Equal(t, GetResult{Key: "b", Value: "2", Found: true}, results[2])
}

func TestSweepReapsExpiredEntries(t *testing.T) {
	ks := newTestKeyspace(t)
	ttl := -time.Second
	require.NoError(t, ks.Set("k", "v", SetOptions{TTL: &ttl}))

	reaped, evicted := ks.Sweep()
	require.Equal(t, 1, reaped)
	require.Equal(t, 0, evicted)
	require.Equal(t, 0, ks.Size())
}

func TestSweepEnforcesMaxKeysCap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.sdb")
	snap := snapshot.New(path, nil)
	require.NoError(t, snap.Initialize())
	ks := New(snap, 3, nil)

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, ks.Set(k, "v", SetOptions{}))
	}

	_, evicted := ks.Sweep()
	require.Equal(t, 2, evicted)
	require.LessOrEqual(t, ks.Size(), 3)
}

func TestGetFallsBackToSnapshotOnMiss(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.sdb")
	snap := snapshot.New(path, nil)
	require.NoError(t, snap.Initialize())
	require.NoError(t, snap.Save("k", "from-disk", 0))

	ks := New(snap, 0, nil)
	v, ok := ks.Get("k")
	require.True(t, ok)
	require.Equal(t, "from-disk", v)
}
