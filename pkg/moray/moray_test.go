// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package moray

import (
	"context"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manta-io/muskie/internal/testcontext"
)

func TestStoreConditionalWrites(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()

	md := &Metadata{Key: "/poseidon/stor/foo", Type: "object", OwnerUUID: "o1"}
	require.NoError(t, store.PutMetadata(ctx, md, PutOptions{RequireNew: true}))
	require.NotEmpty(t, md.Etag)
	firstEtag := md.Etag

	// second create collides
	err := store.PutMetadata(ctx, &Metadata{Key: md.Key}, PutOptions{RequireNew: true})
	require.True(t, ErrUniqueAttribute.Has(err))

	// conditional overwrite with stale etag
	err = store.PutMetadata(ctx, &Metadata{Key: md.Key}, PutOptions{Etag: "stale"})
	require.True(t, ErrEtagConflict.Has(err))

	// conditional overwrite with the current etag rotates it
	update := &Metadata{Key: md.Key, Type: "object"}
	require.NoError(t, store.PutMetadata(ctx, update, PutOptions{Etag: firstEtag}))
	require.NotEqual(t, firstEtag, update.Etag)

	// conditional delete
	err = store.DeleteMetadata(ctx, md.Key, PutOptions{Etag: firstEtag})
	require.True(t, ErrEtagConflict.Has(err))
	require.NoError(t, store.DeleteMetadata(ctx, md.Key, PutOptions{Etag: update.Etag}))

	_, err = store.GetMetadata(ctx, md.Key)
	require.True(t, ErrObjectNotFound.Has(err))
}

func TestStoreListDirectory(t *testing.T) {
	ctx := context.Background()
	store := NewTestStore()

	require.NoError(t, store.PutMetadata(ctx, &Metadata{Key: "/poseidon/stor/sub", Type: "directory"}, PutOptions{}))
	for _, key := range []string{
		"/poseidon/stor/a",
		"/poseidon/stor/b",
		"/poseidon/stor/c",
		"/poseidon/stor/sub/nested",
		"/poseidon/public/other",
	} {
		require.NoError(t, store.PutMetadata(ctx, &Metadata{Key: key, Type: "object"}, PutOptions{}))
	}

	entries, err := store.ListDirectory(ctx, "/poseidon/stor", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 4) // a, b, c, sub — not sub/nested

	// paging by marker, which is an entry name
	entries, err = store.ListDirectory(ctx, "/poseidon/stor", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	entries, err = store.ListDirectory(ctx, "/poseidon/stor", ListOptions{Marker: path.Base(entries[1].Key)})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "/poseidon/stor/c", entries[0].Key)
	require.Equal(t, "/poseidon/stor/sub", entries[1].Key)
}

func TestBoltStoreListDirectoryPaging(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := NewBoltStore(ctx.File("shard", "metadata.db"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	for _, name := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.PutMetadata(ctx,
			&Metadata{Key: "/poseidon/stor/" + name, Type: "object"}, PutOptions{}))
	}
	require.NoError(t, store.PutMetadata(ctx,
		&Metadata{Key: "/poseidon/stor/b/nested", Type: "object"}, PutOptions{}))

	page, err := store.ListDirectory(ctx, "/poseidon/stor", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "/poseidon/stor/a", page[0].Key)
	require.Equal(t, "/poseidon/stor/b", page[1].Key)

	page, err = store.ListDirectory(ctx, "/poseidon/stor",
		ListOptions{Marker: path.Base(page[1].Key), Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "/poseidon/stor/c", page[0].Key)
	require.Equal(t, "/poseidon/stor/d", page[1].Key)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := NewBoltStore(ctx.File("shard", "metadata.db"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	md := &Metadata{
		Key:       "/poseidon/stor/report.txt",
		Type:      "object",
		OwnerUUID: "o1",
		Headers:   map[string]string{"m-project": "muskie", "x-ignored": "y"},
		Sharks:    []Shark{{Datacenter: "us-east-1", MantaStorageID: "1.stor"}},
	}
	require.NoError(t, store.PutMetadata(ctx, md, PutOptions{RequireNew: true}))

	got, err := store.GetMetadata(ctx, md.Key)
	require.NoError(t, err)
	require.Equal(t, md.Etag, got.Etag)
	require.Equal(t, "us-east-1", got.Sharks[0].Datacenter)
	require.Equal(t, map[string]string{"m-project": "muskie"}, got.UserHeaders())

	err = store.PutMetadata(ctx, &Metadata{Key: md.Key}, PutOptions{Etag: "bogus"})
	require.True(t, ErrEtagConflict.Has(err))

	require.NoError(t, store.DeleteMetadata(ctx, md.Key, PutOptions{}))
	_, err = store.GetMetadata(ctx, md.Key)
	require.True(t, ErrObjectNotFound.Has(err))
}

func TestBoltStoreFindStorageNodes(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := NewBoltStore(ctx.File("shard", "metadata.db"))
	require.NoError(t, err)
	defer ctx.Check(store.Close)

	now := time.Now().UnixMilli()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.PutStorageNode(ctx, StorageNode{
			ID:             i,
			Datacenter:     "us-east-1",
			MantaStorageID: "stor" + string(rune('0'+i)),
			AvailableMB:    1000 * i,
			PercentUsed:    20 * i,
			Timestamp:      now,
		}))
	}

	// percentUsed ceiling filters, cursor pages
	nodes, err := store.FindStorageNodes(ctx, FindNodesOptions{MaxPercentUsed: 60, Limit: 2})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	nodes, err = store.FindStorageNodes(ctx, FindNodesOptions{MaxPercentUsed: 60, AfterID: nodes[1].ID})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, int64(3), nodes[0].ID)

	// stale records filtered
	nodes, err = store.FindStorageNodes(ctx, FindNodesOptions{MinTimestamp: now + 1})
	require.NoError(t, err)
	require.Empty(t, nodes)
}

// flakyShard fails with a transient error a fixed number of times.
type flakyShard struct {
	*TestStore
	failures int
}

func (shard *flakyShard) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	if shard.failures > 0 {
		shard.failures--
		return nil, ErrTransient.New("connection reset")
	}
	return shard.TestStore.GetMetadata(ctx, key)
}

func TestRingRetriesTransient(t *testing.T) {
	ctx := context.Background()
	shard := &flakyShard{TestStore: NewTestStore(), failures: 2}
	ring := NewRing(zaptest.NewLogger(t), RingConfig{Attempts: 3, RetryBackoff: time.Millisecond}, shard)

	md := &Metadata{Key: "/poseidon/stor/x", Type: "object"}
	require.NoError(t, shard.TestStore.PutMetadata(ctx, md, PutOptions{}))

	got, err := ring.GetMetadata(ctx, md.Key)
	require.NoError(t, err)
	require.Equal(t, md.Etag, got.Etag)

	// non-transient errors do not retry
	shard.failures = 0
	_, err = ring.GetMetadata(ctx, "/poseidon/stor/missing")
	require.True(t, ErrObjectNotFound.Has(err))
}

func TestRingShardRouting(t *testing.T) {
	ctx := context.Background()
	shards := []*TestStore{NewTestStore(), NewTestStore(), NewTestStore()}
	ring := NewRing(zaptest.NewLogger(t), RingConfig{}, shards[0], shards[1], shards[2])

	for _, key := range []string{"/a/stor/1", "/a/stor/2", "/b/stor/1", "/c/stor/x/y"} {
		require.NoError(t, ring.PutMetadata(ctx, &Metadata{Key: key, Type: "object"}, PutOptions{}))
		_, err := ring.GetMetadata(ctx, key)
		require.NoError(t, err)
	}

	// siblings land on the same shard, so listing is single-shard
	entries, err := ring.ListDirectory(ctx, "/a/stor", ListOptions{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestRingHotCache(t *testing.T) {
	ctx := context.Background()
	shard := NewTestStore()
	ring := NewRing(zaptest.NewLogger(t), RingConfig{HotCacheTTL: time.Minute, HotCacheDepth: 2}, shard)

	root := &Metadata{Key: "/poseidon/stor", Type: "directory"}
	require.NoError(t, shard.PutMetadata(ctx, root, PutOptions{}))

	first, err := ring.GetMetadata(ctx, "/poseidon/stor")
	require.NoError(t, err)

	// mutate behind the ring's back: the cached copy is served until TTL
	require.NoError(t, shard.PutMetadata(ctx, &Metadata{Key: "/poseidon/stor", Type: "directory"}, PutOptions{}))
	cached, err := ring.GetMetadata(ctx, "/poseidon/stor")
	require.NoError(t, err)
	require.Equal(t, first.Etag, cached.Etag)

	// writes through the ring invalidate
	updated := &Metadata{Key: "/poseidon/stor", Type: "directory"}
	require.NoError(t, ring.PutMetadata(ctx, updated, PutOptions{}))
	fresh, err := ring.GetMetadata(ctx, "/poseidon/stor")
	require.NoError(t, err)
	require.Equal(t, updated.Etag, fresh.Etag)

	// deep keys bypass the cache entirely
	deep := &Metadata{Key: "/poseidon/stor/a/b", Type: "object"}
	require.NoError(t, shard.PutMetadata(ctx, deep, PutOptions{}))
	require.NoError(t, shard.PutMetadata(ctx, &Metadata{Key: deep.Key, Type: "object"}, PutOptions{}))
	got, err := ring.GetMetadata(ctx, deep.Key)
	require.NoError(t, err)
	require.NotEqual(t, deep.Etag, got.Etag)
}

func TestNoDatabasePeersOverload(t *testing.T) {
	overloaded := &NoDatabasePeersError{CauseName: "OverloadedError"}
	require.True(t, overloaded.Overloaded())

	down := &NoDatabasePeersError{CauseName: "ConnectionTimeoutError"}
	require.False(t, down.Overloaded())
}
