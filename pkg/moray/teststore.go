// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package moray

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TestStore is an in-memory shard used by unit tests and throwaway local
// deployments.
type TestStore struct {
	mu      sync.Mutex
	entries map[string]*Metadata
	nodes   []StorageNode
}

// NewTestStore creates an empty in-memory shard.
func NewTestStore() *TestStore {
	return &TestStore{entries: map[string]*Metadata{}}
}

// SetStorageNodes replaces the storage-node records served by this shard.
func (store *TestStore) SetStorageNodes(nodes []StorageNode) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.nodes = append([]StorageNode(nil), nodes...)
	sort.Slice(store.nodes, func(i, j int) bool { return store.nodes[i].ID < store.nodes[j].ID })
}

// GetMetadata implements Client.
func (store *TestStore) GetMetadata(ctx context.Context, key string) (*Metadata, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	md, ok := store.entries[key]
	if !ok {
		return nil, ErrObjectNotFound.New("%s", key)
	}
	copied := *md
	return &copied, nil
}

// PutMetadata implements Client.
func (store *TestStore) PutMetadata(ctx context.Context, md *Metadata, opts PutOptions) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, exists := store.entries[md.Key]
	if opts.RequireNew && exists {
		return ErrUniqueAttribute.New("%s", md.Key)
	}
	if opts.Etag != "" && (!exists || existing.Etag != opts.Etag) {
		return ErrEtagConflict.New("%s", md.Key)
	}

	copied := *md
	copied.Etag = uuid.NewString()
	if copied.Modified == 0 {
		copied.Modified = time.Now().UnixMilli()
	}
	store.entries[md.Key] = &copied
	md.Etag = copied.Etag
	md.Modified = copied.Modified
	return nil
}

// DeleteMetadata implements Client.
func (store *TestStore) DeleteMetadata(ctx context.Context, key string, opts PutOptions) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	existing, exists := store.entries[key]
	if !exists {
		return ErrObjectNotFound.New("%s", key)
	}
	if opts.Etag != "" && existing.Etag != opts.Etag {
		return ErrEtagConflict.New("%s", key)
	}
	delete(store.entries, key)
	return nil
}

// ListDirectory implements Client.
func (store *TestStore) ListDirectory(ctx context.Context, dir string, opts ListOptions) ([]*Metadata, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var names []string
	for key := range store.entries {
		if path.Dir(key) == dir {
			names = append(names, key)
		}
	}
	sort.Strings(names)

	var out []*Metadata
	for _, name := range names {
		// the marker is an entry name, not a full key
		if opts.Marker != "" && path.Base(name) <= opts.Marker {
			continue
		}
		copied := *store.entries[name]
		out = append(out, &copied)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// FindStorageNodes implements Client.
func (store *TestStore) FindStorageNodes(ctx context.Context, opts FindNodesOptions) ([]StorageNode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var out []StorageNode
	for _, node := range store.nodes {
		if node.ID <= opts.AfterID {
			continue
		}
		if opts.MaxPercentUsed > 0 && node.PercentUsed > opts.MaxPercentUsed {
			continue
		}
		if node.Timestamp < opts.MinTimestamp {
			continue
		}
		out = append(out, node)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Close implements Client.
func (store *TestStore) Close() error { return nil }

// Dump returns a JSON rendering of every entry, for test debugging.
func (store *TestStore) Dump() string {
	store.mu.Lock()
	defer store.mu.Unlock()
	data, _ := json.MarshalIndent(store.entries, "", "  ")
	return string(data)
}

var _ Client = (*TestStore)(nil)
