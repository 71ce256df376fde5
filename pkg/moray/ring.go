// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package moray

import (
	"context"
	"hash/fnv"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// RingConfig configures shard routing and retry behavior.
type RingConfig struct {
	Attempts     int           `help:"attempts per metadata operation" default:"3"`
	RetryBackoff time.Duration `help:"pause between retries" default:"100ms"`
	HotCacheTTL  time.Duration `help:"ttl for cached hot directory entries" default:"30s"`
	HotCacheDepth int          `help:"maximum path depth eligible for the hot cache" default:"2"`
}

// Ring routes metadata operations to shards by directory hash, retries
// transient failures, and caches hot (shallow) directory entries.
//
// Entries for one directory always live on one shard, so a listing is a
// single-shard operation.
type Ring struct {
	log    *zap.Logger
	cfg    RingConfig
	shards []Client

	mu  sync.Mutex
	hot map[string]hotEntry
}

type hotEntry struct {
	md      Metadata
	expires time.Time
}

// NewRing creates a ring over the given shards.
func NewRing(log *zap.Logger, cfg RingConfig, shards ...Client) *Ring {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Ring{
		log:    log,
		cfg:    cfg,
		shards: shards,
		hot:    map[string]hotEntry{},
	}
}

// shardFor hashes the directory portion of key so that all children of one
// directory land on the same shard.
func (ring *Ring) shardFor(key string) Client {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(path.Dir(key)))
	return ring.shards[hasher.Sum32()%uint32(len(ring.shards))]
}

func (ring *Ring) retry(ctx context.Context, op func() error) error {
	var failures errs.Group
	for attempt := 0; attempt < ring.cfg.Attempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !ErrTransient.Has(err) {
			return err
		}
		failures.Add(err)
		mon.Event("moray_retry")
		select {
		case <-time.After(ring.cfg.RetryBackoff):
		case <-ctx.Done():
			return errs.Combine(ctx.Err(), failures.Err())
		}
	}
	return failures.Err()
}

func (ring *Ring) cacheable(key string) bool {
	depth := strings.Count(strings.Trim(key, "/"), "/")
	return depth < ring.cfg.HotCacheDepth && ring.cfg.HotCacheTTL > 0
}

// GetMetadata implements Client.
func (ring *Ring) GetMetadata(ctx context.Context, key string) (_ *Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	if ring.cacheable(key) {
		ring.mu.Lock()
		entry, ok := ring.hot[key]
		ring.mu.Unlock()
		if ok && time.Now().Before(entry.expires) {
			mon.Event("moray_hot_hit")
			copied := entry.md
			return &copied, nil
		}
	}

	var md *Metadata
	err = ring.retry(ctx, func() error {
		var err error
		md, err = ring.shardFor(key).GetMetadata(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	if ring.cacheable(key) {
		ring.mu.Lock()
		ring.hot[key] = hotEntry{md: *md, expires: time.Now().Add(ring.cfg.HotCacheTTL)}
		ring.mu.Unlock()
	}
	return md, nil
}

// PutMetadata implements Client.
func (ring *Ring) PutMetadata(ctx context.Context, md *Metadata, opts PutOptions) (err error) {
	defer mon.Task()(&ctx)(&err)

	ring.invalidate(md.Key)
	return ring.retry(ctx, func() error {
		return ring.shardFor(md.Key).PutMetadata(ctx, md, opts)
	})
}

// DeleteMetadata implements Client.
func (ring *Ring) DeleteMetadata(ctx context.Context, key string, opts PutOptions) (err error) {
	defer mon.Task()(&ctx)(&err)

	ring.invalidate(key)
	return ring.retry(ctx, func() error {
		return ring.shardFor(key).DeleteMetadata(ctx, key, opts)
	})
}

// ListDirectory implements Client.
func (ring *Ring) ListDirectory(ctx context.Context, dir string, opts ListOptions) (_ []*Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []*Metadata
	err = ring.retry(ctx, func() error {
		var err error
		// children of dir hash with dir itself as their parent
		out, err = ring.shardFor(dir+"/x").ListDirectory(ctx, dir, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindStorageNodes implements Client. Node records are replicated to every
// shard, so any one can serve the scan.
func (ring *Ring) FindStorageNodes(ctx context.Context, opts FindNodesOptions) (_ []StorageNode, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []StorageNode
	err = ring.retry(ctx, func() error {
		var err error
		out, err = ring.shards[0].FindStorageNodes(ctx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (ring *Ring) invalidate(key string) {
	ring.mu.Lock()
	delete(ring.hot, key)
	ring.mu.Unlock()
}

// Close closes every shard.
func (ring *Ring) Close() error {
	var group errs.Group
	for _, shard := range ring.shards {
		group.Add(shard.Close())
	}
	return group.Err()
}

var _ Client = (*Ring)(nil)
