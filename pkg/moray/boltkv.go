// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package moray

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"path"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
)

var (
	metadataBucket = []byte("metadata")
	nodesBucket    = []byte("storagenodes")
)

// BoltStore is a boltdb-backed shard for development deployments, where the
// whole metadata tier fits one file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a boltdb shard at filename.
func NewBoltStore(filename string) (*BoltStore, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(nodesBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &BoltStore{db: db}, nil
}

// GetMetadata implements Client.
func (store *BoltStore) GetMetadata(ctx context.Context, key string) (_ *Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	var md *Metadata
	err = store.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get([]byte(key))
		if data == nil {
			return ErrObjectNotFound.New("%s", key)
		}
		md = &Metadata{}
		return Error.Wrap(json.Unmarshal(data, md))
	})
	if err != nil {
		return nil, err
	}
	return md, nil
}

// PutMetadata implements Client.
func (store *BoltStore) PutMetadata(ctx context.Context, md *Metadata, opts PutOptions) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		existing := bucket.Get([]byte(md.Key))

		if opts.RequireNew && existing != nil {
			return ErrUniqueAttribute.New("%s", md.Key)
		}
		if opts.Etag != "" {
			if existing == nil {
				return ErrEtagConflict.New("%s", md.Key)
			}
			var current Metadata
			if err := json.Unmarshal(existing, &current); err != nil {
				return Error.Wrap(err)
			}
			if current.Etag != opts.Etag {
				return ErrEtagConflict.New("%s", md.Key)
			}
		}

		md.Etag = uuid.NewString()
		if md.Modified == 0 {
			md.Modified = time.Now().UnixMilli()
		}
		data, err := json.Marshal(md)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(bucket.Put([]byte(md.Key), data))
	})
}

// DeleteMetadata implements Client.
func (store *BoltStore) DeleteMetadata(ctx context.Context, key string, opts PutOptions) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		existing := bucket.Get([]byte(key))
		if existing == nil {
			return ErrObjectNotFound.New("%s", key)
		}
		if opts.Etag != "" {
			var current Metadata
			if err := json.Unmarshal(existing, &current); err != nil {
				return Error.Wrap(err)
			}
			if current.Etag != opts.Etag {
				return ErrEtagConflict.New("%s", key)
			}
		}
		return Error.Wrap(bucket.Delete([]byte(key)))
	})
}

// ListDirectory implements Client.
func (store *BoltStore) ListDirectory(ctx context.Context, dir string, opts ListOptions) (_ []*Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []*Metadata
	prefix := []byte(dir + "/")
	err = store.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(metadataBucket).Cursor()
		start := prefix
		if opts.Marker != "" {
			// the marker is an entry name, not a full key
			start = append([]byte(dir+"/"+opts.Marker), 0)
		}
		for key, value := cursor.Seek(start); key != nil && bytes.HasPrefix(key, prefix); key, value = cursor.Next() {
			// children only, not grandchildren
			if path.Dir(string(key)) != dir {
				continue
			}
			md := &Metadata{}
			if err := json.Unmarshal(value, md); err != nil {
				return Error.Wrap(err)
			}
			out = append(out, md)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PutStorageNode upserts a storage-node capacity record, keyed by _id.
func (store *BoltStore) PutStorageNode(ctx context.Context, node StorageNode) (err error) {
	defer mon.Task()(&ctx)(&err)

	return store.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return Error.Wrap(err)
		}
		return Error.Wrap(tx.Bucket(nodesBucket).Put(nodeKey(node.ID), data))
	})
}

// FindStorageNodes implements Client.
func (store *BoltStore) FindStorageNodes(ctx context.Context, opts FindNodesOptions) (_ []StorageNode, err error) {
	defer mon.Task()(&ctx)(&err)

	var out []StorageNode
	err = store.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(nodesBucket).Cursor()
		for key, value := cursor.Seek(nodeKey(opts.AfterID + 1)); key != nil; key, value = cursor.Next() {
			var node StorageNode
			if err := json.Unmarshal(value, &node); err != nil {
				return Error.Wrap(err)
			}
			if opts.MaxPercentUsed > 0 && node.PercentUsed > opts.MaxPercentUsed {
				continue
			}
			if node.Timestamp < opts.MinTimestamp {
				continue
			}
			out = append(out, node)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nodeKey(id int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}

// Close implements Client.
func (store *BoltStore) Close() error {
	return Error.Wrap(store.db.Close())
}

var _ Client = (*BoltStore)(nil)
