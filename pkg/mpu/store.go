// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mpu

import (
	"context"
	"time"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/pkg/moray"
)

var mon = monkit.Package()

// Store persists upload records through the metadata service. The record
// lives on the parts directory entry, so every read and conditional write
// lands on the shard that owns the directory.
type Store struct {
	log *zap.Logger
	mc  moray.Client
}

// NewStore creates a Store.
func NewStore(log *zap.Logger, mc moray.Client) *Store {
	return &Store{log: log, mc: mc}
}

// Create persists a fresh upload record. The id collision case surfaces as
// the metadata service's conflict error.
func (store *Store) Create(ctx context.Context, ownerUUID string, rec *Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	md, err := rec.Metadata(ownerUUID, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if err := store.mc.PutMetadata(ctx, md, moray.PutOptions{RequireNew: true}); err != nil {
		return err
	}
	store.log.Info("upload created",
		zap.String("upload_id", rec.ID),
		zap.String("target", rec.TargetObject))
	return nil
}

// Load fetches the upload record for an id under an account, returning the
// metadata etag the next Save must present.
func (store *Store) Load(ctx context.Context, account, id string) (rec *Record, etag string, err error) {
	defer mon.Task()(&ctx)(&err)

	key, err := PartsDirectoryFor(account, id)
	if err != nil {
		return nil, "", err
	}
	md, err := store.mc.GetMetadata(ctx, key)
	if err != nil {
		return nil, "", err
	}
	rec, err = RecordFromMetadata(md)
	if err != nil {
		return nil, "", err
	}
	return rec, md.Etag, nil
}

// Save conditionally rewrites the upload record and returns the new etag.
// A concurrent finalize that won the race surfaces as the metadata service's
// etag conflict; callers reload and re-drive the state machine.
func (store *Store) Save(ctx context.Context, ownerUUID string, rec *Record, etag string) (newEtag string, err error) {
	defer mon.Task()(&ctx)(&err)

	md, err := rec.Metadata(ownerUUID, time.Now().UnixMilli())
	if err != nil {
		return "", err
	}
	if err := store.mc.PutMetadata(ctx, md, moray.PutOptions{Etag: etag}); err != nil {
		return "", err
	}
	return md.Etag, nil
}
