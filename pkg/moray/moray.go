// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package moray wraps the sharded metadata tier: typed records, a client
// interface, and a ring that adds shard routing, retry, and a hot-entry cache.
package moray

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the class of metadata-tier errors.
	Error = errs.Class("moray error")

	// ErrObjectNotFound is returned when a key has no metadata.
	ErrObjectNotFound = errs.Class("object not found")

	// ErrEtagConflict is returned when a conditional write loses a race.
	ErrEtagConflict = errs.Class("etag conflict")

	// ErrUniqueAttribute is returned when a create collides with an
	// existing entry.
	ErrUniqueAttribute = errs.Class("unique attribute")

	// ErrTransient marks failures the ring may retry.
	ErrTransient = errs.Class("transient")
)

// NoDatabasePeersError is returned when a shard has no usable peers. Only the
// overloaded form is user-attributable; everything else is a server fault.
type NoDatabasePeersError struct {
	CauseName string
	Cause     error
}

// Error implements the error interface.
func (e *NoDatabasePeersError) Error() string {
	return fmt.Sprintf("no database peers: %s", e.CauseName)
}

// Unwrap returns the chained cause.
func (e *NoDatabasePeersError) Unwrap() error { return e.Cause }

// Overloaded reports whether the peers were lost to overload shedding.
func (e *NoDatabasePeersError) Overloaded() bool {
	return e.CauseName == "OverloadedError"
}

// Shark identifies one storage node holding a copy of an object.
type Shark struct {
	Datacenter     string `json:"datacenter"`
	MantaStorageID string `json:"manta_storage_id"`
}

// StorageNode is the periodic capacity record a storage node writes.
type StorageNode struct {
	ID             int64  `json:"_id"`
	Datacenter     string `json:"datacenter"`
	MantaStorageID string `json:"manta_storage_id"`
	AvailableMB    int64  `json:"availableMB"`
	PercentUsed    int64  `json:"percentUsed"`
	Timestamp      int64  `json:"timestamp"` // epoch ms
}

// Metadata is one namespace entry. Upload carries the MPU record payload for
// Type "upload"; its shape is owned by the mpu package.
type Metadata struct {
	Key           string            `json:"key"`
	Type          string            `json:"type"` // object, directory, bucketobject, upload
	OwnerUUID     string            `json:"owner_uuid"`
	Etag          string            `json:"etag"`
	ObjectID      string            `json:"objectId,omitempty"` // shark-side object name
	ContentMD5    string            `json:"content_md5,omitempty"`
	ContentLength int64             `json:"content_length,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Roles         []string          `json:"roles,omitempty"`
	Modified      int64             `json:"modified"` // epoch ms
	Sharks        []Shark           `json:"sharks,omitempty"`
	Upload        json.RawMessage   `json:"upload,omitempty"`
}

// IsDirectory reports whether the entry is any directory-like type.
func (md *Metadata) IsDirectory() bool {
	return md.Type == "directory"
}

// UserHeaders returns only the durable m- prefixed user metadata.
func (md *Metadata) UserHeaders() map[string]string {
	out := map[string]string{}
	for name, value := range md.Headers {
		if strings.HasPrefix(strings.ToLower(name), "m-") {
			out[name] = value
		}
	}
	return out
}

// PutOptions qualifies a metadata write.
type PutOptions struct {
	// Etag, when set, requires the existing entry to carry this etag.
	Etag string
	// RequireNew requires that no entry exists yet.
	RequireNew bool
}

// ListOptions pages a directory listing.
type ListOptions struct {
	Marker string // resume after this entry name
	Limit  int
}

// FindNodesOptions pages and filters storage-node records.
type FindNodesOptions struct {
	AfterID        int64 // ascending _id cursor
	Limit          int
	MaxPercentUsed int64
	MinTimestamp   int64 // epoch ms
}

// Client is one metadata shard.
type Client interface {
	GetMetadata(ctx context.Context, key string) (*Metadata, error)
	// PutMetadata writes md and assigns a fresh etag into md.Etag.
	PutMetadata(ctx context.Context, md *Metadata, opts PutOptions) error
	DeleteMetadata(ctx context.Context, key string, opts PutOptions) error
	ListDirectory(ctx context.Context, dir string, opts ListOptions) ([]*Metadata, error)
	FindStorageNodes(ctx context.Context, opts FindNodesOptions) ([]StorageNode, error)
	Close() error
}
