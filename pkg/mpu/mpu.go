// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package mpu owns the multipart upload record and its state machine.
// Uploads move created -> finalizing -> done; done carries a result of
// committed or aborted. Transition functions return the conflict error
// directly, so callers never inspect raw state to decide legality.
package mpu

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

// Error is the class of internal mpu errors.
var Error = errs.Class("mpu error")

const (
	MinPartNum  = 0
	MaxPartNum  = 9999
	MaxNumParts = MaxPartNum + 1

	// MinPartSize applies to every part except the final one.
	MinPartSize = 5 << 20

	MinCopies     = 1
	MaxCopies     = 9
	DefaultCopies = 2

	// EmptyObjectMD5 is the content-md5 of a zero-byte object.
	EmptyObjectMD5 = "1B2M2Y8AsgTpgAmY7PhCfg=="
)

// State is an upload's lifecycle position.
type State string

const (
	StateCreated    State = "created"
	StateFinalizing State = "finalizing"
	StateDone       State = "done"
)

// Result is the terminal outcome of a finalized upload.
type Result string

const (
	ResultCommitted Result = "committed"
	ResultAborted   Result = "aborted"
)

// FinalizeType is the finalize intent in flight.
type FinalizeType string

const (
	TypeCommit FinalizeType = "commit"
	TypeAbort  FinalizeType = "abort"
)

// Record is the persisted upload state. It rides in the Upload field of the
// parts directory's metadata entry.
type Record struct {
	ID             string            `json:"id"`
	PartsDirectory string            `json:"partsDirectory"`
	TargetObject   string            `json:"targetObject"`
	State          State             `json:"state"`
	Result         Result            `json:"result,omitempty"`
	Type           FinalizeType      `json:"type,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	NumCopies      int               `json:"numCopies"`
	CreationTimeMs int64             `json:"creationTimeMs"`

	// PartsMD5Summary identifies the committed part set: the md5 of the
	// part etags concatenated in submission order. Set only on commit.
	PartsMD5Summary string `json:"partsMD5Summary,omitempty"`
}

// NewID allocates an upload id.
func NewID() string { return uuid.NewString() }

// IDToPrefixLen derives the parts-directory prefix length from an upload
// id's final hex digit.
func IDToPrefixLen(id string) (int, error) {
	if id == "" {
		return 0, Error.New("empty upload id")
	}
	c := id[len(id)-1]
	var n int
	switch {
	case c >= '0' && c <= '9':
		n = int(c - '0')
	case c >= 'a' && c <= 'f':
		n = int(c-'a') + 10
	default:
		return 0, Error.New("upload id %q does not end in a hex digit", id)
	}
	return n%4 + 1, nil
}

// PartsDirectoryFor returns the parts directory path for an upload under an
// account's uploads tree.
func PartsDirectoryFor(account, id string) (string, error) {
	prefixLen, err := IDToPrefixLen(id)
	if err != nil {
		return "", err
	}
	if len(id) < prefixLen {
		return "", Error.New("upload id %q shorter than its prefix", id)
	}
	return "/" + account + "/uploads/" + id[:prefixLen] + "/" + id, nil
}

// PartPath returns the metadata key for one part object.
func (rec *Record) PartPath(partNum int) string {
	return rec.PartsDirectory + "/" + strconv.Itoa(partNum)
}

// Committed reports whether the upload finished with a commit.
func (rec *Record) Committed() bool {
	return rec.State == StateDone && rec.Result == ResultCommitted
}

// Aborted reports whether the upload finished with an abort.
func (rec *Record) Aborted() bool {
	return rec.State == StateDone && rec.Result == ResultAborted
}

// Metadata wraps the record into the parts directory's metadata entry.
func (rec *Record) Metadata(ownerUUID string, modified int64) (*moray.Metadata, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &moray.Metadata{
		Key:       rec.PartsDirectory,
		Type:      "upload",
		OwnerUUID: ownerUUID,
		Modified:  modified,
		Upload:    raw,
	}, nil
}

// RecordFromMetadata extracts the upload record from a metadata entry.
func RecordFromMetadata(md *moray.Metadata) (*Record, error) {
	if md.Type != "upload" || len(md.Upload) == 0 {
		return nil, merr.ResourceNotFound(md.Key)
	}
	var rec Record
	if err := json.Unmarshal(md.Upload, &rec); err != nil {
		return nil, Error.Wrap(err)
	}
	return &rec, nil
}
