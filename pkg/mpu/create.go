// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mpu

import (
	"fmt"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/manta-io/muskie/pkg/merr"
)

// conditionalHeaders would turn a commit into a conditional PUT, which the
// finalize path cannot honor.
var conditionalHeaders = map[string]bool{
	"if-match":            true,
	"if-none-match":       true,
	"if-modified-since":   true,
	"if-unmodified-since": true,
}

// CreateRequest is the decoded create body plus the requested object headers.
type CreateRequest struct {
	ObjectPath string
	Headers    map[string]string
}

// NewRecord validates a create request and builds the upload record for the
// named account. The target object path must address an entry inside a
// storage tree, never a root directory.
func NewRecord(account string, req CreateRequest, now time.Time) (*Record, error) {
	target := req.ObjectPath
	if !strings.HasPrefix(target, "/") || strings.Count(target, "/") < 3 ||
		strings.HasSuffix(target, "/") {
		return nil, merr.MultipartUploadInvalidArgument(
			fmt.Sprintf("upload target %q is not an object path", target))
	}

	headers := make(map[string]string, len(req.Headers))
	for name, value := range req.Headers {
		name = strings.ToLower(name)
		if conditionalHeaders[name] {
			return nil, merr.MultipartUploadInvalidArgument(
				fmt.Sprintf("conditional header %q is not supported on uploads", name))
		}
		headers[name] = value
	}

	if raw, ok := headers["content-length"]; ok {
		length, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || length < 0 {
			return nil, merr.BadRequest(fmt.Sprintf("invalid content-length %q", raw))
		}
	}

	copies := DefaultCopies
	if raw, ok := headers["durability-level"]; ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < MinCopies || parsed > MaxCopies {
			return nil, merr.BadRequest(fmt.Sprintf("invalid durability-level %q", raw))
		}
		copies = parsed
	}

	if raw, ok := headers["content-disposition"]; ok {
		if _, _, err := mime.ParseMediaType(raw); err != nil {
			return nil, merr.BadRequest(fmt.Sprintf("invalid content-disposition %q", raw))
		}
	}

	id := NewID()
	partsDir, err := PartsDirectoryFor(account, id)
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:             id,
		PartsDirectory: partsDir,
		TargetObject:   target,
		State:          StateCreated,
		Headers:        headers,
		NumCopies:      copies,
		CreationTimeMs: now.UnixMilli(),
	}, nil
}

// ContentLength returns the content-length requested at create time, or -1
// when none was given.
func (rec *Record) ContentLength() int64 {
	raw, ok := rec.Headers["content-length"]
	if !ok {
		return -1
	}
	length, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return length
}

// ContentMD5 returns the content-md5 requested at create time, if any.
func (rec *Record) ContentMD5() string { return rec.Headers["content-md5"] }
