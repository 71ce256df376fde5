// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mpu

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"

	"github.com/manta-io/muskie/pkg/merr"
)

// Part is one committed part: its submission order, the etag the client
// presented, and the stored part object's size.
type Part struct {
	Num  int
	Etag string
	Size int64
}

// ValidatePartNum bounds-checks an upload part number.
func ValidatePartNum(n int) error {
	if n < MinPartNum || n > MaxPartNum {
		return merr.MultipartUploadPartNum(n)
	}
	return nil
}

// ValidateEtags checks the commit body's part etag array: every entry must be
// well formed and unique, and the array must fit the part-number space.
func ValidateEtags(etags []string) error {
	if len(etags) > MaxNumParts {
		return merr.MultipartUploadInvalidArgument(
			fmt.Sprintf("%d parts exceeds the maximum of %d", len(etags), MaxNumParts))
	}
	seen := make(map[string]bool, len(etags))
	for i, etag := range etags {
		if !wellFormedEtag(etag) {
			return merr.MultipartUploadInvalidArgument(
				fmt.Sprintf("part %d has a malformed etag", i))
		}
		if seen[etag] {
			return merr.MultipartUploadInvalidArgument(
				fmt.Sprintf("part etag %q appears more than once", etag))
		}
		seen[etag] = true
	}
	return nil
}

func wellFormedEtag(etag string) bool {
	if etag == "" {
		return false
	}
	for i := 0; i < len(etag); i++ {
		if etag[i] <= ' ' || etag[i] >= 0x7f {
			return false
		}
	}
	return true
}

// Summary returns the parts-md5 summary for a part set: the md5 of the etags
// concatenated in submission order. It names the part set, so an idempotent
// recommit is recognized by summary equality.
func Summary(etags []string) string {
	h := md5.New()
	for _, etag := range etags {
		h.Write([]byte(etag))
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// CommitPlan is a validated commit: the resolved parts, the size of the
// composed object, and the part-set summary.
type CommitPlan struct {
	Parts     []Part
	TotalSize int64
	Summary   string
}

// PlanCommit validates the resolved part set against the upload record.
// Every part except the last must meet the minimum part size, and when the
// create request pinned a content-length the part sizes must sum to it.
func PlanCommit(rec *Record, parts []Part) (*CommitPlan, error) {
	etags := make([]string, len(parts))
	var total int64
	for i, part := range parts {
		etags[i] = part.Etag
		total += part.Size
		if i < len(parts)-1 && part.Size < MinPartSize {
			return nil, merr.MultipartUploadInvalidArgument(
				fmt.Sprintf("part %d is %d bytes, below the minimum of %d",
					part.Num, part.Size, int64(MinPartSize)))
		}
	}
	if err := ValidateEtags(etags); err != nil {
		return nil, err
	}
	if want := rec.ContentLength(); want >= 0 && total != want {
		return nil, merr.MultipartUploadInvalidArgument(
			fmt.Sprintf("parts sum to %d bytes but the upload was created with content-length %d",
				total, want))
	}
	return &CommitPlan{Parts: parts, TotalSize: total, Summary: Summary(etags)}, nil
}

// VerifyObjectMD5 checks the composed object's md5 against the content-md5
// pinned at create time, if any.
func (rec *Record) VerifyObjectMD5(computed string) error {
	want := rec.ContentMD5()
	if want != "" && want != computed {
		return merr.MultipartUploadInvalidArgument(
			fmt.Sprintf("composed object md5 %q does not match the requested content-md5 %q",
				computed, want))
	}
	return nil
}

// BeginFinalize moves the record toward done for the given intent. It
// returns done=true when the upload already reached the matching terminal
// state; a committed recommit must still pass CheckRecommit. Conflicting
// intents are rejected.
func (rec *Record) BeginFinalize(t FinalizeType) (done bool, err error) {
	switch rec.State {
	case StateCreated:
		rec.State = StateFinalizing
		rec.Type = t
		return false, nil
	case StateFinalizing:
		// a crashed finalize may be retried, but only with the same intent
		if rec.Type != t {
			return false, merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
		}
		return false, nil
	case StateDone:
		if (t == TypeCommit && rec.Result == ResultCommitted) ||
			(t == TypeAbort && rec.Result == ResultAborted) {
			return true, nil
		}
		return false, merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
	default:
		return false, Error.New("upload %s has unknown state %q", rec.ID, rec.State)
	}
}

// CheckRecommit validates a commit against an upload that is already
// committed: only the identical part set succeeds.
func (rec *Record) CheckRecommit(summary string) error {
	if !rec.Committed() {
		return merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
	}
	if rec.PartsMD5Summary != summary {
		return merr.MultipartUploadInvalidArgument(
			fmt.Sprintf("upload %s was committed with a different part set", rec.ID))
	}
	return nil
}

// CompleteCommit lands a finalizing commit in done/committed.
func (rec *Record) CompleteCommit(summary string) error {
	if rec.State != StateFinalizing || rec.Type != TypeCommit {
		return merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
	}
	rec.State = StateDone
	rec.Result = ResultCommitted
	rec.PartsMD5Summary = summary
	return nil
}

// CompleteAbort lands a finalizing abort in done/aborted.
func (rec *Record) CompleteAbort() error {
	if rec.State != StateFinalizing || rec.Type != TypeAbort {
		return merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
	}
	rec.State = StateDone
	rec.Result = ResultAborted
	return nil
}
