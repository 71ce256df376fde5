// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mpu

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/manta-io/muskie/internal/testcontext"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

func TestIDToPrefixLen(t *testing.T) {
	for id, want := range map[string]int{
		"aaaa0": 1, "aaaa1": 2, "aaaa2": 3, "aaaa3": 4,
		"aaaa4": 1, "aaaa9": 2, "aaaaa": 3, "aaaaf": 4,
	} {
		got, err := IDToPrefixLen(id)
		require.NoError(t, err, id)
		require.Equal(t, want, got, id)
	}

	_, err := IDToPrefixLen("")
	require.Error(t, err)
	_, err = IDToPrefixLen("aaaaz")
	require.Error(t, err)
}

func TestPartsDirectory(t *testing.T) {
	dir, err := PartsDirectoryFor("poseidon", "bd2cd09c-1111-2222-3333-abcdefabcd2f")
	require.NoError(t, err)
	// final digit f selects a 4-character prefix
	require.Equal(t, "/poseidon/uploads/bd2c/bd2cd09c-1111-2222-3333-abcdefabcd2f", dir)

	dir, err = PartsDirectoryFor("poseidon", "bd2cd09c-1111-2222-3333-abcdefabcd20")
	require.NoError(t, err)
	require.Equal(t, "/poseidon/uploads/b/bd2cd09c-1111-2222-3333-abcdefabcd20", dir)
}

func TestNewRecord(t *testing.T) {
	now := time.Now()

	rec, err := NewRecord("poseidon", CreateRequest{
		ObjectPath: "/poseidon/stor/obj.txt",
		Headers:    map[string]string{"Durability-Level": "3", "m-flavor": "mango"},
	}, now)
	require.NoError(t, err)
	require.Equal(t, StateCreated, rec.State)
	require.Equal(t, 3, rec.NumCopies)
	require.Equal(t, "mango", rec.Headers["m-flavor"])
	require.Equal(t, now.UnixMilli(), rec.CreationTimeMs)
	require.True(t, strings.HasPrefix(rec.PartsDirectory, "/poseidon/uploads/"))
	require.Equal(t, int64(-1), rec.ContentLength())

	// defaults
	rec, err = NewRecord("poseidon", CreateRequest{ObjectPath: "/poseidon/stor/a"}, now)
	require.NoError(t, err)
	require.Equal(t, DefaultCopies, rec.NumCopies)
}

func TestNewRecordRejections(t *testing.T) {
	now := time.Now()

	for _, tt := range []struct {
		path    string
		headers map[string]string
		code    string
	}{
		{path: "/poseidon", code: "MultipartUploadInvalidArgument"},
		{path: "/poseidon/stor", code: "MultipartUploadInvalidArgument"},
		{path: "/poseidon/stor/", code: "MultipartUploadInvalidArgument"},
		{path: "relative/stor/x", code: "MultipartUploadInvalidArgument"},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"If-Match": "abc"},
			code:    "MultipartUploadInvalidArgument",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"if-unmodified-since": "whenever"},
			code:    "MultipartUploadInvalidArgument",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"content-length": "-5"},
			code:    "BadRequest",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"content-length": "many"},
			code:    "BadRequest",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"durability-level": "0"},
			code:    "BadRequest",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"durability-level": "10"},
			code:    "BadRequest",
		},
		{
			path:    "/poseidon/stor/x",
			headers: map[string]string{"content-disposition": ";;;"},
			code:    "BadRequest",
		},
	} {
		_, err := NewRecord("poseidon", CreateRequest{ObjectPath: tt.path, Headers: tt.headers}, now)
		require.True(t, merr.IsCode(err, tt.code), "%s %v: %v", tt.path, tt.headers, err)
	}
}

func TestValidatePartNum(t *testing.T) {
	require.NoError(t, ValidatePartNum(0))
	require.NoError(t, ValidatePartNum(9999))
	require.True(t, merr.IsCode(ValidatePartNum(-1), "MultipartUploadPartNum"))
	require.True(t, merr.IsCode(ValidatePartNum(10000), "MultipartUploadPartNum"))
}

func TestValidateEtags(t *testing.T) {
	require.NoError(t, ValidateEtags(nil))
	require.NoError(t, ValidateEtags([]string{"e1", "e2"}))

	err := ValidateEtags([]string{"e1", "e1"})
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	err = ValidateEtags([]string{"e1", ""})
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	err = ValidateEtags([]string{"e1", "e 2"})
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	huge := make([]string, MaxNumParts+1)
	for i := range huge {
		huge[i] = "etag-" + strconv.Itoa(i)
	}
	err = ValidateEtags(huge)
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))
}

func testRecord(t *testing.T, headers map[string]string) *Record {
	rec, err := NewRecord("poseidon", CreateRequest{
		ObjectPath: "/poseidon/stor/obj.txt",
		Headers:    headers,
	}, time.Now())
	require.NoError(t, err)
	return rec
}

func TestPlanCommit(t *testing.T) {
	rec := testRecord(t, nil)

	plan, err := PlanCommit(rec, []Part{
		{Num: 0, Etag: "e0", Size: MinPartSize},
		{Num: 1, Etag: "e1", Size: MinPartSize},
		{Num: 2, Etag: "e2", Size: 7},
	})
	require.NoError(t, err)
	require.Equal(t, int64(2*MinPartSize+7), plan.TotalSize)
	require.Equal(t, Summary([]string{"e0", "e1", "e2"}), plan.Summary)

	// non-final part below the minimum
	_, err = PlanCommit(rec, []Part{
		{Num: 0, Etag: "e0", Size: 15},
		{Num: 1, Etag: "e1", Size: MinPartSize},
	})
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	// a single part is final, so any size works
	_, err = PlanCommit(rec, []Part{{Num: 0, Etag: "e0", Size: 15}})
	require.NoError(t, err)

	// empty part set composes the zero-byte object
	plan, err = PlanCommit(rec, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), plan.TotalSize)
}

func TestPlanCommitContentLength(t *testing.T) {
	rec := testRecord(t, map[string]string{"content-length": "6"})

	_, err := PlanCommit(rec, []Part{{Num: 0, Etag: "e0", Size: 44}})
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	_, err = PlanCommit(rec, []Part{{Num: 0, Etag: "e0", Size: 6}})
	require.NoError(t, err)
}

func TestVerifyObjectMD5(t *testing.T) {
	rec := testRecord(t, map[string]string{"content-md5": "expected=="})
	require.NoError(t, rec.VerifyObjectMD5("expected=="))
	err := rec.VerifyObjectMD5("other==")
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	// unpinned md5 accepts anything
	require.NoError(t, testRecord(t, nil).VerifyObjectMD5("whatever=="))
}

func TestCommitLifecycle(t *testing.T) {
	rec := testRecord(t, nil)
	summary := Summary([]string{"e0", "e1"})

	done, err := rec.BeginFinalize(TypeCommit)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, StateFinalizing, rec.State)

	// retrying a crashed commit is allowed, switching to abort is not
	done, err = rec.BeginFinalize(TypeCommit)
	require.NoError(t, err)
	require.False(t, done)
	_, err = rec.BeginFinalize(TypeAbort)
	require.True(t, merr.IsCode(err, "InvalidMultipartUploadState"))

	require.NoError(t, rec.CompleteCommit(summary))
	require.True(t, rec.Committed())
	require.Equal(t, summary, rec.PartsMD5Summary)

	// idempotent recommit with the same part set
	done, err = rec.BeginFinalize(TypeCommit)
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, rec.CheckRecommit(summary))

	// a different part set conflicts
	err = rec.CheckRecommit(Summary([]string{"e9"}))
	require.True(t, merr.IsCode(err, "MultipartUploadInvalidArgument"))

	// abort of a committed upload is rejected
	_, err = rec.BeginFinalize(TypeAbort)
	require.True(t, merr.IsCode(err, "InvalidMultipartUploadState"))
}

func TestAbortLifecycle(t *testing.T) {
	rec := testRecord(t, nil)

	done, err := rec.BeginFinalize(TypeAbort)
	require.NoError(t, err)
	require.False(t, done)
	require.NoError(t, rec.CompleteAbort())
	require.True(t, rec.Aborted())

	// idempotent abort
	done, err = rec.BeginFinalize(TypeAbort)
	require.NoError(t, err)
	require.True(t, done)

	// commit of an aborted upload is rejected
	_, err = rec.BeginFinalize(TypeCommit)
	require.True(t, merr.IsCode(err, "InvalidMultipartUploadState"))
}

func TestCompleteGuards(t *testing.T) {
	rec := testRecord(t, nil)
	require.True(t, merr.IsCode(rec.CompleteCommit("s"), "InvalidMultipartUploadState"))
	require.True(t, merr.IsCode(rec.CompleteAbort(), "InvalidMultipartUploadState"))

	_, err := rec.BeginFinalize(TypeCommit)
	require.NoError(t, err)
	require.True(t, merr.IsCode(rec.CompleteAbort(), "InvalidMultipartUploadState"))
}

func TestStorePersistence(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	mc := moray.NewTestStore()
	store := NewStore(zaptest.NewLogger(t), mc)
	rec := testRecord(t, nil)

	require.NoError(t, store.Create(ctx, "owner-1", rec))

	loaded, etag, err := store.Load(ctx, "poseidon", rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, loaded.ID)
	require.Equal(t, StateCreated, loaded.State)
	require.NotEmpty(t, etag)

	_, err = loaded.BeginFinalize(TypeAbort)
	require.NoError(t, err)
	newEtag, err := store.Save(ctx, "owner-1", loaded, etag)
	require.NoError(t, err)
	require.NotEqual(t, etag, newEtag)

	// the first writer's etag is stale now
	_, err = loaded.BeginFinalize(TypeAbort)
	require.NoError(t, err)
	_, err = store.Save(ctx, "owner-1", loaded, etag)
	require.True(t, moray.ErrEtagConflict.Has(err))

	// unknown ids miss
	_, _, err = store.Load(ctx, "poseidon", "00000000-0000-0000-0000-000000000000")
	require.True(t, moray.ErrObjectNotFound.Has(err))
}
