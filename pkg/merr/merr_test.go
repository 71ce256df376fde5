// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package merr

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodesAndStatuses(t *testing.T) {
	cases := []struct {
		err    *E
		code   string
		status int
	}{
		{AccountDoesNotExist("poseidon"), "AccountDoesNotExist", 403},
		{InvalidKeyID(), "InvalidKeyId", 403},
		{InvalidSignature(), "InvalidSignature", 403},
		{InvalidAuthToken(), "InvalidAuthenticationToken", 403},
		{InvalidAlgorithm("hmac-md5"), "InvalidAlgorithm", 401},
		{AuthorizationRequired(), "AuthorizationRequired", 401},
		{InvalidQueryStringAuthentication("expired"), "InvalidQueryStringAuthentication", 403},
		{InvalidRole("ops"), "InvalidRole", 409},
		{ContentLengthRequired(), "ContentLengthRequired", 411},
		{ResourceNotFound("/a/stor/x"), "ResourceNotFound", 404},
		{DirectoryNotEmpty("/a/stor/d"), "DirectoryNotEmpty", 400},
		{ConcurrentRequest("/a/stor/x"), "ConcurrentRequest", 409},
		{MultipartUploadInvalidArgument("dup etag"), "MultipartUploadInvalidArgument", 409},
		{InvalidMultipartUploadState("id", "done"), "InvalidMultipartUploadState", 409},
		{MultipartUploadPartNum(10000), "MultipartUploadPartNum", 409},
		{NotEnoughSpace(5120), "NotEnoughSpace", 507},
		{MaxContentLengthExceeded(1024), "MaxContentLengthExceeded", 413},
		{UploadTimeout(), "UploadTimeout", 408},
		{UploadAbandoned(), "UploadAbandoned", 499},
		{Throttled(), "ThrottledError", 503},
		{MethodNotAllowed("DELETE", "/a/uploads/0/x"), "MethodNotAllowed", 405},
		{UnprocessableEntity("bad override"), "UnprocessableEntity", 422},
		{Internal(errors.New("boom")), "InternalError", 500},
		{SnaplinksDisabled(), "SnaplinksDisabled", 403},
	}
	for _, tc := range cases {
		require.Equal(t, tc.code, tc.err.RestCode())
		require.Equal(t, tc.status, tc.err.HTTPStatus())
		require.True(t, IsCode(tc.err, tc.code))
	}
}

func TestFromWrapsUnknown(t *testing.T) {
	cause := errors.New("socket closed")
	e := From(cause)
	require.Equal(t, "InternalError", e.Code)
	require.Equal(t, cause, e.Cause)
	require.True(t, errors.Is(e, cause))

	// taxonomy errors pass through untouched
	orig := ResourceNotFound("/a/stor/x")
	require.Same(t, orig, From(orig))
}

func TestWriteErrorBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, SharksExhausted())

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "30", rec.Header().Get("Retry-After"))
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ServiceUnavailable", body.Code)
	require.NotContains(t, rec.Body.String(), "cause")
}

func TestRangeNotSatisfiableHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, RangeNotSatisfiable("bytes */100"))
	require.Equal(t, 416, rec.Code)
	require.Equal(t, "bytes */100", rec.Header().Get("Content-Range"))
}
