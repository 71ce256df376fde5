// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package webapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

// etagMatches checks an If-Match / If-None-Match header value against an
// entry etag. The wildcard matches any existing entry.
func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// checkReadConditions applies the conditional headers to a read. It returns
// notModified=true when the response should be an empty 304.
func checkReadConditions(req *chain.RequestContext, entry *moray.Metadata) (notModified bool, err error) {
	modified := time.UnixMilli(entry.Modified).UTC()

	if header := req.Header("If-Match"); header != "" && !etagMatches(header, entry.Etag) {
		return false, merr.PreconditionFailed("If-Match")
	}
	if header := req.Header("If-Unmodified-Since"); header != "" {
		if since, parseErr := http.ParseTime(header); parseErr == nil && modified.After(since) {
			return false, merr.PreconditionFailed("If-Unmodified-Since")
		}
	}
	if header := req.Header("If-None-Match"); header != "" && etagMatches(header, entry.Etag) {
		return true, nil
	}
	if header := req.Header("If-Modified-Since"); header != "" {
		if since, parseErr := http.ParseTime(header); parseErr == nil && !modified.After(since) {
			return true, nil
		}
	}
	return false, nil
}

// checkWriteConditions applies the conditional headers to a write over an
// existing (or absent) entry.
func checkWriteConditions(req *chain.RequestContext, entry *moray.Metadata) error {
	if header := req.Header("If-Match"); header != "" {
		if entry == nil || !etagMatches(header, entry.Etag) {
			return merr.PreconditionFailed("If-Match")
		}
	}
	if header := req.Header("If-None-Match"); header != "" {
		if entry != nil && etagMatches(header, entry.Etag) {
			return merr.PreconditionFailed("If-None-Match")
		}
	}
	if header := req.Header("If-Unmodified-Since"); header != "" && entry != nil {
		if since, parseErr := http.ParseTime(header); parseErr == nil &&
			time.UnixMilli(entry.Modified).UTC().After(since) {
			return merr.PreconditionFailed("If-Unmodified-Since")
		}
	}
	return nil
}

// parseRange resolves a single bytes= range against the object length.
func parseRange(header string, length int64) (*ByteRange, error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
	}

	startRaw, endRaw, found := strings.Cut(spec, "-")
	if !found {
		return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
	}

	var start, end int64
	switch {
	case startRaw == "" && endRaw != "":
		// suffix form: last N bytes
		n, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || n <= 0 {
			return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
		}
		if n > length {
			n = length
		}
		start, end = length-n, length-1

	case startRaw != "":
		var err error
		start, err = strconv.ParseInt(startRaw, 10, 64)
		if err != nil || start < 0 || start >= length {
			return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
		}
		end = length - 1
		if endRaw != "" {
			end, err = strconv.ParseInt(endRaw, 10, 64)
			if err != nil || end < start {
				return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
			}
			if end >= length {
				end = length - 1
			}
		}

	default:
		return nil, merr.RangeNotSatisfiable(contentRangeUnsatisfied(length))
	}

	return &ByteRange{Start: start, End: end, Length: length}, nil
}

func contentRangeUnsatisfied(length int64) string {
	return "bytes */" + strconv.FormatInt(length, 10)
}

func (rng *ByteRange) contentRange() string {
	return "bytes " + strconv.FormatInt(rng.Start, 10) + "-" +
		strconv.FormatInt(rng.End, 10) + "/" + strconv.FormatInt(rng.Length, 10)
}

// applyCORS echoes the stored access-control headers when the request origin
// is allowed. The stored max-age is never echoed.
func applyCORS(req *chain.RequestContext, entry *moray.Metadata) {
	origin := req.Header("Origin")
	allowed := entry.Headers["access-control-allow-origin"]
	if origin == "" || allowed == "" {
		return
	}

	match := allowed == "*"
	for _, candidate := range strings.Split(allowed, ",") {
		if strings.TrimSpace(candidate) == origin {
			match = true
		}
	}
	if !match {
		return
	}

	// the stored method list gates the same way the origin does
	if methods := entry.Headers["access-control-allow-methods"]; methods != "" &&
		!methodAllowed(methods, req.Method()) {
		return
	}

	header := req.Writer.Header()
	for name, value := range entry.Headers {
		if !strings.HasPrefix(name, "access-control-") || name == "access-control-max-age" {
			continue
		}
		if name == "access-control-allow-origin" && value != "*" {
			value = origin
		}
		header.Set(name, value)
	}
}

func methodAllowed(methods, method string) bool {
	for _, candidate := range strings.Split(methods, ",") {
		if strings.EqualFold(strings.TrimSpace(candidate), method) {
			return true
		}
	}
	return false
}
