// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package httpsig

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/manta-io/muskie/pkg/merr"
)

// presignParams are the query parameters that mark a request as presigned.
var presignParams = []string{"algorithm", "expires", "keyId", "signature"}

// IsPresigned reports whether query carries any presigned-auth parameter.
// Callers must also check that no Authorization header is present.
func IsPresigned(query url.Values) bool {
	for _, name := range presignParams {
		if query.Has(name) {
			return true
		}
	}
	return false
}

// Presigned is a parsed presigned-URL signature.
type Presigned struct {
	KeyID     string
	Algorithm Algorithm
	Expires   int64 // epoch seconds
	Methods   []string
	Signature []byte
}

// ParsePresigned validates the presigned query parameters. method is the
// actual request method; every failure is the presigned-specific 403.
func ParsePresigned(method string, query url.Values, now time.Time) (*Presigned, error) {
	for _, name := range presignParams {
		if query.Get(name) == "" {
			return nil, merr.InvalidQueryStringAuthentication(name + " is a required query parameter")
		}
	}

	algorithm, err := ParseAlgorithm(query.Get("algorithm"))
	if err != nil {
		return nil, merr.InvalidQueryStringAuthentication(query.Get("algorithm") + " is not a supported algorithm")
	}

	expires, err := strconv.ParseInt(query.Get("expires"), 10, 64)
	if err != nil {
		return nil, merr.InvalidQueryStringAuthentication("expires must be an integer")
	}
	if expires < now.Unix() {
		return nil, merr.InvalidQueryStringAuthentication("request has expired")
	}

	signature, err := base64Std.DecodeString(query.Get("signature"))
	if err != nil {
		return nil, merr.InvalidQueryStringAuthentication("signature is not valid base64")
	}

	methods := []string{strings.ToUpper(method)}
	if m := query.Get("method"); m != "" {
		methods = strings.Split(strings.ToUpper(m), ",")
		for i := range methods {
			methods[i] = strings.TrimSpace(methods[i])
		}
	}
	sort.Strings(methods)

	allowed := false
	for _, m := range methods {
		if m == strings.ToUpper(method) {
			allowed = true
		}
	}
	if !allowed {
		return nil, merr.InvalidQueryStringAuthentication(method + " is not an allowed method")
	}

	return &Presigned{
		KeyID:     query.Get("keyId"),
		Algorithm: algorithm,
		Expires:   expires,
		Methods:   methods,
		Signature: signature,
	}, nil
}

// SigningString builds the canonical string a presigned signature covers:
//
//	sorted methods joined by comma
//	Host header
//	request path before sanitization
//	sorted, RFC3986-encoded query excluding signature, joined by &
func (p *Presigned) SigningString(host, pathPreSanitize string, query url.Values) []byte {
	type pair struct{ key, value string }
	var pairs []pair
	for key, values := range query {
		for _, value := range values {
			pairs = append(pairs, pair{key, value})
		}
	}
	// sort on the raw key; signature is dropped at join time, after sorting
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	var encoded []string
	for _, kv := range pairs {
		if kv.key == "signature" {
			continue
		}
		encoded = append(encoded, rfc3986Encode(kv.key)+"="+rfc3986Encode(kv.value))
	}

	lines := []string{
		strings.Join(p.Methods, ","),
		host,
		pathPreSanitize,
		strings.Join(encoded, "&"),
	}
	return []byte(strings.Join(lines, "\n"))
}

const upperhex = "0123456789ABCDEF"

// rfc3986Encode percent-encodes everything outside the unreserved set,
// including the sub-delims !'()* that Go's query escaping leaves alone.
func rfc3986Encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0xf])
		}
	}
	return b.String()
}
