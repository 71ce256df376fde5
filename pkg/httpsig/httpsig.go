// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package httpsig validates HTTP Signature headers and presigned-URL
// signatures against account and subuser keysets.
package httpsig

import (
	"crypto"
	"strings"

	"github.com/zeebo/errs"

	"github.com/manta-io/muskie/pkg/merr"
)

// Error is the class of internal signature errors.
var Error = errs.Class("httpsig error")

// Algorithm is a supported signing algorithm, e.g. "rsa-sha256".
type Algorithm struct {
	Family string // rsa, dsa, ecdsa
	Hash   crypto.Hash
}

var hashes = map[string]crypto.Hash{
	"sha1":   crypto.SHA1,
	"sha256": crypto.SHA256,
	"sha384": crypto.SHA384,
	"sha512": crypto.SHA512,
}

// ParseAlgorithm validates name against the allow-list
// {rsa,dsa,ecdsa} x {sha1,sha256,sha384,sha512}.
func ParseAlgorithm(name string) (Algorithm, error) {
	family, hashName, found := strings.Cut(strings.ToLower(name), "-")
	if !found {
		return Algorithm{}, merr.InvalidAlgorithm(name)
	}
	switch family {
	case "rsa", "dsa", "ecdsa":
	default:
		return Algorithm{}, merr.InvalidAlgorithm(name)
	}
	hash, ok := hashes[hashName]
	if !ok {
		return Algorithm{}, merr.InvalidAlgorithm(name)
	}
	return Algorithm{Family: family, Hash: hash}, nil
}

// KeyID is a parsed signature key identifier.
type KeyID struct {
	Account     string
	User        string // empty for account keys
	Fingerprint string
}

// ParseKeyID splits a keyId of the form /<account>/keys/<fp> or
// /<account>/<user>/keys/<fp>.
func ParseKeyID(keyID string) (KeyID, error) {
	parts := strings.Split(keyID, "/")
	// leading slash makes parts[0] empty
	if len(parts) < 4 || parts[0] != "" {
		return KeyID{}, merr.InvalidKeyID()
	}

	switch {
	case len(parts) == 4 && parts[2] == "keys":
		if parts[1] == "" || parts[3] == "" {
			return KeyID{}, merr.InvalidKeyID()
		}
		return KeyID{Account: parts[1], Fingerprint: parts[3]}, nil

	case len(parts) == 5 && parts[3] == "keys":
		if parts[1] == "" || parts[2] == "" || parts[4] == "" {
			return KeyID{}, merr.InvalidKeyID()
		}
		return KeyID{Account: parts[1], User: parts[2], Fingerprint: parts[4]}, nil

	default:
		return KeyID{}, merr.InvalidKeyID()
	}
}

// Signature is a parsed Authorization-header HTTP signature.
type Signature struct {
	KeyID     string
	Algorithm Algorithm
	Headers   []string
	Signature []byte
	// SigningString is filled in by the caller once the named headers are
	// resolved against the request.
	SigningString []byte
}

// ParseAuthorization parses the parameter list of an Authorization header
// whose scheme has already been identified as Signature.
func ParseAuthorization(params string) (*Signature, error) {
	fields := map[string]string{}
	for _, field := range splitQuoted(params) {
		name, value, found := strings.Cut(field, "=")
		if !found {
			return nil, merr.BadRequest("malformed Signature authorization header")
		}
		fields[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(value, `"`)
	}

	for _, required := range []string{"keyid", "algorithm", "signature"} {
		if fields[required] == "" {
			return nil, merr.BadRequest("Signature authorization header missing " + required)
		}
	}

	algorithm, err := ParseAlgorithm(fields["algorithm"])
	if err != nil {
		return nil, err
	}

	raw, err := base64Std.DecodeString(fields["signature"])
	if err != nil {
		return nil, merr.BadRequest("Signature authorization signature is not base64")
	}

	headers := []string{"date"}
	if fields["headers"] != "" {
		headers = strings.Fields(strings.ToLower(fields["headers"]))
	}

	return &Signature{
		KeyID:     fields["keyid"],
		Algorithm: algorithm,
		Headers:   headers,
		Signature: raw,
	}, nil
}

// splitQuoted splits comma-separated k="v" fields without breaking on commas
// inside quotes.
func splitQuoted(s string) []string {
	var fields []string
	depth := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			depth = !depth
		case ',':
			if !depth {
				fields = append(fields, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if start < len(s) {
		fields = append(fields, strings.TrimSpace(s[start:]))
	}
	return fields
}
