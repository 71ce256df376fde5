// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package sealer seals and unseals delegation tokens. A sealed token is the
// JSON payload, zlib-compressed, AES-128-CBC encrypted, and base64url encoded.
// The salt is prepended to the plaintext and checked on unseal.
package sealer

import (
	"bytes"
	"compress/zlib"
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"time"

	"github.com/zeebo/errs"

	"github.com/manta-io/muskie/pkg/merr"
)

// Error is the class of internal sealer errors.
var Error = errs.Class("sealer error")

// maxSealedLen is the largest token that fits in an HTTP header alongside the
// rest of the Authorization line.
const maxSealedLen = 8192

// Config holds the cipher material for one token family. Key and IV are
// hex-encoded 128-bit values; Salt is hex-encoded and of any length.
type Config struct {
	Salt   string        `help:"hex-encoded salt prepended to token plaintext"`
	Key    string        `help:"hex-encoded 128-bit AES key"`
	IV     string        `help:"hex-encoded 128-bit AES IV"`
	MaxAge time.Duration `help:"how long an issued token stays valid" default:"1h"`
}

func (cfg Config) material() (salt, key, iv []byte, err error) {
	salt, err = hex.DecodeString(cfg.Salt)
	if err != nil {
		return nil, nil, nil, Error.New("bad salt: %v", err)
	}
	key, err = hex.DecodeString(cfg.Key)
	if err != nil || len(key) != aes.BlockSize {
		return nil, nil, nil, Error.New("key must be 16 bytes of hex")
	}
	iv, err = hex.DecodeString(cfg.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, nil, nil, Error.New("iv must be 16 bytes of hex")
	}
	return salt, key, iv, nil
}

// Token is the unsealed delegation token payload, normalized across versions.
type Token struct {
	Version      int
	IssuedAt     time.Time
	AccountUUID  string
	AccountLogin string // v1 only
	UserUUID     string
	Operator     bool // v1: membership in the operators group
	Conditions   map[string]interface{}
}

// wireV2 is the authoritative sealed shape.
type wireV2 struct {
	Time      int64         `json:"t"`
	Principal wirePrincipal `json:"p"`
	Condition map[string]interface{} `json:"c,omitempty"`
	Version   int           `json:"v"`
}

type wirePrincipal struct {
	Account wireUUID  `json:"account"`
	User    *wireUUID `json:"user,omitempty"`
}

type wireUUID struct {
	UUID string `json:"uuid"`
}

// wireV1 is the legacy shape still accepted on unseal.
type wireV1 struct {
	UUID   string   `json:"u"`
	Login  string   `json:"l"`
	Groups []string `json:"g"`
	Time   int64    `json:"t"`
}

// identity-irrelevant conditions are never sealed; they are recomputed from
// the presenting request.
var unsealableConditions = []string{"date", "day", "time", "sourceip", "user-agent"}

// Seal encrypts tok under cfg and returns a header-safe opaque string.
func Seal(tok *Token, cfg Config) (string, error) {
	salt, key, iv, err := cfg.material()
	if err != nil {
		return "", merr.Internal(err)
	}

	conditions := make(map[string]interface{}, len(tok.Conditions))
	for k, v := range tok.Conditions {
		conditions[k] = v
	}
	for _, k := range unsealableConditions {
		delete(conditions, k)
	}

	wire := wireV2{
		Time:      tok.IssuedAt.UnixMilli(),
		Principal: wirePrincipal{Account: wireUUID{UUID: tok.AccountUUID}},
		Condition: conditions,
		Version:   2,
	}
	if tok.UserUUID != "" {
		wire.Principal.User = &wireUUID{UUID: tok.UserUUID}
	}

	plain, err := json.Marshal(wire)
	if err != nil {
		return "", merr.Internal(Error.Wrap(err))
	}

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write(plain); err != nil {
		return "", merr.Internal(Error.Wrap(err))
	}
	if err := zw.Close(); err != nil {
		return "", merr.Internal(Error.Wrap(err))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", merr.Internal(Error.Wrap(err))
	}
	padded := pad(append(append([]byte{}, salt...), compressed.Bytes()...))
	sealed := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(sealed, padded)

	opaque := base64.RawURLEncoding.EncodeToString(sealed)
	if len(opaque) > maxSealedLen {
		return "", merr.Internal(Error.New("sealed token exceeds %d bytes", maxSealedLen))
	}
	return opaque, nil
}

// Unseal decrypts opaque under cfg. Every failure mode returns the same
// opaque invalid-token error; callers learn nothing about why.
func Unseal(opaque string, cfg Config) (*Token, error) {
	return unsealAt(opaque, cfg, time.Now())
}

func unsealAt(opaque string, cfg Config, now time.Time) (*Token, error) {
	salt, key, iv, err := cfg.material()
	if err != nil {
		return nil, merr.Internal(err)
	}

	sealed, err := base64.RawURLEncoding.DecodeString(opaque)
	if err != nil || len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, merr.InvalidAuthToken()
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, merr.Internal(Error.Wrap(err))
	}
	padded := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, sealed)

	plain, ok := unpad(padded)
	if !ok || len(plain) < len(salt) {
		return nil, merr.InvalidAuthToken()
	}
	if subtle.ConstantTimeCompare(plain[:len(salt)], salt) != 1 {
		return nil, merr.InvalidAuthToken()
	}

	zr, err := zlib.NewReader(bytes.NewReader(plain[len(salt):]))
	if err != nil {
		return nil, merr.InvalidAuthToken()
	}
	raw, err := io.ReadAll(io.LimitReader(zr, maxSealedLen*4))
	if err != nil {
		return nil, merr.InvalidAuthToken()
	}

	tok, ok := decode(raw)
	if !ok {
		return nil, merr.InvalidAuthToken()
	}
	if now.Sub(tok.IssuedAt) > cfg.MaxAge {
		return nil, merr.InvalidAuthToken()
	}
	return tok, nil
}

func decode(raw []byte) (*Token, bool) {
	var version struct {
		Version int `json:"v"`
	}
	if err := json.Unmarshal(raw, &version); err != nil {
		return nil, false
	}

	switch version.Version {
	case 2:
		var wire wireV2
		if err := json.Unmarshal(raw, &wire); err != nil || wire.Principal.Account.UUID == "" {
			return nil, false
		}
		tok := &Token{
			Version:     2,
			IssuedAt:    time.UnixMilli(wire.Time),
			AccountUUID: wire.Principal.Account.UUID,
			Conditions:  wire.Condition,
		}
		if wire.Principal.User != nil {
			tok.UserUUID = wire.Principal.User.UUID
		}
		return tok, true

	case 0, 1:
		// v1 tokens usually predate the version field entirely
		var wire wireV1
		if err := json.Unmarshal(raw, &wire); err != nil || wire.UUID == "" {
			return nil, false
		}
		tok := &Token{
			Version:      1,
			IssuedAt:     time.UnixMilli(wire.Time),
			AccountUUID:  wire.UUID,
			AccountLogin: wire.Login,
		}
		for _, g := range wire.Groups {
			if g == "operators" {
				tok.Operator = true
			}
		}
		return tok, true

	default:
		return nil, false
	}
}

func pad(data []byte) []byte {
	n := aes.BlockSize - len(data)%aes.BlockSize
	for i := 0; i < n; i++ {
		data = append(data, byte(n))
	}
	return data
}

func unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
