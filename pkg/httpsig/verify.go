// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package httpsig

import (
	"crypto/dsa" //nolint:staticcheck // legacy account keys are still DSA
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/pem"
	"math/big"

	"golang.org/x/crypto/ssh"

	"github.com/manta-io/muskie/pkg/merr"
)

var base64Std = base64.StdEncoding

// ParsePublicKey accepts a stored key in OpenSSH authorized_keys form or
// PEM-enveloped PKIX form and returns the crypto public key.
func ParsePublicKey(material string) (interface{}, error) {
	if block, _ := pem.Decode([]byte(material)); block != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		return key, nil
	}

	sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	cryptoKey, ok := sshKey.(ssh.CryptoPublicKey)
	if !ok {
		return nil, Error.New("unsupported key type %q", sshKey.Type())
	}
	return cryptoKey.CryptoPublicKey(), nil
}

// Fingerprint returns the legacy colon-separated MD5 fingerprint of a stored
// key, the form used in keyIds.
func Fingerprint(material string) (string, error) {
	sshKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(material))
	if err != nil {
		return "", Error.Wrap(err)
	}
	return ssh.FingerprintLegacyMD5(sshKey), nil
}

type dsaSignature struct {
	R, S *big.Int
}

// Verify checks signature over signingString with the given stored key.
// A key/algorithm family mismatch or a bad signature yields InvalidSignature;
// anything unexpected from the crypto stack yields InternalError.
func Verify(material string, algorithm Algorithm, signingString, signature []byte) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = merr.Internal(Error.New("signature verification panic: %v", recovered))
		}
	}()

	key, err := ParsePublicKey(material)
	if err != nil {
		return merr.Internal(err)
	}

	hasher := algorithm.Hash.New()
	hasher.Write(signingString)
	digest := hasher.Sum(nil)

	switch key := key.(type) {
	case *rsa.PublicKey:
		if algorithm.Family != "rsa" {
			return merr.InvalidSignature()
		}
		if rsa.VerifyPKCS1v15(key, algorithm.Hash, digest, signature) != nil {
			return merr.InvalidSignature()
		}
		return nil

	case *ecdsa.PublicKey:
		if algorithm.Family != "ecdsa" {
			return merr.InvalidSignature()
		}
		if !ecdsa.VerifyASN1(key, digest, signature) {
			return merr.InvalidSignature()
		}
		return nil

	case *dsa.PublicKey:
		if algorithm.Family != "dsa" {
			return merr.InvalidSignature()
		}
		var sig dsaSignature
		if _, err := asn1.Unmarshal(signature, &sig); err != nil {
			return merr.InvalidSignature()
		}
		if !dsa.Verify(key, digest, sig.R, sig.S) {
			return merr.InvalidSignature()
		}
		return nil

	default:
		return merr.Internal(Error.New("unsupported public key type %T", key))
	}
}
