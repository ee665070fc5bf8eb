// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credentials resolves dashboard items to upstream connections and
// decodes stored secrets.
//
// # Description
//
// The dashboard keeps its widget configuration in an items file (JSON with
// comments). FileResolver loads it, normalises the secret fields and hands
// the broker engine a Connection per item. Secrets may be stored encoded
// with Codec; decoding happens in the engine right before login.
package credentials

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EncodedPrefix marks a stored secret as encoded.
const EncodedPrefix = "ENC:"

// codecVersion is authenticated as additional data so a tampered version
// byte fails to open.
const codecVersion byte = 0x01

// MinMasterKeyLength is the shortest accepted master secret.
const MinMasterKeyLength = 16

var hkdfInfoSecret = []byte("quantom.broker.secret.v1")

// ErrMasterKeyTooShort is returned by NewCodec for weak master secrets.
var ErrMasterKeyTooShort = errors.New("credentials: master key must be at least 16 bytes")

// Codec encodes and decodes stored secrets.
//
// # Description
//
// Encoded secrets have the form "ENC:" + base64url(version || nonce ||
// ciphertext+tag), sealed with XChaCha20-Poly1305 under a key derived from
// the master secret with HKDF-SHA256.
//
// A nil *Codec treats every encoded secret as undecodable.
//
// # Thread Safety
//
// Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the sealing key from masterKey.
func NewCodec(masterKey []byte) (*Codec, error) {
	if len(masterKey) < MinMasterKeyLength {
		return nil, ErrMasterKeyTooShort
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, hkdfInfoSecret), key); err != nil {
		return nil, fmt.Errorf("deriving secret key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// IsEncoded reports whether secret carries the encoded prefix.
func (c *Codec) IsEncoded(secret string) bool {
	return strings.HasPrefix(secret, EncodedPrefix)
}

// Encode seals plaintext.
func (c *Codec) Encode(plaintext string) (string, error) {
	if c == nil {
		return "", errors.New("credentials: no codec configured")
	}
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, 1+len(nonce), 1+len(nonce)+len(plaintext)+c.aead.Overhead())
	out[0] = codecVersion
	copy(out[1:], nonce[:])
	out = c.aead.Seal(out, nonce[:], []byte(plaintext), []byte{codecVersion})

	return EncodedPrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode opens an encoded secret.
//
// # Outputs
//
//   - string: The plaintext; the input unchanged when it is not encoded;
//     "" when it is encoded but cannot be opened.
func (c *Codec) Decode(secret string) string {
	if !c.IsEncoded(secret) {
		return secret
	}
	if c == nil {
		return ""
	}
	blob, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(secret, EncodedPrefix))
	if err != nil {
		return ""
	}
	if len(blob) < 1+chacha20poly1305.NonceSizeX+c.aead.Overhead() || blob[0] != codecVersion {
		return ""
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := c.aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], []byte{codecVersion})
	if err != nil {
		return ""
	}
	return string(plaintext)
}
