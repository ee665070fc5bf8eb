// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Key is the lookup key into the Store.
//
// A Key is destination identity plus a fingerprint, for example
// "pihole@http://10.0.0.2:80#3f9a...". The fingerprint is a keyed hash and
// never contains the secret.
type Key string

// keyContext is the BLAKE3 derive-key context for fingerprint keys.
const keyContext = "quantom broker 2025 session key fingerprint v1"

// fingerprintBytes is the truncated fingerprint length before hex encoding.
const fingerprintBytes = 16

// Keyer derives session keys.
//
// # Description
//
// Fingerprints are BLAKE3 keyed hashes. The hashing key is derived from a
// process seed, so fingerprints cannot be reversed or precomputed without
// the seed. The seed does not need to survive restarts because the Store
// does not either.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Keyer struct {
	key [32]byte
}

// NewKeyer derives a Keyer from seed. The same seed yields the same keys.
func NewKeyer(seed []byte) *Keyer {
	k := &Keyer{}
	blake3.DeriveKey(keyContext, seed, k.key[:])
	return k
}

// NewRandomKeyer creates a Keyer with a random seed.
func NewRandomKeyer() (*Keyer, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to read random seed: %w", err)
	}
	return NewKeyer(seed), nil
}

// Fingerprint returns a hex keyed hash over parts, NUL separated.
func (k *Keyer) Fingerprint(parts ...string) string {
	hasher, err := blake3.NewKeyed(k.key[:])
	if err != nil {
		// Only possible with a key that is not 32 bytes.
		panic("session: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		_, _ = hasher.Write([]byte(p))
		_, _ = hasher.Write([]byte{0})
	}
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// ForCredential derives the key for a destination reached with a per-item
// credential.
//
// # Inputs
//
//   - dest: Resolved destination.
//   - username: Optional username.
//   - storedSecret: The secret as stored (possibly still encoded). Using the
//     stored form lets logout find the session without decoding anything.
func (k *Keyer) ForCredential(dest Destination, username, storedSecret string) Key {
	return Key(dest.String() + "#" + k.Fingerprint("cred", username, storedSecret))
}

// ForUser derives the key for a destination shared per dashboard user.
func (k *Keyer) ForUser(dest Destination, userID string) Key {
	return Key(dest.String() + "#u" + k.Fingerprint("user", userID))
}
