// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package pfs

import (
	"crypto/aes"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/xts"
)

// Cipher decrypts individual sectors of an image. The plaintext of sector n
// depends only on the key, n, and the ciphertext, never on prior sectors,
// so sectors may be decrypted in any order or concurrently.
type Cipher struct {
	// c is nil in unencrypted mode, in which case decryption is the
	// identity.
	c *xts.Cipher
}

// NewCipher builds the sector cipher for the image described by sb.
//
// When the superblock declares unencrypted mode the returned cipher is the
// identity and key material is ignored entirely. Otherwise key must be an
// AES-XTS key (32, 48 or 64 bytes) matching the superblock's key digest.
func NewCipher(sb *SuperBlock, key []byte) (*Cipher, error) {
	if !sb.Encrypted() {
		return &Cipher{}, nil
	}

	if len(key) == 0 {
		return nil, fmt.Errorf("%w: image is encrypted but no key was supplied", ErrInvalidKey)
	}

	switch len(key) {
	case 32, 48, 64:
	default:
		return nil, fmt.Errorf("%w: unsupported key length %d", ErrInvalidKey, len(key))
	}

	digest := KeyDigest(key)
	if subtle.ConstantTimeCompare(digest[:], sb.KeyDigest[:]) != 1 {
		return nil, fmt.Errorf("%w: key does not match the image's key digest", ErrInvalidKey)
	}

	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return &Cipher{c: c}, nil
}

// DecryptSector decrypts the ciphertext of sector n in place and returns
// the same buffer. In unencrypted mode the input is returned unchanged.
func (c *Cipher) DecryptSector(n uint64, buf []byte) []byte {
	if c.c == nil {
		return buf
	}

	// The logical sector index is the XTS sequence number.
	c.c.Decrypt(buf, buf, n)

	return buf
}

// KeyDigest returns the superblock digest for the given key material.
func KeyDigest(key []byte) [16]byte {
	sum := sha256.Sum256(key)

	var digest [16]byte
	copy(digest[:], sum[:])

	return digest
}
