// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package cipher

import "errors"

// ErrInvalidKey is returned by New when the supplied key is empty or
// longer than 56 bytes (448 bits).
var ErrInvalidKey = errors.New("cipher: invalid key length")

// ErrInvalidCiphertext is returned by Decrypt when the input is not a
// multiple of the 8-byte block size.
var ErrInvalidCiphertext = errors.New("cipher: ciphertext is not a multiple of the block size")

// ErrInvalidPadding is returned by Decrypt when the PKCS#5 padding on the
// final block is malformed.
var ErrInvalidPadding = errors.New("cipher: invalid PKCS#5 padding")

// BlockSize is the Blowfish block size in bytes.
const BlockSize = 8

// MinKeySize and MaxKeySize bound the key length Blowfish accepts, in bytes.
const (
	MinKeySize = 1
	MaxKeySize = 56
)
