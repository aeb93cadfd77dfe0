// SPDX-FileCopyrightText: © 2024 the meshbus authors
// SPDX-License-Identifier: AGPL-3.0-only

package cipher

import "github.com/awnumar/memguard"

// Cipher holds one Blowfish key schedule: an 18-entry P-array and four
// 256-entry S-boxes, derived once from a 1-56 byte key and immutable for
// the life of the value. A Cipher is safe for concurrent use by multiple
// goroutines (EncryptBlock/DecryptBlock/Encrypt/Decrypt never mutate it).
type Cipher struct {
	p  [18]uint32
	s0 [256]uint32
	s1 [256]uint32
	s2 [256]uint32
	s3 [256]uint32
}

// New derives a Cipher from key, which must be between MinKeySize and
// MaxKeySize bytes inclusive.
func New(key []byte) (*Cipher, error) {
	if len(key) < MinKeySize || len(key) > MaxKeySize {
		return nil, ErrInvalidKey
	}

	// Hold the raw key material in a locked buffer for the duration of
	// the schedule; it never needs to outlive this call.
	locked := memguard.NewBufferFromBytes(append([]byte(nil), key...))
	locked.Freeze()
	defer locked.Destroy()

	c := &Cipher{
		p:  origP,
		s0: origS0,
		s1: origS1,
		s2: origS2,
		s3: origS3,
	}
	c.expandKey(locked.Bytes())
	return c, nil
}

// expandKey runs the Blowfish key schedule: XOR the P-array with the
// (cycled) key bytes, then repeatedly encrypt the all-zero block and use
// the result to overwrite P pairs and then S-box pairs, in order.
func (c *Cipher) expandKey(key []byte) {
	ki := 0
	for i := range c.p {
		var word uint32
		for b := 0; b < 4; b++ {
			word = (word << 8) | uint32(key[ki])
			ki = (ki + 1) % len(key)
		}
		c.p[i] ^= word
	}

	var l, r uint32
	for i := 0; i < 18; i += 2 {
		l, r = c.encryptWords(l, r)
		c.p[i] = l
		c.p[i+1] = r
	}
	for _, box := range [][]uint32{c.s0[:], c.s1[:], c.s2[:], c.s3[:]} {
		for i := 0; i < 256; i += 2 {
			l, r = c.encryptWords(l, r)
			box[i] = l
			box[i+1] = r
		}
	}
}
