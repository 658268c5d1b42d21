package protectfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/aead/cmac"
)

// zeroIV is the fixed IV used for every node seal. Every seal uses a fresh
// single-use key, so the (key, IV) pair never repeats.
var zeroIV [IVSize]byte

// gcmSeal encrypts plain under key with the fixed zero IV and returns the
// authentication tag. dst receives exactly len(plain) ciphertext bytes.
func gcmSeal(key []byte, aad, plain, dst []byte) ([GMACSize]byte, error) {
	var tag [GMACSize]byte
	if len(dst) < len(plain) {
		return tag, fmt.Errorf("%w: seal destination too small", ErrInvalidArgument)
	}
	aead, err := newGCM(key)
	if err != nil {
		return tag, err
	}
	sealed := aead.Seal(nil, zeroIV[:], plain, aad)
	copy(dst, sealed[:len(plain)])
	copy(tag[:], sealed[len(plain):])
	return tag, nil
}

// gcmOpen decrypts ciphertext under key with the fixed zero IV, verifying it
// against tag. gcmOpen is the sole authority for authentication: on tag
// mismatch dst is wiped and ErrAuthFailed is returned.
func gcmOpen(key []byte, aad, ciphertext []byte, tag *[GMACSize]byte, dst []byte) error {
	if len(dst) < len(ciphertext) {
		return fmt.Errorf("%w: open destination too small", ErrInvalidArgument)
	}
	aead, err := newGCM(key)
	if err != nil {
		return err
	}
	sealed := make([]byte, 0, len(ciphertext)+GMACSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag[:]...)
	if _, err := aead.Open(dst[:0], zeroIV[:], sealed, aad); err != nil {
		zeroize(dst[:len(ciphertext)])
		return ErrAuthFailed
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: AES-128 requires a %d-byte key, got %d", ErrInvalidArgument, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

// cmacTag computes the AES-128-CMAC of msg under key.
func cmacTag(key, msg []byte) ([KeySize]byte, error) {
	var tag [KeySize]byte
	if len(key) != KeySize {
		return tag, fmt.Errorf("%w: CMAC requires a %d-byte key, got %d", ErrInvalidArgument, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return tag, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	sum, err := cmac.Sum(msg, block, aes.BlockSize)
	if err != nil {
		return tag, fmt.Errorf("failed to compute CMAC: %w", err)
	}
	copy(tag[:], sum)
	return tag, nil
}

// ctEq compares a and b in constant time.
func ctEq(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// zeroize overwrites b with zeros.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
