package protectfs

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// Password-based derivation of the 16-byte KDK. The KDK itself is what the
// format consumes; these helpers exist so callers can hold a password
// instead of raw key bytes.

// HashFunc selects the PBKDF2 hash function.
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// PBKDF2Params contains parameters for PBKDF2 key derivation.
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
}

// Argon2idParams contains parameters for Argon2id key derivation.
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
}

// PasswordKDK derives KDKs from a password, using Argon2id (recommended) or
// PBKDF2.
type PasswordKDK struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKDK creates a password-based KDK provider using Argon2id.
func NewPasswordKDK(password []byte, params Argon2idParams) *PasswordKDK {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	return &PasswordKDK{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// NewPasswordKDKPBKDF2 creates a password-based KDK provider using PBKDF2.
func NewPasswordKDKPBKDF2(password []byte, params PBKDF2Params) *PasswordKDK {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = 32
	}
	return &PasswordKDK{
		password:     password,
		useArgon2id:  false,
		pbkdf2Params: params,
	}
}

// DeriveKDK derives the 16-byte KDK from the password and salt.
func (p *PasswordKDK) DeriveKDK(salt []byte) ([KeySize]byte, error) {
	var kdk [KeySize]byte
	if len(p.password) == 0 {
		return kdk, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return kdk, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		key := argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			KeySize,
		)
		copy(kdk[:], key)
		zeroize(key)
		return kdk, nil
	}

	var hashFunc func() hash.Hash
	switch p.pbkdf2Params.HashFunc {
	case SHA256:
		hashFunc = sha256.New
	case SHA512:
		hashFunc = sha512.New
	default:
		return kdk, fmt.Errorf("unsupported hash function: %v", p.pbkdf2Params.HashFunc)
	}
	key := pbkdf2.Key(p.password, salt, p.pbkdf2Params.Iterations, KeySize, hashFunc)
	copy(kdk[:], key)
	zeroize(key)
	return kdk, nil
}

// GenerateSalt generates a new random salt of the configured size.
func (p *PasswordKDK) GenerateSalt() ([]byte, error) {
	saltSize := p.argon2Params.SaltSize
	if !p.useArgon2id {
		saltSize = p.pbkdf2Params.SaltSize
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
