package protectfs

import (
	"crypto/rand"
	"fmt"
)

// Platform supplies the process-wide cryptographic resources: a CSPRNG and,
// optionally, a sealing key for auto-key files. Implementations must be safe
// for concurrent use.
type Platform interface {
	// Rand fills b with cryptographically secure random bytes.
	Rand(b []byte) error

	// SealingKey derives the platform sealing key bound to keyID. Platforms
	// without sealing support return ErrNotSupported, in which case only KDK
	// mode is available.
	SealingKey(keyID *[KeyIDSize]byte) ([KeySize]byte, error)
}

// OSPlatform is the default Platform: the operating system CSPRNG and no
// sealing key.
type OSPlatform struct{}

// Rand fills b from crypto/rand.
func (OSPlatform) Rand(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("failed to read random bytes: %w", err)
	}
	return nil
}

// SealingKey always fails; OSPlatform cannot seal.
func (OSPlatform) SealingKey(keyID *[KeyIDSize]byte) ([KeySize]byte, error) {
	return [KeySize]byte{}, fmt.Errorf("%w: platform has no sealing key", ErrNotSupported)
}

// StaticSealer is a software stand-in for a hardware sealing key: it derives
// per-file sealing keys from a caller-held root secret by CMAC over the
// stored key id. It makes auto-key mode, export and import usable outside
// trusted hardware. The secret must be protected by the caller.
type StaticSealer struct {
	secret [KeySize]byte
}

// NewStaticSealer creates a StaticSealer from a 16-byte root secret.
func NewStaticSealer(secret [KeySize]byte) *StaticSealer {
	return &StaticSealer{secret: secret}
}

// Rand fills b from crypto/rand.
func (s *StaticSealer) Rand(b []byte) error {
	return OSPlatform{}.Rand(b)
}

// SealingKey derives CMAC(secret, keyID).
func (s *StaticSealer) SealingKey(keyID *[KeyIDSize]byte) ([KeySize]byte, error) {
	return cmacTag(s.secret[:], keyID[:])
}
