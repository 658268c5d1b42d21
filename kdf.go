package protectfs

import (
	"encoding/binary"
	"fmt"
)

// SP800-108 counter-mode KDF with AES-128-CMAC as the PRF, single iteration.
//
// The input block is the packed 112-byte structure
//
//	counter:u32 = 1 || label[64] || node_number:u64 || nonce[32] || L:u32 = 0x80
//
// The 16-byte-nonce flavour (per-node keys) fills the first 16 bytes of the
// nonce area and leaves the rest zero; the 32-byte flavour (metadata key)
// fills it entirely. The CMAC is always taken over the full block.

const (
	labelMasterKey   = "SGX-PROTECTED-FS-MASTER-KEY"
	labelRandomKey   = "SGX-PROTECTED-FS-RANDOM-KEY"
	labelMetadataKey = "SGX-PROTECTED-FS-METADATA-KEY"

	kdfLabelLen  = 64
	kdfInputSize = 4 + kdfLabelLen + 8 + KeyIDSize + 4

	// maxMasterKeyUsages is the number of node keys derived from one session
	// master key before it is rotated.
	maxMasterKeyUsages = 65536
)

// packKDFInput serialises the SP800-108 input block. nonce must be 16 or 32
// bytes.
func packKDFInput(label string, nodeNumber uint64, nonce []byte) ([kdfInputSize]byte, error) {
	var buf [kdfInputSize]byte
	if len(label) > kdfLabelLen {
		return buf, fmt.Errorf("%w: KDF label too long", ErrInvalidArgument)
	}
	if len(nonce) != 16 && len(nonce) != KeyIDSize {
		return buf, fmt.Errorf("%w: KDF nonce must be 16 or 32 bytes", ErrInvalidArgument)
	}
	binary.LittleEndian.PutUint32(buf[0:4], 1)
	copy(buf[4:4+kdfLabelLen], label)
	binary.LittleEndian.PutUint64(buf[68:76], nodeNumber)
	copy(buf[76:76+KeyIDSize], nonce)
	binary.LittleEndian.PutUint32(buf[108:112], 0x80)
	return buf, nil
}

// deriveKey runs one KDF iteration under key with the given label, node
// number and nonce. The input block is wiped before returning.
func deriveKey(key *[KeySize]byte, label string, nodeNumber uint64, nonce []byte) ([KeySize]byte, error) {
	buf, err := packKDFInput(label, nodeNumber, nonce)
	if err != nil {
		return [KeySize]byte{}, err
	}
	out, err := cmacTag(key[:], buf[:])
	zeroize(buf[:])
	if err != nil {
		return [KeySize]byte{}, err
	}
	return out, nil
}

// generateSecureBlob derives a key under the 16-byte-nonce KDF flavour with a
// freshly drawn nonce.
func generateSecureBlob(platform Platform, key *[KeySize]byte, label string, nodeNumber uint64) ([KeySize]byte, error) {
	var nonce [16]byte
	if err := platform.Rand(nonce[:]); err != nil {
		return [KeySize]byte{}, fmt.Errorf("failed to draw KDF nonce: %w", err)
	}
	out, err := deriveKey(key, label, nodeNumber, nonce[:])
	zeroize(nonce[:])
	return out, err
}

// sessionKeys owns the ephemeral master key from which per-node keys are
// derived, and enforces its rotation schedule.
type sessionKeys struct {
	platform  Platform
	masterKey [KeySize]byte
	count     uint32
}

func newSessionKeys(platform Platform) (*sessionKeys, error) {
	s := &sessionKeys{platform: platform}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// rotate re-derives the session master key from the zero key.
func (s *sessionKeys) rotate() error {
	var zero [KeySize]byte
	key, err := generateSecureBlob(s.platform, &zero, labelMasterKey, 0)
	if err != nil {
		return err
	}
	s.masterKey = key
	s.count = 0
	return nil
}

// nodeKey derives a fresh single-use key for the given physical node number,
// rotating the master key when its usage budget is exhausted.
func (s *sessionKeys) nodeKey(physicalNodeNumber uint64) ([KeySize]byte, error) {
	s.count++
	if s.count > maxMasterKeyUsages {
		if err := s.rotate(); err != nil {
			return [KeySize]byte{}, err
		}
		s.count++
	}
	return generateSecureBlob(s.platform, &s.masterKey, labelRandomKey, physicalNodeNumber)
}

// wipe scrubs the master key.
func (s *sessionKeys) wipe() {
	zeroize(s.masterKey[:])
	s.count = 0
}
