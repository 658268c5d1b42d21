package protectfs

import (
	"fmt"
	"strings"
)

const (
	// NodeSize is the fundamental on-disk unit of the container.
	NodeSize = 4096

	// KeySize is the AES-128 key size used throughout the format.
	KeySize = 16

	// GMACSize is the AES-128-GCM authentication tag size.
	GMACSize = 16

	// IVSize is the AES-GCM IV size.
	IVSize = 12

	// KeyIDSize is the size of the metadata key id persisted in the plain
	// part of the metadata node.
	KeyIDSize = 32

	// FilenameMaxLen is the maximum canonical filename length, including the
	// terminating NUL.
	FilenameMaxLen = 260

	// MDUserDataSize is the inline user-data capacity of the metadata node.
	// The first MDUserDataSize bytes of every file live here; files that
	// never grow beyond it occupy a single node on disk.
	MDUserDataSize = NodeSize * 3 / 4

	// AttachedDataNodesCount is the number of data nodes attached to each
	// MHT node.
	AttachedDataNodesCount = (NodeSize / 32) * 3 / 4 // 96

	// ChildMhtNodesCount is the number of child MHT nodes each MHT node can
	// authenticate.
	ChildMhtNodesCount = (NodeSize / 32) * 1 / 4 // 32

	// DefaultCacheSize is the soft cap on resident plaintext nodes. It
	// covers the deepest MHT path plus a small working set.
	DefaultCacheSize = 48

	// RecoveryFileSuffix is appended to the container path to form the
	// recovery journal path.
	RecoveryFileSuffix = "_recovery"
)

const minCacheSize = 8

// FileStatus is the lifecycle state of an open protected file.
type FileStatus uint8

const (
	// StatusNotInitialized is the zero state before construction completes.
	StatusNotInitialized FileStatus = iota
	// StatusOK is the normal operating state.
	StatusOK
	// StatusFlushError marks a failed flush whose journal and ciphertext
	// buffers are still consistent; ClearError retries the full flush.
	StatusFlushError
	// StatusWriteToDiskFailed marks a failed commit whose journal is already
	// durable; ClearError retries only the disk writes.
	StatusWriteToDiskFailed
	// StatusCryptoError is terminal: an authentication or key-derivation
	// failure occurred.
	StatusCryptoError
	// StatusCorrupted is terminal: a structural invariant was violated.
	StatusCorrupted
	// StatusMemoryCorrupted is terminal: in-memory state failed a sanity
	// check.
	StatusMemoryCorrupted
	// StatusClosed marks a cleanly closed file.
	StatusClosed
)

// String returns the string representation of the file status.
func (s FileStatus) String() string {
	switch s {
	case StatusNotInitialized:
		return "not-initialized"
	case StatusOK:
		return "ok"
	case StatusFlushError:
		return "flush-error"
	case StatusWriteToDiskFailed:
		return "write-to-disk-failed"
	case StatusCryptoError:
		return "crypto-error"
	case StatusCorrupted:
		return "corrupted"
	case StatusMemoryCorrupted:
		return "memory-corrupted"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// recoverable reports whether ClearError can move the file back to StatusOK.
func (s FileStatus) recoverable() bool {
	return s == StatusFlushError || s == StatusWriteToDiskFailed
}

// Config contains configuration for a protected filesystem.
type Config struct {
	// Platform supplies the CSPRNG and, optionally, the sealing key used by
	// auto-key mode. Nil selects OSPlatform, which has no sealing key.
	Platform Platform

	// CacheSize is the soft cap on resident plaintext nodes per open file.
	// Zero selects DefaultCacheSize.
	CacheSize int
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.CacheSize != 0 && c.CacheSize < minCacheSize {
		return fmt.Errorf("%w: cache size %d below minimum %d", ErrInvalidArgument, c.CacheSize, minCacheSize)
	}
	return nil
}

func (c *Config) platform() Platform {
	if c == nil || c.Platform == nil {
		return OSPlatform{}
	}
	return c.Platform
}

func (c *Config) cacheSize() int {
	if c == nil || c.CacheSize == 0 {
		return DefaultCacheSize
	}
	return c.CacheSize
}

// openMode is the parsed form of a C-style fopen mode string.
type openMode struct {
	read   bool // "r"
	write  bool // "w"
	append bool // "a"
	update bool // "+"
}

// parseOpenMode parses an fopen-style mode string. The first character must
// be one of 'r', 'w' or 'a'; '+' and 'b' may follow in any order. The 'b'
// suffix is accepted and ignored.
func parseOpenMode(mode string) (openMode, error) {
	var m openMode
	if mode == "" || len(mode) > 3 {
		return m, fmt.Errorf("%w: bad open mode %q", ErrInvalidArgument, mode)
	}
	switch mode[0] {
	case 'r':
		m.read = true
	case 'w':
		m.write = true
	case 'a':
		m.append = true
	default:
		return m, fmt.Errorf("%w: bad open mode %q", ErrInvalidArgument, mode)
	}
	rest := mode[1:]
	if strings.Count(rest, "+") > 1 || strings.Count(rest, "b") > 1 ||
		len(strings.Trim(rest, "+b")) != 0 {
		return m, fmt.Errorf("%w: bad open mode %q", ErrInvalidArgument, mode)
	}
	m.update = strings.Contains(rest, "+")
	return m, nil
}

// canRead reports whether the mode permits reading.
func (m openMode) canRead() bool { return m.read || m.update }

// canWrite reports whether the mode permits writing.
func (m openMode) canWrite() bool { return m.write || m.append || m.update }

// readOnly reports whether the backing file may be opened with a shared lock.
func (m openMode) readOnly() bool { return m.read && !m.update }

// truncate reports whether opening discards existing content.
func (m openMode) truncate() bool { return m.write }

// create reports whether opening may create a missing file.
func (m openMode) create() bool { return m.write || m.append }
