package protectfs

import (
	"fmt"

	"github.com/absfs/absfs"
)

// FS opens protected files on top of a base filesystem. The zero
// configuration uses the operating system CSPRNG and no sealing key, in
// which case only KDK-mode opens are available.
type FS struct {
	base     absfs.FileSystem
	config   *Config
	platform Platform
	locks    *pathLocks
}

// New creates a protected filesystem over the base filesystem.
func New(base absfs.FileSystem, config *Config) (*FS, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: base filesystem cannot be nil", ErrInvalidArgument)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &FS{
		base:     base,
		config:   config,
		platform: config.platform(),
		locks:    newPathLocks(),
	}, nil
}

// OpenFile opens a protected file in auto-key mode: the metadata key is
// derived from the platform sealing key. mode is an fopen-style string:
// "r", "r+", "w", "w+", "a" or "a+", with an optional ignored "b".
func (pfs *FS) OpenFile(path, mode string) (*File, error) {
	return pfs.openFile(path, mode, nil, nil)
}

// OpenFileWithKey opens a protected file in KDK mode: the metadata key is
// derived from the caller-supplied 16-byte key-derivation key.
func (pfs *FS) OpenFileWithKey(path, mode string, kdk *[KeySize]byte) (*File, error) {
	if kdk == nil {
		return nil, fmt.Errorf("%w: nil KDK", ErrInvalidArgument)
	}
	return pfs.openFile(path, mode, kdk, nil)
}

// Open opens an existing protected file read-only in auto-key mode.
func (pfs *FS) Open(path string) (*File, error) {
	return pfs.OpenFile(path, "r")
}

// Create creates or truncates a protected file in auto-key mode.
func (pfs *FS) Create(path string) (*File, error) {
	return pfs.OpenFile(path, "w+")
}

// Remove deletes a protected file and any stale recovery journal for it.
func (pfs *FS) Remove(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	err := removeFile(pfs.base, path)
	if fileExists(pfs.base, path+RecoveryFileSuffix) {
		pfs.base.Remove(path + RecoveryFileSuffix)
	}
	return err
}

// ExportAutoKey converts an auto-key file's current metadata key into a
// caller-held key, so the file can be moved to another platform and imported
// there. The file itself is not modified.
func (pfs *FS) ExportAutoKey(path string) ([KeySize]byte, error) {
	var key [KeySize]byte
	f, err := pfs.openFile(path, "r", nil, nil)
	if err != nil {
		return key, err
	}
	err = f.preClose(&key)
	return key, err
}

// ImportAutoKey opens a file whose metadata was sealed under an exported
// key and re-seals it under this platform's sealing key.
func (pfs *FS) ImportAutoKey(path string, key *[KeySize]byte) error {
	if key == nil {
		return fmt.Errorf("%w: nil import key", ErrInvalidArgument)
	}
	f, err := pfs.openFile(path, "r+", nil, key)
	if err != nil {
		return err
	}
	return f.Close()
}
