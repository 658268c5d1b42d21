package protectfs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// File is an open protected file. A File is owned by a single caller; its
// whole public surface is serialised by one mutex. Between opens, mutual
// exclusion on the backing file is enforced by the advisory lock: read-only
// opens share, any writable open is exclusive.
type File struct {
	mu sync.Mutex

	fs        *FS
	host      *hostFile
	path      string
	cleanName string
	mode      openMode

	metaPlain     metaPlain
	metaEncrypted metaEncrypted
	metaNodeImage [NodeSize]byte // metadata node as currently on disk

	useUserKDK bool
	userKDK    [KeySize]byte
	curKey     [KeySize]byte // current metadata key
	session    *sessionKeys

	rootMht *cacheNode
	cache   *lruCache

	cacheCap    int
	offset      int64
	eof         bool
	needWriting bool
	diskNodes   uint64 // nodes currently on disk

	status  FileStatus
	lastErr error

	recoveryPath string
}

// openFile constructs a File. Exactly one of kdk and importKey may be set;
// with neither, the platform sealing key is used.
func (pfs *FS) openFile(path, mode string, kdk, importKey *[KeySize]byte) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	om, err := parseOpenMode(mode)
	if err != nil {
		return nil, err
	}
	cleanName := filepath.Base(path)
	if len(cleanName) >= FilenameMaxLen {
		return nil, fmt.Errorf("%w: filename longer than %d bytes", ErrInvalidArgument, FilenameMaxLen-1)
	}

	f := &File{
		fs:           pfs,
		path:         path,
		cleanName:    cleanName,
		mode:         om,
		cache:        newLRUCache(),
		cacheCap:     pfs.config.cacheSize(),
		recoveryPath: path + RecoveryFileSuffix,
		status:       StatusNotInitialized,
	}
	if kdk != nil {
		f.useUserKDK = true
		f.userKDK = *kdk
	}

	// Replay a pending journal before any other validation.
	if err := recoverIfNeeded(pfs.base, path, f.recoveryPath); err != nil {
		return nil, err
	}

	exists := fileExists(pfs.base, path)
	if !exists && !om.create() {
		return nil, NewIOError("open", path, errors.New("no such file"))
	}

	f.session, err = newSessionKeys(pfs.platform)
	if err != nil {
		return nil, err
	}

	host, size, err := openExclusive(pfs.base, pfs.locks, path, om.readOnly(), om.create())
	if err != nil {
		return nil, err
	}
	f.host = host

	if om.truncate() && size > 0 {
		if err := host.truncate(0); err != nil {
			host.close()
			return nil, err
		}
		size = 0
	}

	if size == 0 && om.readOnly() {
		host.close()
		return nil, NewCorruptionError(path, "empty file")
	}
	if size == 0 {
		err = f.initNewFile()
	} else {
		err = f.initExistingFile(size, importKey)
	}
	if err != nil {
		host.close()
		f.scrub()
		return nil, err
	}

	if om.append {
		f.offset = f.metaEncrypted.Size
	}
	f.status = StatusOK
	return f, nil
}

// initNewFile sets up the in-memory metadata of an empty container. The
// metadata key is derived at the first flush; an empty create still writes
// one metadata node at close.
func (f *File) initNewFile() error {
	f.metaPlain = metaPlain{
		FileID: FileID,
		Major:  MajorVersion,
		Minor:  MinorVersion,
	}
	if f.useUserKDK {
		f.metaPlain.UseUserKDK = 1
	}
	if err := f.metaEncrypted.setFilename(f.cleanName); err != nil {
		return err
	}
	f.diskNodes = 0
	f.needWriting = true
	return nil
}

// initExistingFile reads and authenticates the metadata node, restores the
// metadata key, unseals the encrypted part and loads the root MHT node.
func (f *File) initExistingFile(size int64, importKey *[KeySize]byte) error {
	if size%NodeSize != 0 {
		return NewCorruptionError(f.path, fmt.Sprintf("backing file size %d is not node aligned", size))
	}
	f.diskNodes = uint64(size / NodeSize)

	if err := f.host.readNode(0, f.metaNodeImage[:]); err != nil {
		return err
	}
	f.metaPlain.unmarshal(f.metaNodeImage[:metaPlainSize])

	if f.metaPlain.FileID != FileID {
		return ErrBadMagic
	}
	if f.metaPlain.Major != MajorVersion {
		return ErrBadVersion
	}
	if f.metaPlain.UpdateFlag != 0 {
		// An interrupted commit whose journal is gone cannot be repaired.
		return ErrRecoveryNeeded
	}
	if (f.metaPlain.UseUserKDK == 1) != f.useUserKDK {
		if f.useUserKDK {
			return fmt.Errorf("%w: file was not created with a user KDK", ErrInvalidArgument)
		}
		return fmt.Errorf("%w: file requires a user KDK", ErrInvalidArgument)
	}

	if importKey != nil {
		f.curKey = *importKey
	} else if err := f.restoreMetaDataKey(); err != nil {
		return err
	}

	var plain [metaEncryptedSize]byte
	sealed := f.metaNodeImage[metaPlainSize : metaPlainSize+metaEncryptedSize]
	if err := gcmOpen(f.curKey[:], nil, sealed, &f.metaPlain.GMAC, plain[:]); err != nil {
		return err
	}
	f.metaEncrypted.unmarshal(plain[:])
	zeroize(plain[:])

	if f.metaEncrypted.Size < 0 {
		return NewCorruptionError(f.path, "negative logical size")
	}
	if f.metaEncrypted.filename() != f.cleanName {
		return ErrNameMismatch
	}
	if f.metaEncrypted.Size > MDUserDataSize {
		last := dataNumberForOffset(f.metaEncrypted.Size - 1)
		if physicalOfData(last) >= f.diskNodes {
			return NewCorruptionError(f.path, "logical size exceeds backing file")
		}
		root := newMhtNode(0, false)
		if err := f.host.readNode(root.physical, root.cipher[:]); err != nil {
			return err
		}
		if err := gcmOpen(f.metaEncrypted.MhtKey[:], nil, root.cipher[:], &f.metaEncrypted.MhtGmac, root.plain[:]); err != nil {
			return err
		}
		f.rootMht = root
	}

	if importKey != nil {
		// Re-seal under a fresh platform key at the next flush.
		f.needWriting = true
	}
	return nil
}

// checkStatus returns the sticky error for files not in the Ok state.
func (f *File) checkStatus() error {
	if f.status == StatusOK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadStatus, f.status)
}

// setLastError records a recoverable operation error.
func (f *File) setLastError(err error) error {
	f.lastErr = err
	return err
}

// setStatusError records err and transitions the file to the given state.
func (f *File) setStatusError(status FileStatus, err error) error {
	f.status = status
	f.lastErr = err
	return err
}

// setCryptoError records an authentication failure at a node and moves the
// file to the terminal crypto-error state.
func (f *File) setCryptoError(node uint64) error {
	return f.setStatusError(StatusCryptoError, &AuthenticationError{Path: f.path, Node: node})
}

// LastError returns the most recent operation error, or a bad-status error
// if the file left the Ok state.
func (f *File) LastError() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastErr != nil {
		return f.lastErr
	}
	if f.status != StatusOK {
		return fmt.Errorf("%w: %s", ErrBadStatus, f.status)
	}
	return nil
}

// Status returns the lifecycle state of the file.
func (f *File) Status() FileStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// MetaGMAC returns the GMAC currently authenticating the metadata node; it
// changes on every flush and uniquely identifies the file content version.
func (f *File) MetaGMAC() ([GMACSize]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == StatusClosed || f.status == StatusNotInitialized {
		return [GMACSize]byte{}, fmt.Errorf("%w: %s", ErrBadStatus, f.status)
	}
	return f.metaPlain.GMAC, nil
}

// Close flushes pending changes, releases the advisory lock and wipes all
// plaintext and key material. Closing a file in a terminal error state still
// releases resources but does not flush.
func (f *File) Close() error {
	return f.preClose(nil)
}

// preClose is the shared close path. exportKey, when non-nil, receives the
// current metadata key (auto-key files only).
func (f *File) preClose(exportKey *[KeySize]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status == StatusClosed {
		return fmt.Errorf("%w: %s", ErrBadStatus, f.status)
	}

	var firstErr error
	if f.status == StatusOK {
		firstErr = f.internalFlush(true)
	} else if f.status.recoverable() {
		f.clearErrorLocked()
		if f.status != StatusOK && firstErr == nil {
			firstErr = f.lastErr
		}
	} else if f.lastErr != nil {
		firstErr = f.lastErr
	}

	if exportKey != nil {
		if f.useUserKDK {
			err := fmt.Errorf("%w: cannot export the key of a KDK file", ErrInvalidArgument)
			if firstErr == nil {
				firstErr = err
			}
		} else {
			*exportKey = f.curKey
		}
	}

	if f.host != nil {
		if err := f.host.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.host = nil
	}
	f.scrub()
	f.status = StatusClosed
	return firstErr
}

// scrub wipes every piece of plaintext and key material held in memory.
func (f *File) scrub() {
	for f.cache.size() > 0 {
		f.cache.removeLast().wipe()
	}
	if f.rootMht != nil {
		f.rootMht.wipe()
		f.rootMht = nil
	}
	f.metaEncrypted.wipe()
	zeroize(f.userKDK[:])
	zeroize(f.curKey[:])
	if f.session != nil {
		f.session.wipe()
	}
}
