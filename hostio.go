package protectfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// Raw node I/O over an absfs.FileSystem. All container access goes through
// this layer: exclusive-locked opens, fixed-offset node reads and writes,
// sequential recovery-journal appends, flush and remove.

const (
	recoveryOpenRetries = 10
	recoveryOpenBackoff = 10 * time.Millisecond
)

// pathLocks is the in-process advisory lock table, keyed by path. It
// complements flock for base filesystems (memfs) that have no OS-level file
// descriptors, and covers multiple handles within one process either way.
type pathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLockState
}

type pathLockState struct {
	readers int
	writer  bool
}

func newPathLocks() *pathLocks {
	return &pathLocks{locks: make(map[string]*pathLockState)}
}

// acquire takes the lock for path, shared or exclusive, without blocking.
func (p *pathLocks) acquire(path string, shared bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.locks[path]
	if st == nil {
		st = &pathLockState{}
		p.locks[path] = st
	}
	if st.writer || (!shared && st.readers > 0) {
		return fmt.Errorf("%w: %s", ErrBusy, path)
	}
	if shared {
		st.readers++
	} else {
		st.writer = true
	}
	return nil
}

// release drops a previously acquired lock.
func (p *pathLocks) release(path string, shared bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.locks[path]
	if st == nil {
		return
	}
	if shared {
		if st.readers > 0 {
			st.readers--
		}
	} else {
		st.writer = false
	}
	if !st.writer && st.readers == 0 {
		delete(p.locks, path)
	}
}

// fdFile is implemented by OS-backed files; such files additionally get an
// OS advisory flock so the exclusion holds across processes.
type fdFile interface {
	Fd() uintptr
}

// hostFile is an open, locked backing file.
type hostFile struct {
	f        absfs.File
	path     string
	locks    *pathLocks
	shared   bool
	flocked  bool
	readOnly bool
}

// openExclusive creates or opens the backing file and takes the advisory
// lock: shared for read-only opens, exclusive otherwise, non-blocking. It
// returns the open handle and the current file size.
func openExclusive(base absfs.FileSystem, locks *pathLocks, path string, readOnly, create bool) (*hostFile, int64, error) {
	if path == "" {
		return nil, 0, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if err := locks.acquire(path, readOnly); err != nil {
		return nil, 0, err
	}
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	if create {
		flag |= os.O_CREATE
	}
	f, err := base.OpenFile(path, flag, 0666)
	if err != nil {
		locks.release(path, readOnly)
		return nil, 0, NewIOError("open", path, err)
	}
	h := &hostFile{f: f, path: path, locks: locks, shared: readOnly, readOnly: readOnly}
	if ff, ok := f.(fdFile); ok {
		op := unix.LOCK_EX
		if readOnly {
			op = unix.LOCK_SH
		}
		if err := unix.Flock(int(ff.Fd()), op|unix.LOCK_NB); err != nil {
			h.closeUnlocked()
			if errors.Is(err, unix.EWOULDBLOCK) {
				return nil, 0, fmt.Errorf("%w: %s", ErrBusy, path)
			}
			return nil, 0, NewIOError("lock", path, err)
		}
		h.flocked = true
	}
	info, err := f.Stat()
	if err != nil {
		h.close()
		return nil, 0, NewIOError("stat", path, err)
	}
	return h, info.Size(), nil
}

// readNode reads physical node n into buf, which must be NodeSize bytes.
func (h *hostFile) readNode(n uint64, buf []byte) error {
	if len(buf) != NodeSize {
		return fmt.Errorf("%w: node buffer must be %d bytes", ErrInvalidArgument, NodeSize)
	}
	if _, err := h.f.Seek(int64(n)*NodeSize, io.SeekStart); err != nil {
		return NewNodeIOError("read", h.path, n, err)
	}
	if _, err := io.ReadFull(h.f, buf); err != nil {
		return NewNodeIOError("read", h.path, n, err)
	}
	return nil
}

// writeNode writes buf, which must be NodeSize bytes, to physical node n.
func (h *hostFile) writeNode(n uint64, buf []byte) error {
	if len(buf) != NodeSize {
		return fmt.Errorf("%w: node buffer must be %d bytes", ErrInvalidArgument, NodeSize)
	}
	if _, err := h.f.Seek(int64(n)*NodeSize, io.SeekStart); err != nil {
		return NewNodeIOError("write", h.path, n, err)
	}
	if _, err := h.f.Write(buf); err != nil {
		return NewNodeIOError("write", h.path, n, err)
	}
	return nil
}

// truncate discards the file contents.
func (h *hostFile) truncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return NewIOError("truncate", h.path, err)
	}
	return nil
}

// flush pushes buffered writes to the backing store.
func (h *hostFile) flush() error {
	if err := h.f.Sync(); err != nil {
		return NewIOError("flush", h.path, err)
	}
	return nil
}

// close releases the advisory locks and closes the handle.
func (h *hostFile) close() error {
	if h.flocked {
		if ff, ok := h.f.(fdFile); ok {
			unix.Flock(int(ff.Fd()), unix.LOCK_UN)
		}
		h.flocked = false
	}
	return h.closeUnlocked()
}

func (h *hostFile) closeUnlocked() error {
	err := h.f.Close()
	h.locks.release(h.path, h.shared)
	if err != nil {
		return NewIOError("close", h.path, err)
	}
	return nil
}

// recoveryFile is an open recovery journal being written.
type recoveryFile struct {
	f    absfs.File
	path string
}

// openRecovery creates (truncating) the recovery journal, retrying a bounded
// number of times with back-off.
func openRecovery(base absfs.FileSystem, path string) (*recoveryFile, error) {
	var f absfs.File
	var err error
	for i := 0; i < recoveryOpenRetries; i++ {
		f, err = base.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
		if err == nil {
			return &recoveryFile{f: f, path: path}, nil
		}
		time.Sleep(recoveryOpenBackoff)
	}
	return nil, NewIOError("open", path, err)
}

// appendNode appends one recovery record: the physical node number followed
// by the node's current on-disk image.
func (r *recoveryFile) appendNode(n uint64, image []byte) error {
	if len(image) != NodeSize {
		return fmt.Errorf("%w: recovery image must be %d bytes", ErrInvalidArgument, NodeSize)
	}
	var rec [recoveryNodeSize]byte
	binary.LittleEndian.PutUint64(rec[:8], n)
	copy(rec[8:], image)
	if _, err := r.f.Write(rec[:]); err != nil {
		return NewIOError("write", r.path, err)
	}
	return nil
}

// flush pushes the journal to the backing store.
func (r *recoveryFile) flush() error {
	if err := r.f.Sync(); err != nil {
		return NewIOError("flush", r.path, err)
	}
	return nil
}

// close closes the journal handle.
func (r *recoveryFile) close() error {
	if err := r.f.Close(); err != nil {
		return NewIOError("close", r.path, err)
	}
	return nil
}

// fileExists reports whether path exists on the base filesystem.
func fileExists(base absfs.FileSystem, path string) bool {
	_, err := base.Stat(path)
	return err == nil
}

// removeFile deletes path from the base filesystem.
func removeFile(base absfs.FileSystem, path string) error {
	if err := base.Remove(path); err != nil {
		return NewIOError("remove", path, err)
	}
	return nil
}
