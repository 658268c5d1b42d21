package protectfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
)

// Journal replay. A recovery file is a concatenation of (physical node
// number, original node image) records written before the nodes were
// overwritten. Replaying it restores the container to its pre-flush state;
// applying the same journal twice is a no-op.

// replayRecovery applies the journal at recoveryPath to the container at
// path and deletes the journal. A journal whose size is not a whole number
// of records is rejected as corrupt and left in place; the container is then
// unopenable until externally repaired.
func replayRecovery(base absfs.FileSystem, path, recoveryPath string) error {
	journal, err := base.OpenFile(recoveryPath, os.O_RDONLY, 0)
	if err != nil {
		return NewIOError("open", recoveryPath, err)
	}
	defer journal.Close()

	info, err := journal.Stat()
	if err != nil {
		return NewIOError("stat", recoveryPath, err)
	}
	if info.Size()%recoveryNodeSize != 0 {
		return fmt.Errorf("%w: recovery file size %d is not a whole number of records", ErrNotSupported, info.Size())
	}
	records := info.Size() / recoveryNodeSize

	target, err := base.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return NewIOError("open", path, err)
	}
	defer target.Close()

	var rec [recoveryNodeSize]byte
	for i := int64(0); i < records; i++ {
		if _, err := io.ReadFull(journal, rec[:]); err != nil {
			return NewIOError("read", recoveryPath, err)
		}
		n := binary.LittleEndian.Uint64(rec[:8])
		if _, err := target.Seek(int64(n)*NodeSize, io.SeekStart); err != nil {
			return NewNodeIOError("write", path, n, err)
		}
		if _, err := target.Write(rec[8:]); err != nil {
			return NewNodeIOError("write", path, n, err)
		}
	}
	if err := target.Sync(); err != nil {
		return NewIOError("flush", path, err)
	}
	if err := base.Remove(recoveryPath); err != nil {
		return NewIOError("remove", recoveryPath, err)
	}
	return nil
}

// recoverIfNeeded replays a pending journal for path before any other
// validation. A malformed journal makes the container unopenable.
func recoverIfNeeded(base absfs.FileSystem, path, recoveryPath string) error {
	if !fileExists(base, recoveryPath) || !fileExists(base, path) {
		return nil
	}
	if err := replayRecovery(base, path, recoveryPath); err != nil {
		if errors.Is(err, ErrNotSupported) {
			return fmt.Errorf("%w: %v", ErrRecoveryNeeded, err)
		}
		return fmt.Errorf("%w: replay failed: %v", ErrRecoveryNeeded, err)
	}
	return nil
}

// writeRecoveryFile captures the pre-image of every node the coming commit
// will overwrite: the metadata node, the root MHT and every dirty cached
// node that already has an on-disk image. The journal is made durable before
// the commit phase may touch the container.
func (f *File) writeRecoveryFile() error {
	journal, err := openRecovery(f.fs.base, f.recoveryPath)
	if err != nil {
		return err
	}

	if f.diskNodes > 0 {
		if err := journal.appendNode(0, f.metaNodeImage[:]); err != nil {
			journal.close()
			return err
		}
	}
	if f.rootMht != nil && f.rootMht.dirty && !f.rootMht.fresh {
		if err := journal.appendNode(f.rootMht.physical, f.rootMht.cipher[:]); err != nil {
			journal.close()
			return err
		}
	}
	for node := f.cache.first(); node != nil; node = f.cache.next() {
		if !node.dirty || node.fresh {
			continue
		}
		if err := journal.appendNode(node.physical, node.cipher[:]); err != nil {
			journal.close()
			return err
		}
	}
	if err := journal.flush(); err != nil {
		journal.close()
		return err
	}
	return journal.close()
}

// eraseRecoveryFile removes the journal after a successful commit.
func (f *File) eraseRecoveryFile() error {
	if !fileExists(f.fs.base, f.recoveryPath) {
		return nil
	}
	return removeFile(f.fs.base, f.recoveryPath)
}
