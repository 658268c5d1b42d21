package protectfs

import (
	"fmt"
	"sort"
)

// Two-phase flush.
//
// Prepare: journal the pre-image of every node the commit will overwrite and
// make the journal durable, then write the metadata node with the
// update-in-progress flag set. Both steps leave every in-memory ciphertext
// buffer untouched, so a failure here (StatusFlushError) can safely retry
// the whole flush, journal included.
//
// Re-encrypt: leaves first, then parents, then the metadata seal. Purely
// in-memory; a failure here means the CSPRNG or cipher is broken and is
// terminal.
//
// Commit: write every dirty ciphertext, rewrite the metadata node with the
// flag cleared, flush, and unlink the journal. A failure here
// (StatusWriteToDiskFailed) retries only the commit: the journal is already
// durable and the ciphertexts are complete.

// internalFlush runs the full flush protocol. flushToDisk selects a final
// host flush of the container.
func (f *File) internalFlush(flushToDisk bool) error {
	if !f.needWriting {
		if flushToDisk && !f.host.readOnly {
			if err := f.host.flush(); err != nil {
				return f.setStatusError(StatusFlushError, err)
			}
		}
		return nil
	}

	// Prepare. A container that never reached the disk has no pre-image to
	// protect; the journal and update flag only matter from the second
	// flush on.
	if f.diskNodes > 0 {
		if err := f.writeRecoveryFile(); err != nil {
			return f.setStatusError(StatusFlushError, err)
		}
		if err := f.setUpdateFlag(); err != nil {
			return f.setStatusError(StatusFlushError, err)
		}
	}

	// Re-encrypt.
	if err := f.updateAllDataAndMhtNodes(); err != nil {
		return f.setStatusError(StatusCryptoError, err)
	}
	if err := f.updateMetaDataNode(); err != nil {
		return f.setStatusError(StatusCryptoError, err)
	}

	// Commit.
	if err := f.commitChanges(flushToDisk); err != nil {
		return f.setStatusError(StatusWriteToDiskFailed, err)
	}
	return nil
}

// setUpdateFlag writes the current on-disk metadata image to node 0 with the
// update-in-progress flag set, and flushes. The in-memory image keeps the
// flag clear so the final commit write clears it on disk again.
func (f *File) setUpdateFlag() error {
	var flagged [NodeSize]byte
	copy(flagged[:], f.metaNodeImage[:])
	flagged[mpOffUpdateFlag] = 1
	if err := f.host.writeNode(0, flagged[:]); err != nil {
		return err
	}
	if err := f.host.flush(); err != nil {
		// Best effort: put the clear flag back so a crash without a journal
		// replay is not mistaken for an interrupted commit.
		f.host.writeNode(0, f.metaNodeImage[:])
		return err
	}
	return nil
}

// updateAllDataAndMhtNodes re-encrypts every dirty node, leaves first. Each
// dirty data node gets a fresh single-use key; its (key, GMAC) pair lands in
// its parent MHT slot. Dirty MHT nodes are then sealed deepest-ordinal
// first, so every child's slot is final before its parent is sealed; the
// root MHT's pair lands in the metadata encrypted part.
func (f *File) updateAllDataAndMhtNodes() error {
	for node := f.cache.first(); node != nil; node = f.cache.next() {
		if node.kind != nodeKindData || !node.dirty {
			continue
		}
		key, err := f.session.nodeKey(node.physical)
		if err != nil {
			return err
		}
		gmac, err := gcmSeal(key[:], nil, node.plain[:], node.cipher[:])
		if err != nil {
			return err
		}
		parent := f.cache.find(physicalOfMht(mhtOfData(node.ordinal)))
		if mhtOfData(node.ordinal) == 0 {
			parent = f.rootMht
		}
		if parent == nil {
			return NewCorruptionError(f.path, fmt.Sprintf("dirty data node %d has no resident parent", node.physical))
		}
		writeCryptoData(mhtDataSlot(parent.plain[:], dataSlotIndex(node.ordinal)), &key, &gmac)
		zeroize(key[:])
	}

	var dirtyMht []*cacheNode
	for node := f.cache.first(); node != nil; node = f.cache.next() {
		if node.kind == nodeKindMht && node.dirty {
			dirtyMht = append(dirtyMht, node)
		}
	}
	sort.Slice(dirtyMht, func(i, j int) bool { return dirtyMht[i].ordinal > dirtyMht[j].ordinal })

	seal := func(node *cacheNode) (gcmCryptoData, error) {
		var c gcmCryptoData
		key, err := f.session.nodeKey(node.physical)
		if err != nil {
			return c, err
		}
		gmac, err := gcmSeal(key[:], nil, node.plain[:], node.cipher[:])
		if err != nil {
			return c, err
		}
		c.Key, c.Gmac = key, gmac
		return c, nil
	}

	for _, node := range dirtyMht {
		c, err := seal(node)
		if err != nil {
			return err
		}
		parentOrdinal, slot := mhtParent(node.ordinal)
		parent := f.cache.find(physicalOfMht(parentOrdinal))
		if parentOrdinal == 0 {
			parent = f.rootMht
		}
		if parent == nil {
			return NewCorruptionError(f.path, fmt.Sprintf("dirty MHT node %d has no resident parent", node.physical))
		}
		writeCryptoData(mhtChildSlot(parent.plain[:], slot), &c.Key, &c.Gmac)
		zeroize(c.Key[:])
	}

	if f.rootMht != nil && f.rootMht.dirty {
		c, err := seal(f.rootMht)
		if err != nil {
			return err
		}
		f.metaEncrypted.MhtKey = c.Key
		f.metaEncrypted.MhtGmac = c.Gmac
	}
	return nil
}

// updateMetaDataNode derives a fresh metadata key, seals the encrypted part
// under it and rebuilds the metadata node image with the update flag clear.
func (f *File) updateMetaDataNode() error {
	if err := f.generateMetaDataKey(); err != nil {
		return err
	}

	var plain [metaEncryptedSize]byte
	f.metaEncrypted.marshal(plain[:])
	var sealed [metaEncryptedSize]byte
	gmac, err := gcmSeal(f.curKey[:], nil, plain[:], sealed[:])
	zeroize(plain[:])
	if err != nil {
		return err
	}
	f.metaPlain.GMAC = gmac
	f.metaPlain.UpdateFlag = 0

	zeroize(f.metaNodeImage[:])
	f.metaPlain.marshal(f.metaNodeImage[:metaPlainSize])
	copy(f.metaNodeImage[metaPlainSize:metaPlainSize+metaEncryptedSize], sealed[:])
	return nil
}

// generateMetaDataKey rotates the metadata key for the coming seal: a fresh
// 32-byte nonce through the user KDK, or a fresh key id through the platform
// sealing key.
func (f *File) generateMetaDataKey() error {
	var nonce [KeyIDSize]byte
	if err := f.fs.platform.Rand(nonce[:]); err != nil {
		return fmt.Errorf("failed to draw metadata key nonce: %w", err)
	}
	if f.useUserKDK {
		key, err := deriveKey(&f.userKDK, labelMetadataKey, 0, nonce[:])
		if err != nil {
			return err
		}
		f.curKey = key
	} else {
		key, err := f.fs.platform.SealingKey(&nonce)
		if err != nil {
			return err
		}
		f.curKey = key
	}
	f.metaPlain.KeyID = nonce
	return nil
}

// restoreMetaDataKey re-derives the metadata key that sealed the current
// on-disk metadata, from the stored key id.
func (f *File) restoreMetaDataKey() error {
	if f.useUserKDK {
		key, err := deriveKey(&f.userKDK, labelMetadataKey, 0, f.metaPlain.KeyID[:])
		if err != nil {
			return err
		}
		f.curKey = key
		return nil
	}
	var empty [KeyIDSize]byte
	if ctEq(f.metaPlain.KeyID[:], empty[:]) {
		return ErrNoKeyID
	}
	key, err := f.fs.platform.SealingKey(&f.metaPlain.KeyID)
	if err != nil {
		return err
	}
	f.curKey = key
	return nil
}

// commitChanges writes every dirty ciphertext, the metadata node last,
// optionally flushes, unlinks the journal and clears the dirty state.
func (f *File) commitChanges(flushToDisk bool) error {
	maxNode := uint64(0)
	for node := f.cache.first(); node != nil; node = f.cache.next() {
		if !node.dirty {
			continue
		}
		if err := f.host.writeNode(node.physical, node.cipher[:]); err != nil {
			return err
		}
		if node.physical > maxNode {
			maxNode = node.physical
		}
	}
	if f.rootMht != nil && f.rootMht.dirty {
		if err := f.host.writeNode(f.rootMht.physical, f.rootMht.cipher[:]); err != nil {
			return err
		}
		if f.rootMht.physical > maxNode {
			maxNode = f.rootMht.physical
		}
	}
	if err := f.host.writeNode(0, f.metaNodeImage[:]); err != nil {
		return err
	}
	if flushToDisk {
		if err := f.host.flush(); err != nil {
			return err
		}
	}
	if err := f.eraseRecoveryFile(); err != nil {
		return err
	}

	for node := f.cache.first(); node != nil; node = f.cache.next() {
		node.dirty = false
		node.fresh = false
	}
	if f.rootMht != nil {
		f.rootMht.dirty = false
		f.rootMht.fresh = false
	}
	if maxNode+1 > f.diskNodes {
		f.diskNodes = maxNode + 1
	}
	if f.diskNodes == 0 {
		f.diskNodes = 1
	}
	f.needWriting = false
	return nil
}

// Flush re-encrypts and writes every pending change to the backing file,
// atomically with respect to crashes.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.checkStatus(); err != nil {
		return err
	}
	return f.internalFlush(true)
}

// ClearError retries a failed flush. Transient I/O failures are recoverable;
// cryptographic and structural failures are terminal and stick.
func (f *File) ClearError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearErrorLocked()
}

func (f *File) clearErrorLocked() {
	switch f.status {
	case StatusFlushError:
		if f.internalFlush(true) == nil {
			f.status = StatusOK
		}
	case StatusWriteToDiskFailed:
		if f.commitChanges(true) == nil {
			f.status = StatusOK
		}
	default:
		// Terminal and clean states cannot be cleared.
		return
	}
	if f.status == StatusOK {
		f.lastErr = nil
		f.eof = false
	}
}

// ClearCache flushes pending changes and then drops every cached plaintext
// node, scrubbing each before release. The metadata and the root MHT node
// stay resident.
func (f *File) ClearCache() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.status != StatusOK {
		f.clearErrorLocked()
	} else if err := f.internalFlush(true); err != nil {
		return err
	}
	if f.status != StatusOK {
		// Dropping the cache now would lose unsaved data.
		return fmt.Errorf("%w: %s", ErrBadStatus, f.status)
	}
	for f.cache.size() > 0 {
		victim := f.cache.removeLast()
		if victim.dirty {
			return f.setStatusError(StatusMemoryCorrupted,
				NewCorruptionError(f.path, fmt.Sprintf("dirty node %d after flush", victim.physical)))
		}
		victim.wipe()
	}
	return nil
}
