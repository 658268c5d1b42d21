package protectfs

import "fmt"

// MHT addressing. Node 0 is metadata, node 1 the root MHT. After that the
// file repeats blocks of 97 nodes: one MHT node followed by its 96 attached
// data nodes. MHT nodes above the first level form a 32-ary tree located by
// decomposition of the MHT ordinal. This arithmetic is frozen.

// dataNumberForOffset maps a logical file offset (>= MDUserDataSize) to its
// data node number.
func dataNumberForOffset(offset int64) uint64 {
	return uint64(offset-MDUserDataSize) / NodeSize
}

// physicalOfData maps data node number d to its physical node number.
func physicalOfData(d uint64) uint64 {
	return 2 + d + d/AttachedDataNodesCount
}

// dataNumberOfPhysical is the inverse of physicalOfData. It reports false
// for physical numbers that address metadata or MHT nodes.
func dataNumberOfPhysical(p uint64) (uint64, bool) {
	if p < 2 {
		return 0, false
	}
	block := (p - 2) / (AttachedDataNodesCount + 1)
	rest := (p - 2) % (AttachedDataNodesCount + 1)
	if rest == AttachedDataNodesCount {
		return 0, false
	}
	return block*AttachedDataNodesCount + rest, true
}

// mhtOfData maps data node number d to the ordinal of its parent MHT node.
func mhtOfData(d uint64) uint64 {
	return d / AttachedDataNodesCount
}

// physicalOfMht maps MHT ordinal m to its physical node number.
func physicalOfMht(m uint64) uint64 {
	return 1 + m*(AttachedDataNodesCount+1)
}

// mhtParent returns the parent ordinal and child-slot index of MHT node m.
// m must be > 0; the root MHT is authenticated by the metadata node.
func mhtParent(m uint64) (uint64, int) {
	return (m - 1) / ChildMhtNodesCount, int((m - 1) % ChildMhtNodesCount)
}

// dataSlotIndex returns the slot of data node d within its parent MHT.
func dataSlotIndex(d uint64) int {
	return int(d % AttachedDataNodesCount)
}

// nodeExists reports whether the node covering the given logical offset
// already belongs to the file of the given size.
func nodeExists(offset, size int64) bool {
	return offset < size
}

// getMhtNode returns the MHT node with the given ordinal, fetching and
// authenticating it through its parent chain if it is not resident. When the
// node lies beyond the current file content a fresh empty node is created.
func (f *File) getMhtNode(m uint64) (*cacheNode, error) {
	if m == 0 {
		if f.rootMht == nil {
			f.rootMht = newMhtNode(0, true)
		}
		return f.rootMht, nil
	}
	if n := f.cache.get(physicalOfMht(m)); n != nil {
		return n, nil
	}
	parentOrdinal, slot := mhtParent(m)
	parent, err := f.getMhtNode(parentOrdinal)
	if err != nil {
		return nil, err
	}
	// The MHT node exists on the tree iff its first attached data node does.
	firstData := m * AttachedDataNodesCount
	node := newMhtNode(m, true)
	if nodeExists(MDUserDataSize+int64(firstData)*NodeSize, f.metaEncrypted.Size) {
		node.fresh = false
		if err := f.host.readNode(node.physical, node.cipher[:]); err != nil {
			return nil, f.setLastError(err)
		}
		crypto := readCryptoData(mhtChildSlot(parent.plain[:], slot))
		if err := gcmOpen(crypto.Key[:], nil, node.cipher[:], &crypto.Gmac, node.plain[:]); err != nil {
			return nil, f.setCryptoError(node.physical)
		}
	}
	if !f.cache.add(node) {
		return nil, f.setStatusError(StatusMemoryCorrupted, NewCorruptionError(f.path, fmt.Sprintf("duplicate cached node %d", node.physical)))
	}
	return node, nil
}

// getDataNode returns the plaintext data node covering the given logical
// offset (>= MDUserDataSize), fetching and authenticating it if needed and
// creating it when the offset extends the file.
func (f *File) getDataNode(offset int64) (*cacheNode, error) {
	d := dataNumberForOffset(offset)
	if n := f.cache.get(physicalOfData(d)); n != nil {
		return n, nil
	}
	parent, err := f.getMhtNode(mhtOfData(d))
	if err != nil {
		return nil, err
	}
	node := newDataNode(d, true)
	if nodeExists(MDUserDataSize+int64(d)*NodeSize, f.metaEncrypted.Size) {
		node.fresh = false
		if err := f.host.readNode(node.physical, node.cipher[:]); err != nil {
			return nil, f.setLastError(err)
		}
		crypto := readCryptoData(mhtDataSlot(parent.plain[:], dataSlotIndex(d)))
		if err := gcmOpen(crypto.Key[:], nil, node.cipher[:], &crypto.Gmac, node.plain[:]); err != nil {
			return nil, f.setCryptoError(node.physical)
		}
	}
	if !f.cache.add(node) {
		return nil, f.setStatusError(StatusMemoryCorrupted, NewCorruptionError(f.path, fmt.Sprintf("duplicate cached node %d", node.physical)))
	}
	if err := f.shrinkCache(); err != nil {
		return nil, err
	}
	return node, nil
}

// markDirtyChain marks a data node and its whole MHT parent chain dirty. The
// parents are resident: getDataNode just traversed them.
func (f *File) markDirtyChain(node *cacheNode) error {
	node.dirty = true
	m := mhtOfData(node.ordinal)
	for {
		mht, err := f.getMhtNode(m)
		if err != nil {
			return err
		}
		mht.dirty = true
		if m == 0 {
			return nil
		}
		m, _ = mhtParent(m)
	}
}

// shrinkCache evicts from the LRU end until the cache is back under its soft
// cap. Clean victims are scrubbed and dropped; a dirty victim forces a full
// internal flush first, so no dirty node is ever lost.
func (f *File) shrinkCache() error {
	for f.cache.size() > f.cacheCap {
		victim := f.cache.last()
		if victim == nil {
			return nil
		}
		if victim.dirty {
			if err := f.internalFlush(false); err != nil {
				return err
			}
			continue
		}
		f.cache.removeLast()
		victim.wipe()
	}
	return nil
}
