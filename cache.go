package protectfs

import "container/list"

// nodeKind tags the in-memory node variant.
type nodeKind uint8

const (
	nodeKindMht nodeKind = iota + 1
	nodeKindData
)

// cacheNode is an owned plaintext node. For data nodes plain holds user
// bytes; for MHT nodes it holds the serialised slot array. cipher holds the
// node's ciphertext image: as read from disk until the next commit rewrites
// it, so it doubles as the recovery pre-image.
type cacheNode struct {
	kind     nodeKind
	physical uint64 // physical node number
	ordinal  uint64 // data node number, or MHT node number
	dirty    bool
	fresh    bool // no on-disk image yet
	plain    [NodeSize]byte
	cipher   [NodeSize]byte
}

func newMhtNode(ordinal uint64, fresh bool) *cacheNode {
	return &cacheNode{kind: nodeKindMht, physical: physicalOfMht(ordinal), ordinal: ordinal, fresh: fresh}
}

func newDataNode(ordinal uint64, fresh bool) *cacheNode {
	return &cacheNode{kind: nodeKindData, physical: physicalOfData(ordinal), ordinal: ordinal, fresh: fresh}
}

// wipe scrubs the plaintext before the node is dropped.
func (n *cacheNode) wipe() {
	zeroize(n.plain[:])
}

// lruCache holds plaintext nodes keyed by physical node number, most
// recently used first. It never evicts on its own; the owner drives eviction
// so that dirty victims can be flushed first.
type lruCache struct {
	ll     *list.List // of *cacheNode, front = MRU
	index  map[uint64]*list.Element
	cursor *list.Element // for first/next iteration
}

func newLRUCache() *lruCache {
	return &lruCache{ll: list.New(), index: make(map[uint64]*list.Element)}
}

// size returns the number of cached nodes.
func (c *lruCache) size() int {
	return c.ll.Len()
}

// add inserts a node at the MRU end. The physical number must not already be
// present.
func (c *lruCache) add(n *cacheNode) bool {
	if _, ok := c.index[n.physical]; ok {
		return false
	}
	c.index[n.physical] = c.ll.PushFront(n)
	return true
}

// get returns the node with the given physical number and bumps it to MRU.
func (c *lruCache) get(physical uint64) *cacheNode {
	el, ok := c.index[physical]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheNode)
}

// find returns the node without bumping it; used for non-owning inspection.
func (c *lruCache) find(physical uint64) *cacheNode {
	el, ok := c.index[physical]
	if !ok {
		return nil
	}
	return el.Value.(*cacheNode)
}

// first starts an iteration in MRU order and returns the first node.
func (c *lruCache) first() *cacheNode {
	c.cursor = c.ll.Front()
	if c.cursor == nil {
		return nil
	}
	return c.cursor.Value.(*cacheNode)
}

// next continues an iteration started with first.
func (c *lruCache) next() *cacheNode {
	if c.cursor == nil {
		return nil
	}
	c.cursor = c.cursor.Next()
	if c.cursor == nil {
		return nil
	}
	return c.cursor.Value.(*cacheNode)
}

// last returns the LRU-end node without removing it.
func (c *lruCache) last() *cacheNode {
	el := c.ll.Back()
	if el == nil {
		return nil
	}
	return el.Value.(*cacheNode)
}

// removeLast drops the LRU-end node. The caller is responsible for wiping
// its plaintext.
func (c *lruCache) removeLast() *cacheNode {
	el := c.ll.Back()
	if el == nil {
		return nil
	}
	n := el.Value.(*cacheNode)
	c.ll.Remove(el)
	delete(c.index, n.physical)
	if c.cursor == el {
		c.cursor = nil
	}
	return n
}
