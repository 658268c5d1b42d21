package protectfs

import "testing"

func TestCacheGetBumpsToMRU(t *testing.T) {
	c := newLRUCache()
	for d := uint64(0); d < 3; d++ {
		c.add(newDataNode(d, true))
	}
	// LRU end is the first inserted node.
	if got := c.last(); got.ordinal != 0 {
		t.Fatalf("LRU end ordinal = %d, want 0", got.ordinal)
	}
	// Touching it moves it to the MRU end.
	if c.get(physicalOfData(0)) == nil {
		t.Fatal("get missed a cached node")
	}
	if got := c.last(); got.ordinal != 1 {
		t.Errorf("LRU end ordinal after bump = %d, want 1", got.ordinal)
	}
}

func TestCacheFindDoesNotBump(t *testing.T) {
	c := newLRUCache()
	for d := uint64(0); d < 3; d++ {
		c.add(newDataNode(d, true))
	}
	if c.find(physicalOfData(0)) == nil {
		t.Fatal("find missed a cached node")
	}
	if got := c.last(); got.ordinal != 0 {
		t.Errorf("find must not change the eviction order, LRU end = %d", got.ordinal)
	}
}

func TestCacheRejectsDuplicates(t *testing.T) {
	c := newLRUCache()
	if !c.add(newDataNode(5, true)) {
		t.Fatal("first insert rejected")
	}
	if c.add(newDataNode(5, true)) {
		t.Error("duplicate physical number accepted")
	}
	if c.size() != 1 {
		t.Errorf("size = %d, want 1", c.size())
	}
}

func TestCacheIteration(t *testing.T) {
	c := newLRUCache()
	for d := uint64(0); d < 5; d++ {
		c.add(newDataNode(d, true))
	}
	var seen []uint64
	for n := c.first(); n != nil; n = c.next() {
		seen = append(seen, n.ordinal)
	}
	if len(seen) != 5 {
		t.Fatalf("iterated %d nodes, want 5", len(seen))
	}
	// MRU order: most recently inserted first.
	if seen[0] != 4 || seen[4] != 0 {
		t.Errorf("iteration order = %v", seen)
	}
}

func TestCacheRemoveLast(t *testing.T) {
	c := newLRUCache()
	for d := uint64(0); d < 3; d++ {
		c.add(newDataNode(d, true))
	}
	victim := c.removeLast()
	if victim.ordinal != 0 {
		t.Errorf("evicted ordinal = %d, want 0", victim.ordinal)
	}
	if c.size() != 2 {
		t.Errorf("size after eviction = %d, want 2", c.size())
	}
	if c.find(victim.physical) != nil {
		t.Error("evicted node still indexed")
	}
}

func TestCacheNodeWipe(t *testing.T) {
	n := newDataNode(0, true)
	for i := range n.plain {
		n.plain[i] = 0xFF
	}
	n.wipe()
	for i, b := range n.plain {
		if b != 0 {
			t.Fatalf("plaintext byte %d not scrubbed", i)
		}
	}
}
