package bufpool

import "testing"

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	sc := newSizeClasses(8192, 3) // small chunk: 8 pages, 64 KiB, for fast tests
	cfg := DefaultConfig()
	cfg.PageSize, cfg.MaxOrder = 8192, 3
	return newArena(0, KindHeap, sc, &cfg, nil, nil)
}

func newTestChunk(t *testing.T, a *Arena) *chunk {
	t.Helper()
	return newChunk(a, 1, newHeapRegion(a.sizeClasses.chunkSize))
}

func TestChunkAllocateRunWholeChunk(t *testing.T) {
	a := newTestArena(t)
	c := newTestChunk(t, a)

	id := c.allocateRun(0)
	if id < 0 {
		t.Fatalf("allocateRun(0) failed on a fresh chunk")
	}
	if c.freeBytes != 0 {
		t.Errorf("freeBytes = %d, want 0 after allocating the whole chunk", c.freeBytes)
	}
	if id2 := c.allocateRun(0); id2 >= 0 {
		t.Errorf("allocateRun(0) should fail once the chunk is fully allocated, got id %d", id2)
	}
}

func TestChunkAllocateRunSplitsLeftFirst(t *testing.T) {
	a := newTestArena(t)
	c := newTestChunk(t, a)

	depth := int8(1) // half the chunk
	first := c.allocateRun(depth)
	second := c.allocateRun(depth)
	if first < 0 || second < 0 {
		t.Fatalf("expected two depth-1 runs to succeed, got %d and %d", first, second)
	}
	if first == second {
		t.Fatalf("expected distinct runs, got the same node %d twice", first)
	}
	if off1, off2 := c.runOffsetAt(first), c.runOffsetAt(second); off1 != 0 {
		t.Errorf("first run offset = %d, want 0 (left-first descent)", off1)
	} else if off2 != c.chunkSize/2 {
		t.Errorf("second run offset = %d, want %d", off2, c.chunkSize/2)
	}
	if third := c.allocateRun(depth); third >= 0 {
		t.Errorf("a third depth-1 run should not fit, got id %d", third)
	}
}

func TestChunkFreeNodeRestoresCapacity(t *testing.T) {
	a := newTestArena(t)
	c := newTestChunk(t, a)

	id := c.allocateRun(0)
	if id < 0 {
		t.Fatalf("allocateRun(0) failed")
	}
	c.free(id, -1)
	if c.freeBytes != c.chunkSize {
		t.Errorf("freeBytes after free = %d, want %d", c.freeBytes, c.chunkSize)
	}
	if id2 := c.allocateRun(0); id2 < 0 {
		t.Errorf("allocateRun(0) should succeed again after the chunk was fully freed")
	}
}

func TestChunkRunOffsetAddressOrder(t *testing.T) {
	a := newTestArena(t)
	c := newTestChunk(t, a)

	depth := int8(c.maxOrder) // leaf-sized runs (one page each)
	var offsets []int
	for i := 0; i < c.maxPages; i++ {
		id := c.allocateRun(depth)
		if id < 0 {
			t.Fatalf("allocateRun(maxOrder) #%d failed", i)
		}
		offsets = append(offsets, c.runOffsetAt(id))
	}
	for i, off := range offsets {
		want := i * c.pageSize
		if off != want {
			t.Errorf("leaf #%d offset = %d, want %d", i, off, want)
		}
	}
}

func TestChunkAllocateSubpageAndFree(t *testing.T) {
	a := newTestArena(t)
	c := newTestChunk(t, a)

	memIdx, bitmapIdx, ok := c.allocateSubpage(256, familyTiny, 16)
	if !ok {
		t.Fatalf("allocateSubpage failed")
	}
	if bitmapIdx < 0 {
		t.Fatalf("expected a valid bitmap slot, got %d", bitmapIdx)
	}
	pageID := c.subpageIdx(memIdx)
	sp := c.subpages[pageID]
	if sp == nil {
		t.Fatalf("chunk did not record the installed subpage")
	}
	if sp.numAvail != sp.maxNumElems-1 {
		t.Errorf("numAvail = %d, want %d", sp.numAvail, sp.maxNumElems-1)
	}

	c.free(memIdx, bitmapIdx)
	if c.subpages[pageID] != nil {
		t.Errorf("subpage should be detached from the chunk once its last slot frees")
	}
	if c.freeBytes != c.chunkSize {
		t.Errorf("freeBytes after last subpage slot frees = %d, want %d", c.freeBytes, c.chunkSize)
	}
}
