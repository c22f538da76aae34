package bufpool

// chunk is a buddy allocator over a single fixed-size backing region
// (16 MiB by default: pageSize << maxOrder). Free runs are tracked in a
// binary tree laid out by heap index: memoryMap[i] holds the smallest
// allocatable depth within node i's subtree (equal to depthMap[i] when the
// whole subtree is free, and unusable = maxOrder+1 when the subtree is
// fully allocated or is itself the allocated unit).
type chunk struct {
	arena    *Arena
	region   MemoryRegion
	id       int64
	pageSize int
	maxOrder int

	memoryMap []int8
	depthMap  []int8
	subpages  []*subpage // indexed by pageID (leaf index - maxPages)

	maxPages  int
	chunkSize int
	freeBytes int
	unusable  int8

	// chunkList membership: which band this chunk currently lives in and
	// its position in that band's doubly linked chain.
	list       *chunkList
	prev, next *chunk
}

func newChunk(arena *Arena, id int64, region MemoryRegion) *chunk {
	sc := arena.sizeClasses
	maxOrder := sc.maxOrder
	maxPages := 1 << uint(maxOrder)

	c := &chunk{
		arena:     arena,
		region:    region,
		id:        id,
		pageSize:  sc.pageSize,
		maxOrder:  maxOrder,
		maxPages:  maxPages,
		chunkSize: sc.chunkSize,
		unusable:  int8(maxOrder + 1),
	}
	c.memoryMap = make([]int8, maxPages*2)
	c.depthMap = make([]int8, maxPages*2)
	idx := 1
	for d := 0; d <= maxOrder; d++ {
		nodesAtDepth := 1 << uint(d)
		for i := 0; i < nodesAtDepth; i++ {
			c.memoryMap[idx] = int8(d)
			c.depthMap[idx] = int8(d)
			idx++
		}
	}
	c.subpages = make([]*subpage, maxPages)
	c.freeBytes = c.chunkSize
	return c
}

// usagePercent returns the chunk's utilization as an integer percentage in
// [0, 100], used to pick the chunk's band in the arena's chunk lists.
func (c *chunk) usagePercent() int {
	if c.chunkSize == 0 {
		return 100
	}
	used := c.chunkSize - c.freeBytes
	return int(int64(used) * 100 / int64(c.chunkSize))
}

// runSizeAt returns the byte size of the run rooted at tree node id.
func (c *chunk) runSizeAt(id int32) int {
	depth := int(c.depthMap[id])
	return c.pageSize << uint(c.maxOrder-depth)
}

// runOffsetAt returns the chunk-relative byte offset of the run rooted at
// tree node id: nodes at depth d are indexed consecutively from 2^d to
// 2^(d+1)-1, each spanning runSize(d) bytes in address order.
func (c *chunk) runOffsetAt(id int32) int {
	depth := int(c.depthMap[id])
	shift := int(id) - (1 << uint(depth))
	return shift * c.runSizeAt(id)
}

// subpageIdx converts a leaf memoryMap index into a 0-based page id.
func (c *chunk) subpageIdx(memIdx int32) int32 {
	return memIdx - int32(c.maxPages)
}

// allocateRun finds a free subtree at exactly depth using an iterative,
// left-first tree search, marks it allocated, and returns its memoryMap
// index, or -1 if no such subtree is free.
func (c *chunk) allocateRun(depth int8) int32 {
	id := c.allocateNode(depth)
	if id < 0 {
		return -1
	}
	c.freeBytes -= c.runSizeAt(id)
	return id
}

// allocateNode is the core buddy search: descend from the root, always
// preferring the left child when it can still satisfy depth, stopping
// when a node at exactly depth is reached.
func (c *chunk) allocateNode(depth int8) int32 {
	if c.memoryMap[1] > depth {
		return -1
	}
	id := int32(1)
	for c.depthMap[id] < depth {
		id <<= 1
		if c.memoryMap[id] > depth {
			id ^= 1 // left child can't satisfy depth; take the right sibling
		}
	}
	c.memoryMap[id] = c.unusable
	c.propagate(id)
	return id
}

// propagate recomputes memoryMap for every ancestor of id as the min of
// its two children, walking up to the root.
func (c *chunk) propagate(id int32) {
	for id > 1 {
		parent := id >> 1
		left := c.memoryMap[parent<<1]
		right := c.memoryMap[(parent<<1)|1]
		if left < right {
			c.memoryMap[parent] = left
		} else {
			c.memoryMap[parent] = right
		}
		id = parent
	}
}

// freeNode resets id's memoryMap value to its fixed depth and propagates
// that change upward.
func (c *chunk) freeNode(id int32) {
	c.memoryMap[id] = c.depthMap[id]
	c.propagate(id)
}

// allocateSubpage allocates a fresh leaf, installs a Subpage over it sized
// for elemSize, links the subpage into the arena's class pool, and serves
// the original request from it. It returns the leaf's memoryMap index and
// the bitmap slot served, or ok=false if no leaf was free.
func (c *chunk) allocateSubpage(elemSize int, family sizeClassFamily, classIdx int) (memIdx int32, bitmapIdx int32, ok bool) {
	head := c.arena.subpagePoolHead(family, classIdx)
	id := c.allocateNode(int8(c.maxOrder))
	if id < 0 {
		return 0, 0, false
	}
	c.freeBytes -= c.pageSize
	pageID := c.subpageIdx(id)
	sp := newSubpage(c.arena, c, id, pageID, c.pageSize, elemSize, family, classIdx)
	c.subpages[pageID] = sp
	sp.addToPool(head)
	bitmapIdx = sp.allocate()
	return id, bitmapIdx, true
}

// free releases a previously allocated run or subpage slot. bitmapIdx < 0
// indicates a plain run allocation.
func (c *chunk) free(memIdx int32, bitmapIdx int32) {
	if bitmapIdx >= 0 {
		pageID := c.subpageIdx(memIdx)
		sp := c.subpages[pageID]
		if sp != nil && sp.free(bitmapIdx) {
			return
		}
		c.subpages[pageID] = nil
		c.freeBytes += c.pageSize
	} else {
		c.freeBytes += c.runSizeAt(memIdx)
	}
	c.freeNode(memIdx)
}
