package bufpool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Arena owns a set of chunks partitioned by utilization into six bands
// (qInit, q000, q025, q050, q075, q100), plus per-class subpage pools. It
// serializes medium/large allocations under a single mutex; the hot path
// for repeat allocations is the caller's ThreadCache, which never touches
// the arena lock on a hit.
type Arena struct {
	id          int32
	kind        ArenaKind
	sizeClasses *sizeClasses
	cfg         *Config
	log         *zap.Logger
	metrics     *metricsRegistry

	mu sync.Mutex

	qInit, q000, q025, q050, q075, q100 *chunkList
	// searchOrder is the fallback chain used to find a chunk for a new
	// allocation: try the medium-utilized band first (q050), then q025,
	// q000, qInit and finally q075, so qInit chunks are kept available for
	// growth, per §4.D's rationale.
	searchOrder []*chunkList

	tinySubpagePools  [numTinyClasses]*subpage
	smallSubpagePools []*subpage

	nextChunkID int64

	numThreadCaches atomic.Int32

	allocCounts   [4]atomic.Int64 // indexed by sizeClassFamily
	deallocCounts [4]atomic.Int64
}

func newArena(id int32, kind ArenaKind, sc *sizeClasses, cfg *Config, log *zap.Logger, metrics *metricsRegistry) *Arena {
	a := &Arena{
		id:          id,
		kind:        kind,
		sizeClasses: sc,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
	}
	a.qInit = newChunkList("qInit", 0, 25)
	a.q000 = newChunkList("q000", 1, 50)
	a.q025 = newChunkList("q025", 25, 75)
	a.q050 = newChunkList("q050", 50, 100)
	a.q075 = newChunkList("q075", 75, 100)
	a.q100 = newChunkList("q100", 100, 100)
	a.searchOrder = []*chunkList{a.q050, a.q025, a.q000, a.qInit, a.q075}

	for i := range a.tinySubpagePools {
		a.tinySubpagePools[i] = newSubpageHead()
	}
	a.smallSubpagePools = make([]*subpage, sc.numSmallClasses)
	for i := range a.smallSubpagePools {
		a.smallSubpagePools[i] = newSubpageHead()
	}
	return a
}

func (a *Arena) subpagePoolHead(family sizeClassFamily, classIdx int) *subpage {
	if family == familyTiny {
		return a.tinySubpagePools[classIdx]
	}
	return a.smallSubpagePools[classIdx]
}

// allocate serves a single allocation request: normalize the capacity,
// dispatch to the thread cache, and on a miss fall through to the arena's
// own locked path.
func (a *Arena) allocate(cache *ThreadCache, reqCapacity, maxCapacity int) (*Handle, error) {
	if reqCapacity < 0 || maxCapacity < reqCapacity {
		return nil, errCapacityInvalid("Arena.allocate", nil)
	}
	if ceiling := a.cfg.MaxCapacityCeiling; ceiling > 0 && (reqCapacity > ceiling || maxCapacity > ceiling) {
		return nil, errCapacityInvalid("Arena.allocate", errCeilingExceeded)
	}

	norm := a.sizeClasses.normalize(reqCapacity)
	if norm == 0 {
		return emptyHandle(a.kind), nil
	}
	if norm > a.sizeClasses.chunkSize {
		return a.allocateHuge(reqCapacity, norm)
	}

	family, classIdx := a.sizeClasses.sizeIdx(norm)
	if cache != nil {
		if h, ok := cache.tryPop(a, family, classIdx, norm, reqCapacity); ok {
			return h, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var c *chunk
	var memIdx, bitmapIdx int32 = 0, -1

	switch family {
	case familyTiny, familySmall:
		head := a.subpagePoolHead(family, classIdx)
		if sp := head.next; sp != head {
			c = sp.ch
			memIdx = sp.memIdx
			bitmapIdx = sp.allocate()
		} else {
			var ok bool
			c, memIdx, bitmapIdx, ok = a.allocateSubpageSlot(norm, family, classIdx)
			if !ok {
				return nil, errOutOfMemory("Arena.allocate", nil)
			}
		}
	case familyNormal:
		depth := int8(classIdx)
		var ok bool
		c, memIdx, ok = a.allocateRun(depth)
		if !ok {
			return nil, errOutOfMemory("Arena.allocate", nil)
		}
	default:
		return nil, errOutOfMemory("Arena.allocate", nil)
	}

	a.reband(c)
	a.allocCounts[family].Add(1)
	if a.metrics != nil {
		a.metrics.observeAlloc(a.kind, family, int64(norm))
	}

	h := &Handle{
		ArenaID:   a.id,
		ChunkID:   c.id,
		Length:    reqCapacity,
		MaxLength: norm,
		kind:      a.kind,
		raw:       handleEncode(memIdx, bitmapIdx),
		arena:     a,
		chunk:     c,
	}
	if bitmapIdx >= 0 {
		h.Offset = c.runOffsetAt(memIdx) + int(bitmapIdx)*norm
	} else {
		h.Offset = c.runOffsetAt(memIdx)
	}
	return h, nil
}

// allocateRun finds a chunk able to serve a run at depth, trying the
// search-order bands first and falling back to a brand new chunk appended
// to qInit.
func (a *Arena) allocateRun(depth int8) (*chunk, int32, bool) {
	for _, list := range a.searchOrder {
		if c, id := list.allocateRun(depth); c != nil {
			return c, id, true
		}
	}
	c := a.newPooledChunk()
	if c == nil {
		return nil, 0, false
	}
	id := c.allocateRun(depth)
	if id < 0 {
		return nil, 0, false
	}
	return c, id, true
}

// allocateSubpageSlot finds a chunk able to host a fresh subpage for
// elemSize, trying the search-order bands first and falling back to a
// brand new chunk appended to qInit.
func (a *Arena) allocateSubpageSlot(elemSize int, family sizeClassFamily, classIdx int) (*chunk, int32, int32, bool) {
	for _, list := range a.searchOrder {
		if c, memIdx, bitmapIdx := list.allocateSubpage(elemSize, family, classIdx); c != nil {
			return c, memIdx, bitmapIdx, true
		}
	}
	c := a.newPooledChunk()
	if c == nil {
		return nil, 0, 0, false
	}
	memIdx, bitmapIdx, ok := c.allocateSubpage(elemSize, family, classIdx)
	if !ok {
		return nil, 0, 0, false
	}
	return c, memIdx, bitmapIdx, true
}

// newPooledChunk reserves a fresh backing region, builds a chunk over it,
// and appends it to qInit. It returns nil if the OS refused the backing
// memory.
func (a *Arena) newPooledChunk() *chunk {
	region, err := a.newRegion(a.sizeClasses.chunkSize)
	if err != nil {
		if a.log != nil {
			a.log.Warn("bufpool: failed to reserve chunk", zap.Error(err), zap.String("kind", a.kind.String()))
		}
		return nil
	}
	id := atomic.AddInt64(&a.nextChunkID, 1)
	c := newChunk(a, id, region)
	a.qInit.add(c)
	if a.metrics != nil {
		a.metrics.observeChunkCreated(a.kind)
	}
	return c
}

func (a *Arena) newRegion(size int) (MemoryRegion, error) {
	if a.kind == KindDirect {
		if align := a.cfg.DirectMemoryCacheAlignment; align > 0 {
			size = alignUp(size, align)
		}
		return newDirectRegion(size)
	}
	return newHeapRegion(size), nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// reband moves c between utilization bands if its freeBytes crossed a
// threshold, and destroys it if it is in qInit and fully free.
func (a *Arena) reband(c *chunk) {
	usage := c.usagePercent()
	if c.list != nil && c.list.belongs(usage) {
		if c.list == a.qInit && c.freeBytes == c.chunkSize {
			a.qInit.remove(c)
			c.region.Release()
			if a.metrics != nil {
				a.metrics.observeChunkDestroyed(a.kind)
			}
		}
		return
	}
	target := a.bandFor(usage)
	if c.list != nil {
		c.list.remove(c)
	}
	if target == a.qInit && c.freeBytes == c.chunkSize {
		c.region.Release()
		if a.metrics != nil {
			a.metrics.observeChunkDestroyed(a.kind)
		}
		return
	}
	target.add(c)
}

func (a *Arena) bandFor(usage int) *chunkList {
	for _, l := range []*chunkList{a.q100, a.q075, a.q050, a.q025, a.q000, a.qInit} {
		if l.belongs(usage) {
			return l
		}
	}
	return a.qInit
}

// allocateHuge allocates an unpooled, exact-size region for a request
// above chunkSize. It never touches arena or chunk-list state.
func (a *Arena) allocateHuge(reqCapacity, norm int) (*Handle, error) {
	region, err := a.newRegion(norm)
	if err != nil {
		return nil, errOutOfMemory("Arena.allocateHuge", err)
	}
	a.allocCounts[familyHuge].Add(1)
	if a.metrics != nil {
		a.metrics.observeAlloc(a.kind, familyHuge, int64(norm))
	}
	return &Handle{
		ArenaID:   a.id,
		ChunkID:   -1,
		Offset:    0,
		Length:    reqCapacity,
		MaxLength: norm,
		kind:      a.kind,
		unpooled:  region,
	}, nil
}

// free returns a pooled handle's storage to the thread cache first
// (deferred free); on overflow or when cache is nil, the arena reclaims
// the slot under its lock. Unpooled (huge) handles are never routed
// through Arena.free — Allocator.Release reclaims their region directly.
func (a *Arena) free(c *chunk, h *Handle, cache *ThreadCache) {
	family, classIdx := a.sizeClasses.sizeIdx(h.MaxLength)
	if cache != nil && cache.tryPush(a, family, classIdx, c, h.raw, h.MaxLength) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(c, h.raw, family, h.MaxLength)
}

// freeLocked performs the actual chunk/subpage reclaim; caller must hold
// a.mu.
func (a *Arena) freeLocked(c *chunk, raw int64, family sizeClassFamily, size int) {
	memIdx, bitmapIdx, _ := handleDecode(raw)
	c.free(memIdx, bitmapIdx)
	a.reband(c)
	a.deallocCounts[family].Add(1)
	if a.metrics != nil {
		a.metrics.observeDealloc(a.kind, family, int64(size))
	}
}
