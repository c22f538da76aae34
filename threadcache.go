package bufpool

import "runtime"

// cacheEntry is a single recycled allocation kept in a ring.
type cacheEntry struct {
	c            *chunk
	raw          int64
	normCapacity int
}

// ring is a fixed-capacity FIFO of cacheEntry values. A nil *ring has
// capacity zero (disabled), matching the spec's "zero-capacity ⇒
// disabled" rule for each class's ring.
type ring struct {
	entries        []cacheEntry
	head           int
	count          int
	allocSinceTrim int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		return nil
	}
	return &ring{entries: make([]cacheEntry, capacity)}
}

func (r *ring) capacity() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

func (r *ring) push(e cacheEntry) bool {
	if r == nil || r.count == len(r.entries) {
		return false
	}
	idx := (r.head + r.count) % len(r.entries)
	r.entries[idx] = e
	r.count++
	return true
}

func (r *ring) pop() (cacheEntry, bool) {
	if r == nil || r.count == 0 {
		return cacheEntry{}, false
	}
	e := r.entries[r.head]
	r.head = (r.head + 1) % len(r.entries)
	r.count--
	return e, true
}

// ThreadCache is a per-goroutine recycling cache: a fixed-capacity ring
// per size class, indexed by (family, classIdx). Rings are deliberately
// unsynchronized — a ThreadCache must only be touched by the goroutine
// that created it via Allocator.NewLocalCache. Releases observed from any
// other goroutine must go straight to the owning Arena instead.
//
// Go has no per-goroutine storage with a termination hook, so unlike a
// JVM ThreadLocal this is an explicit value the caller holds (typically
// one per worker goroutine) and must Close when done; a finalizer-backed
// registry in Allocator provides the drain-on-termination guarantee as a
// safety net if Close is never called (see §9 "Thread locals").
type ThreadCache struct {
	allocator *Allocator
	heapArena *Arena
	dirArena  *Arena

	tiny   [numTinyClasses]*ring
	small  []*ring
	normal []*ring // indexed by normal depth; nil beyond maxCachedBufferCapacity

	trimInterval int
	allocCount   int

	closed bool
}

func newThreadCache(al *Allocator, heapArena, dirArena *Arena) *ThreadCache {
	cfg := al.cfg
	tc := &ThreadCache{
		allocator:    al,
		heapArena:    heapArena,
		dirArena:     dirArena,
		trimInterval: cfg.CacheTrimInterval,
	}
	for i := range tc.tiny {
		tc.tiny[i] = newRing(cfg.TinyCacheSize)
	}
	tc.small = make([]*ring, al.sizeClasses.numSmallClasses)
	for i := range tc.small {
		tc.small[i] = newRing(cfg.SmallCacheSize)
	}
	tc.normal = make([]*ring, al.sizeClasses.maxOrder+1)
	for depth := range tc.normal {
		// Open question resolution: a normal class is only cached when
		// its run size does not exceed maxCachedBufferCapacity; this is
		// enforced here at construction rather than conflated into the
		// class-index check, per §9's open question.
		if al.sizeClasses.runSize(depth) <= cfg.MaxCachedBufferCapacity {
			tc.normal[depth] = newRing(cfg.NormalCacheSize)
		}
	}
	return tc
}

func (tc *ThreadCache) arenaFor(kind ArenaKind) *Arena {
	if kind == KindDirect {
		return tc.dirArena
	}
	return tc.heapArena
}

func (tc *ThreadCache) ringFor(family sizeClassFamily, classIdx int) *ring {
	switch family {
	case familyTiny:
		return tc.tiny[classIdx]
	case familySmall:
		if classIdx < 0 || classIdx >= len(tc.small) {
			return nil
		}
		return tc.small[classIdx]
	case familyNormal:
		if classIdx < 0 || classIdx >= len(tc.normal) {
			return nil
		}
		return tc.normal[classIdx]
	default:
		return nil
	}
}

// tryPop attempts to serve an allocation from this cache's ring for the
// given class. arena must be the arena that owns the ring family the
// caller is targeting (used to validate the cache is bound to it).
func (tc *ThreadCache) tryPop(arena *Arena, family sizeClassFamily, classIdx, normCapacity, reqCapacity int) (*Handle, bool) {
	if tc == nil || tc.closed {
		return nil, false
	}
	if tc.arenaFor(arena.kind) != arena {
		return nil, false
	}
	r := tc.ringFor(family, classIdx)
	e, ok := r.pop()
	if !ok {
		return nil, false
	}
	r.allocSinceTrim++
	tc.allocCount++
	if tc.trimInterval > 0 && tc.allocCount%tc.trimInterval == 0 {
		tc.trim()
	}
	memIdx, bitmapIdx, _ := handleDecode(e.raw)
	offset := e.c.runOffsetAt(memIdx)
	if bitmapIdx >= 0 {
		offset += int(bitmapIdx) * e.normCapacity
	}
	return &Handle{
		ArenaID:   arena.id,
		ChunkID:   e.c.id,
		Offset:    offset,
		Length:    reqCapacity,
		MaxLength: normCapacity,
		kind:      arena.kind,
		raw:       e.raw,
		arena:     arena,
		chunk:     e.c,
	}, true
}

// tryPush offers a freed slot to this cache's ring. It returns false (the
// caller must fall back to Arena.free) if the cache is absent, closed,
// not bound to arena, or the ring is full.
func (tc *ThreadCache) tryPush(arena *Arena, family sizeClassFamily, classIdx int, c *chunk, raw int64, normCapacity int) bool {
	if tc == nil || tc.closed {
		return false
	}
	if tc.arenaFor(arena.kind) != arena {
		return false
	}
	r := tc.ringFor(family, classIdx)
	return r.push(cacheEntry{c: c, raw: raw, normCapacity: normCapacity})
}

// trim keeps each ring sized to the thread's recent working set: if fewer
// allocations were served from a ring than its capacity since the last
// trim, the surplus oldest entries are freed back to their owning arenas.
func (tc *ThreadCache) trim() {
	for i := range tc.tiny {
		trimRing(tc.tiny[i])
	}
	for i := range tc.small {
		trimRing(tc.small[i])
	}
	for i := range tc.normal {
		trimRing(tc.normal[i])
	}
}

// trimRing frees the surplus entries (those not drawn upon since the last
// trim) back to whichever arena owns each entry's chunk.
func trimRing(r *ring) {
	if r == nil {
		return
	}
	surplus := r.capacity() - r.allocSinceTrim
	r.allocSinceTrim = 0
	for i := 0; i < surplus; i++ {
		e, ok := r.pop()
		if !ok {
			return
		}
		freeRingEntry(e)
	}
}

func freeRingEntry(e cacheEntry) {
	arena := e.c.arena
	if arena == nil {
		return
	}
	arena.mu.Lock()
	family, _ := arena.sizeClasses.sizeIdx(e.normCapacity)
	arena.freeLocked(e.c, e.raw, family, e.normCapacity)
	arena.mu.Unlock()
}

// Close drains every ring into its owning arena and decrements that
// arena's live thread-cache count. Close is idempotent.
func (tc *ThreadCache) Close() {
	if tc == nil || tc.closed {
		return
	}
	tc.drain()
	tc.closed = true
	runtime.SetFinalizer(tc, nil)
}

func (tc *ThreadCache) drain() {
	for i := range tc.tiny {
		drainRing(tc.tiny[i])
	}
	for i := range tc.small {
		drainRing(tc.small[i])
	}
	for i := range tc.normal {
		drainRing(tc.normal[i])
	}
	if tc.heapArena != nil {
		tc.heapArena.numThreadCaches.Add(-1)
	}
	if tc.dirArena != nil {
		tc.dirArena.numThreadCaches.Add(-1)
	}
}

// drainRing frees every entry in r back to whichever arena owns its chunk.
func drainRing(r *ring) {
	if r == nil {
		return
	}
	for {
		e, ok := r.pop()
		if !ok {
			return
		}
		freeRingEntry(e)
	}
}
