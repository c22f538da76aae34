package bufpool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Allocator is the facade described in §5: construct one per process (or
// per subsystem), obtain a ThreadCache per long-lived goroutine via
// NewLocalCache, and call Allocate/Release around it. An Allocator with
// zero heap or direct arenas configured simply never serves that kind.
type Allocator struct {
	cfg         *Config
	sizeClasses *sizeClasses
	log         *zap.Logger
	metrics     *metricsRegistry

	heapArenas []*Arena
	dirArenas  []*Arena

	heapCounter atomic.Uint32
	dirCounter  atomic.Uint32

	heapUsed atomic.Int64
	dirUsed  atomic.Int64

	registryMu sync.Mutex
	registry   map[*ThreadCache]struct{}
}

// New constructs an Allocator from cfg. A zero Config is replaced with
// DefaultConfig(). New validates cfg and returns a *Error with Kind
// ConfigInvalid on failure.
func New(cfg Config) (*Allocator, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = defaultLogger()
	}
	metrics := newMetricsRegistry(cfg.Registerer, namespaceOrDefault(cfg.Namespace))

	sc := newSizeClasses(cfg.PageSize, cfg.MaxOrder)
	al := &Allocator{
		cfg:         &cfg,
		sizeClasses: sc,
		log:         log,
		metrics:     metrics,
		registry:    make(map[*ThreadCache]struct{}),
	}

	al.heapArenas = make([]*Arena, cfg.NumHeapArenas)
	for i := range al.heapArenas {
		al.heapArenas[i] = newArena(int32(i), KindHeap, sc, al.cfg, log, metrics)
	}
	al.dirArenas = make([]*Arena, cfg.NumDirectArenas)
	for i := range al.dirArenas {
		al.dirArenas[i] = newArena(int32(i), KindDirect, sc, al.cfg, log, metrics)
	}
	if metrics != nil {
		metrics.setArenaCount(KindHeap, len(al.heapArenas))
		metrics.setArenaCount(KindDirect, len(al.dirArenas))
	}
	return al, nil
}

func namespaceOrDefault(ns string) string {
	if ns == "" {
		return "bufpool"
	}
	return ns
}

func (al *Allocator) pickHeapArena() *Arena {
	if len(al.heapArenas) == 0 {
		return nil
	}
	i := al.heapCounter.Add(1) - 1
	return al.heapArenas[int(i)%len(al.heapArenas)]
}

func (al *Allocator) pickDirectArena() *Arena {
	if len(al.dirArenas) == 0 {
		return nil
	}
	i := al.dirCounter.Add(1) - 1
	return al.dirArenas[int(i)%len(al.dirArenas)]
}

func (al *Allocator) arenaFor(kind ArenaKind) *Arena {
	if kind == KindDirect {
		return al.pickDirectArena()
	}
	return al.pickHeapArena()
}

// leastLoadedArena returns the arena in arenas with the smallest
// numThreadCaches, ties broken by first occurrence, per §3/§4.F's
// ThreadCache-binding rule. It returns nil for an empty slice.
func leastLoadedArena(arenas []*Arena) *Arena {
	if len(arenas) == 0 {
		return nil
	}
	best := arenas[0]
	bestLoad := best.numThreadCaches.Load()
	for _, a := range arenas[1:] {
		if load := a.numThreadCaches.Load(); load < bestLoad {
			best, bestLoad = a, load
		}
	}
	return best
}

// defaultKind reports which ArenaKind Allocate should use when the caller
// does not bind a ThreadCache to a specific kind (PreferDirect in Config).
func (al *Allocator) defaultKind() ArenaKind {
	if al.cfg.PreferDirect {
		return KindDirect
	}
	return KindHeap
}

// NewLocalCache creates a ThreadCache bound to the least-loaded heap arena
// and the least-loaded direct arena (smallest numThreadCaches, ties broken
// by first occurrence), suitable for a single long-lived goroutine to hold
// for its lifetime. The caller must call Close on the returned cache when
// the goroutine is done; a finalizer-backed registry drains it
// automatically if Close is never called, per §9's note on the absence of
// per-goroutine destructors in Go.
func (al *Allocator) NewLocalCache() *ThreadCache {
	heapArena := leastLoadedArena(al.heapArenas)
	dirArena := leastLoadedArena(al.dirArenas)
	tc := newThreadCache(al, heapArena, dirArena)
	if heapArena != nil {
		heapArena.numThreadCaches.Add(1)
		if al.metrics != nil {
			al.metrics.threadCacheOpened(KindHeap)
		}
	}
	if dirArena != nil {
		dirArena.numThreadCaches.Add(1)
		if al.metrics != nil {
			al.metrics.threadCacheOpened(KindDirect)
		}
	}

	al.registryMu.Lock()
	al.registry[tc] = struct{}{}
	al.registryMu.Unlock()

	runtime.SetFinalizer(tc, func(tc *ThreadCache) {
		al.forgetCache(tc)
		tc.Close()
	})
	return tc
}

func (al *Allocator) forgetCache(tc *ThreadCache) {
	al.registryMu.Lock()
	delete(al.registry, tc)
	al.registryMu.Unlock()
	if al.metrics != nil {
		if tc.heapArena != nil {
			al.metrics.threadCacheClosed(KindHeap)
		}
		if tc.dirArena != nil {
			al.metrics.threadCacheClosed(KindDirect)
		}
	}
}

// CloseCache releases cache's rings back to their arenas and removes it
// from the finalizer registry. Prefer this (or cache.Close directly) over
// relying on garbage collection, which only runs the finalizer safety net
// on its own schedule.
func (al *Allocator) CloseCache(cache *ThreadCache) {
	if cache == nil {
		return
	}
	al.forgetCache(cache)
	cache.Close()
}

// AllocateDefault is Allocate using Config.PreferDirect to pick the arena
// kind, for callers that do not care whether storage is on-heap or direct.
func (al *Allocator) AllocateDefault(cache *ThreadCache, reqCapacity, maxCapacity int) (*Handle, error) {
	return al.Allocate(cache, al.defaultKind(), reqCapacity, maxCapacity)
}

// Allocate serves a request for reqCapacity usable bytes; the handle's
// MaxLength is reqCapacity rounded up to its size class. maxCapacity is
// only validated (it must be at least reqCapacity and within
// MaxCapacityCeiling) and does not change the size served. kind selects
// which arena family to use. With a non-nil cache the request goes to the
// cache's arena of that kind; cache may be nil, in which case the request
// bypasses thread-local caching, picks an arena round-robin, and goes
// straight to the arena lock.
func (al *Allocator) Allocate(cache *ThreadCache, kind ArenaKind, reqCapacity, maxCapacity int) (*Handle, error) {
	var arena *Arena
	if cache != nil {
		arena = cache.arenaFor(kind)
	}
	if arena == nil {
		arena = al.arenaFor(kind)
	}
	if arena == nil {
		return nil, errConfigInvalid("Allocator.Allocate", errNoArenaForKind(kind))
	}
	h, err := arena.allocate(cache, reqCapacity, maxCapacity)
	if err != nil || h.empty() {
		return h, err
	}
	al.usedCounter(kind).Add(int64(h.MaxLength))
	return h, nil
}

func (al *Allocator) usedCounter(kind ArenaKind) *atomic.Int64 {
	if kind == KindDirect {
		return &al.dirUsed
	}
	return &al.heapUsed
}

// Release returns h's storage to the pool. cache may be nil (the release
// then always takes the arena lock). Release is safe to call with h ==
// nil (no-op). Calling Release twice on the same *Handle returns a
// HandleInvalid error on the second call.
func (al *Allocator) Release(cache *ThreadCache, h *Handle) error {
	if h == nil {
		return nil
	}
	if h.freed {
		return errHandleInvalid("Allocator.Release", nil)
	}
	h.freed = true
	if h.empty() {
		return nil
	}
	al.usedCounter(h.kind).Add(-int64(h.MaxLength))
	if h.unpooled != nil {
		h.unpooled.Release()
		h.unpooled = nil
		arenas := al.heapArenas
		if h.kind == KindDirect {
			arenas = al.dirArenas
		}
		if int(h.ArenaID) < len(arenas) {
			arenas[h.ArenaID].deallocCounts[familyHuge].Add(1)
		}
		if al.metrics != nil {
			al.metrics.observeDealloc(h.kind, familyHuge, int64(h.MaxLength))
		}
		return nil
	}
	if h.arena == nil {
		return errHandleInvalid("Allocator.Release", nil)
	}
	h.arena.free(h.chunk, h, cache)
	h.arena, h.chunk = nil, nil
	return nil
}

func errNoArenaForKind(kind ArenaKind) error {
	return &Error{Kind: ConfigInvalid, Op: "arenaFor", Err: errNoArenaKind{kind: kind}}
}

type errNoArenaKind struct{ kind ArenaKind }

func (e errNoArenaKind) Error() string {
	return "bufpool: no arenas configured for kind " + e.kind.String()
}

// Snapshot contains statistical information about an Allocator, computed
// fresh from live state at the moment Metrics is called. It is a plain
// value, safe to log, compare, or hand to an unrelated subsystem.
type Snapshot struct {
	HeapArenas   int // Configured heap arenas
	DirectArenas int // Configured direct arenas

	UsedHeapBytes   int64 // Bytes outstanding across heap arenas
	UsedDirectBytes int64 // Bytes outstanding across direct arenas

	ThreadCaches int // Live ThreadCache instances registered with this Allocator

	AllocCounts   [4]int64 // Allocations served, indexed by sizeClassFamily
	DeallocCounts [4]int64 // Deallocations served, indexed by sizeClassFamily
}

// Metrics returns a snapshot of allocator-wide statistics. Per-arena and
// per-class breakdowns beyond this are exposed via Prometheus when the
// Allocator was constructed with a Registerer.
func (al *Allocator) Metrics() Snapshot {
	s := Snapshot{
		HeapArenas:      len(al.heapArenas),
		DirectArenas:    len(al.dirArenas),
		UsedHeapBytes:   al.heapUsed.Load(),
		UsedDirectBytes: al.dirUsed.Load(),
	}
	al.registryMu.Lock()
	s.ThreadCaches = len(al.registry)
	al.registryMu.Unlock()

	for _, a := range al.heapArenas {
		for i := range a.allocCounts {
			s.AllocCounts[i] += a.allocCounts[i].Load()
			s.DeallocCounts[i] += a.deallocCounts[i].Load()
		}
	}
	for _, a := range al.dirArenas {
		for i := range a.allocCounts {
			s.AllocCounts[i] += a.allocCounts[i].Load()
			s.DeallocCounts[i] += a.deallocCounts[i].Load()
		}
	}
	return s
}
