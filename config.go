package bufpool

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config controls the shape of an Allocator: arena counts, the page/chunk
// geometry shared by all arenas, and the per-class thread-cache sizing.
// Fields mirror §6's externally observable configuration surface.
type Config struct {
	// NumHeapArenas is the number of arenas backing KindHeap allocations.
	// Requests made without a ThreadCache round-robin across them to spread
	// lock contention; a ThreadCache is bound to the least-loaded one.
	NumHeapArenas int
	// NumDirectArenas is the number of arenas backing KindDirect
	// allocations.
	NumDirectArenas int

	// PageSize is the smallest unit a chunk is subdivided into; must be a
	// power of two, and conventionally 8 KiB.
	PageSize int
	// MaxOrder is the binary-tree depth of a chunk: ChunkSize = PageSize
	// << MaxOrder.
	MaxOrder int

	// TinyCacheSize, SmallCacheSize, and NormalCacheSize are the
	// per-class ring capacities of each ThreadCache. Zero disables
	// caching for that family.
	TinyCacheSize   int
	SmallCacheSize  int
	NormalCacheSize int

	// MaxCachedBufferCapacity bounds which normal-class run sizes are
	// eligible for thread-cache recycling; runs larger than this always
	// go through the arena lock.
	MaxCachedBufferCapacity int

	// CacheTrimInterval is the number of allocations a ThreadCache
	// serves from a ring between automatic trim passes. Zero disables
	// periodic trimming (Close still drains fully).
	CacheTrimInterval int

	// UseCacheForAllThreads is validated with the rest of the Config but
	// is not read by the allocator: whatever its value, only goroutines
	// that explicitly call Allocator.NewLocalCache get a cache, and
	// Allocate calls made with a nil *ThreadCache always go straight to
	// the arena.
	UseCacheForAllThreads bool

	// DirectMemoryCacheAlignment rounds every direct chunk's backing
	// region up to a multiple of this many bytes (0 disables alignment).
	DirectMemoryCacheAlignment int

	// PreferDirect makes Allocator.AllocateDefault use KindDirect instead
	// of KindHeap. Allocator.Allocate always uses the kind it is given.
	PreferDirect bool

	// MaxCapacityCeiling caps every Allocate request's reqCapacity and
	// maxCapacity; 0 means unbounded (beyond the implicit chunk-size-
	// driven split between pooled and huge allocations).
	MaxCapacityCeiling int

	// Logger receives warnings (e.g. a chunk reservation failing). A nil
	// Logger defaults to zap.NewNop().
	Logger *zap.Logger

	// Registerer, when non-nil, receives the allocator's Prometheus
	// collectors (arena and chunk counts, allocation and deallocation
	// counters, live thread caches, and used bytes, each by arena kind).
	// A nil Registerer disables metrics.
	Registerer prometheus.Registerer
	// Namespace prefixes every registered metric name; defaults to
	// "bufpool" when empty and Registerer is set.
	Namespace string
}

// DefaultConfig returns the configuration used when New is called with a
// zero Config: two arenas per kind, 8 KiB pages, an 11-level tree (16 MiB
// chunks), and modest thread-cache rings, matching the defaults a pooled
// allocator ships with out of the box.
func DefaultConfig() Config {
	return Config{
		NumHeapArenas:              2,
		NumDirectArenas:            2,
		PageSize:                   8192,
		MaxOrder:                   11,
		TinyCacheSize:              512,
		SmallCacheSize:             256,
		NormalCacheSize:            64,
		MaxCachedBufferCapacity:    32 * 1024,
		CacheTrimInterval:          8192,
		UseCacheForAllThreads:      true,
		DirectMemoryCacheAlignment: 0,
		PreferDirect:               false,
		MaxCapacityCeiling:         0,
	}
}

// validate enforces the startup checks from §4.F: power-of-two page size,
// a tree depth that keeps the chunk size representable, and non-negative
// cache/arena counts.
func (c Config) validate() error {
	if c.NumHeapArenas < 0 || c.NumDirectArenas < 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("arena counts must be >= 0"))
	}
	if c.NumHeapArenas == 0 && c.NumDirectArenas == 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("at least one arena kind must be configured"))
	}
	if c.PageSize < 4096 || c.PageSize&(c.PageSize-1) != 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("page size %d must be a power of two >= 4096", c.PageSize))
	}
	if c.MaxOrder < 0 || c.MaxOrder > 14 {
		return errConfigInvalid("Config.validate", fmt.Errorf("max order %d out of range (must be 0-14)", c.MaxOrder))
	}
	if chunkSize := c.PageSize << uint(c.MaxOrder); chunkSize <= 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("page size %d << max order %d overflows int", c.PageSize, c.MaxOrder))
	}
	if c.TinyCacheSize < 0 || c.SmallCacheSize < 0 || c.NormalCacheSize < 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("cache sizes must be >= 0"))
	}
	if c.MaxCachedBufferCapacity < 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("max cached buffer capacity must be >= 0"))
	}
	if c.CacheTrimInterval < 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("cache trim interval must be >= 0"))
	}
	if c.DirectMemoryCacheAlignment < 0 || (c.DirectMemoryCacheAlignment > 0 && c.DirectMemoryCacheAlignment&(c.DirectMemoryCacheAlignment-1) != 0) {
		return errConfigInvalid("Config.validate", fmt.Errorf("direct memory cache alignment must be 0 or a power of two"))
	}
	if c.MaxCapacityCeiling < 0 {
		return errConfigInvalid("Config.validate", fmt.Errorf("max capacity ceiling must be >= 0"))
	}
	return nil
}
