// Package bufpool implements a pooled byte-buffer allocator modeled on
// jemalloc-style arena allocators (as used by Netty's
// PooledByteBufAllocator): a small set of large, pre-reserved memory
// regions serve variably-sized byte-buffer allocations, with per-goroutine
// caches eliminating synchronization on the hot path and a buddy-style
// subdivision inside each region serving medium allocations in O(log n).
//
// # Overview
//
// Allocations are normalized to a size class (tiny: multiples of 16 below
// 512 bytes; small: powers of two from 512 up to the page size; normal: a
// run of 2^d pages up to the chunk size) and served by one of several
// collaborators:
//
//   - Subpage subdivides a single page into equal-sized slots for tiny/small
//     classes, tracked with a bitmap.
//   - Chunk is a buddy allocator over a fixed-size region (16 MiB by
//     default), tracking free runs in a binary tree indexed by depth.
//   - Arena owns a set of chunks partitioned into utilization bands and
//     serializes medium/large allocations under a single mutex.
//   - ThreadCache is an explicit, caller-held handle wrapping unsynchronized
//     recycle rings of recently-freed handles, trimmed periodically to the
//     owning goroutine's working set.
//   - Allocator is the facade: it selects an arena for a cache, routes
//     Allocate/Release, and exposes a metrics surface.
//
// # Basic usage
//
//	al, err := bufpool.New(bufpool.DefaultConfig())
//	if err != nil {
//		// config invalid
//	}
//	cache := al.NewLocalCache()
//	defer al.CloseCache(cache)
//
//	h, err := al.Allocate(cache, bufpool.KindHeap, 1024, 1024)
//	if err != nil {
//		// capacity invalid or out of memory
//	}
//	buf := h.Bytes()
//	_ = buf
//	al.Release(cache, h)
//
// # Thread safety
//
// A *ThreadCache must only be used from the goroutine that created it; its
// recycle rings are deliberately unsynchronized. Allocator.Allocate and
// Allocator.Release are safe to call concurrently from any goroutine,
// including with a nil cache (which routes straight to the arena under its
// lock).
//
// # Out of scope
//
// The buffer type itself (reference-counted handle with read/write
// cursors), leak detection and metrics reporting transport, network codecs,
// channel pools, and environment-variable configuration parsing are all
// external collaborators; this package only produces and accepts Handle
// values and a resolved Config.
package bufpool
