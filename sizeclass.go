package bufpool

import "math/bits"

// sizeClassFamily identifies which of the three class families (plus the
// unpooled "huge" escape hatch) a normalized capacity belongs to.
type sizeClassFamily uint8

const (
	familyTiny sizeClassFamily = iota
	familySmall
	familyNormal
	familyHuge
)

func (f sizeClassFamily) String() string {
	switch f {
	case familyTiny:
		return "tiny"
	case familySmall:
		return "small"
	case familyNormal:
		return "normal"
	default:
		return "huge"
	}
}

const (
	tinyClassStep  = 16 // tiny classes are multiples of 16...
	tinyClassLimit = 512 // ...up to but excluding this
	// numTinyClasses is sized 32 (not 31) because sizeIdx for tiny is
	// normCapacity>>4, which yields indices 1..31; index 0 is unused,
	// matching the real Netty layout this spec is modeled on.
	numTinyClasses = tinyClassLimit / tinyClassStep
)

// sizeClasses is the immutable table computed at startup from
// (pageSize, maxOrder). It normalizes a requested capacity to the
// representative capacity of its size class and maps that representative
// to a (family, index) pair the Arena uses to pick a pool.
type sizeClasses struct {
	pageSize       int
	pageShifts     int // log2(pageSize)
	maxOrder       int
	chunkSize      int
	numSmallClasses int // log2(pageSize) - 9
}

func newSizeClasses(pageSize, maxOrder int) *sizeClasses {
	return &sizeClasses{
		pageSize:        pageSize,
		pageShifts:      bits.TrailingZeros(uint(pageSize)),
		maxOrder:        maxOrder,
		chunkSize:       pageSize << uint(maxOrder),
		numSmallClasses: bits.TrailingZeros(uint(pageSize)) - 9,
	}
}

// normalize rounds reqCapacity up to the representative capacity of its
// size class. A reqCapacity of 0 yields 0 (the empty handle). Capacities
// above chunkSize are huge and are returned unchanged: huge allocations
// bypass size classes entirely, so normalize is the identity there, which
// also keeps normalize idempotent for huge values.
func (sc *sizeClasses) normalize(reqCapacity int) int {
	if reqCapacity <= 0 {
		return 0
	}
	if reqCapacity > sc.chunkSize {
		return reqCapacity
	}
	if reqCapacity < tinyClassLimit {
		// round up to next multiple of 16, minimum 16.
		n := ((reqCapacity + tinyClassStep - 1) / tinyClassStep) * tinyClassStep
		if n == 0 {
			n = tinyClassStep
		}
		return n
	}
	// small/normal: next power of two, which is automatically a multiple
	// of pageSize once it reaches pageSize since pageSize is itself a
	// power of two.
	return nextPowerOfTwo(reqCapacity)
}

// sizeIdx maps a normalized capacity to its (family, index) pair.
func (sc *sizeClasses) sizeIdx(normCapacity int) (sizeClassFamily, int) {
	if normCapacity == 0 {
		return familyTiny, 0
	}
	if normCapacity > sc.chunkSize {
		return familyHuge, -1
	}
	if normCapacity < tinyClassLimit {
		return familyTiny, normCapacity >> 4
	}
	if normCapacity < sc.pageSize {
		return familySmall, bits.TrailingZeros(uint(normCapacity)) - 9
	}
	log2 := bits.TrailingZeros(uint(normCapacity / sc.pageSize))
	depth := sc.maxOrder - log2
	return familyNormal, depth
}

// runSize returns the byte size of a run of pages at the given tree depth:
// pageSize << (maxOrder - depth).
func (sc *sizeClasses) runSize(depth int) int {
	return sc.pageSize << uint(sc.maxOrder-depth)
}

func nextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << uint(bits.Len(uint(n-1)))
}
