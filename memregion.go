package bufpool

// MemoryRegion abstracts the backing storage of a chunk so the buddy and
// subpage algorithms are shared between the heap arena variant (ordinary
// GC-managed memory) and the direct arena variant (off-heap memory),
// per §9's "Dynamic type parameter" design note.
type MemoryRegion interface {
	// Slice returns a []byte view of [offset, offset+length) within the
	// region. The returned slice aliases the region's backing memory.
	Slice(offset, length int) []byte
	// CopyFrom copies src into the region starting at offset, returning
	// the number of bytes copied.
	CopyFrom(offset int, src []byte) int
	// CopyTo copies [offset, offset+len(dst)) from the region into dst,
	// returning the number of bytes copied.
	CopyTo(offset int, dst []byte) int
	// Len returns the total size of the region in bytes.
	Len() int
	// Release returns the region's backing memory to the OS. After
	// Release the region must not be used.
	Release() error
}

// heapRegion is a MemoryRegion backed by ordinary GC-managed memory.
type heapRegion struct {
	buf []byte
}

func newHeapRegion(size int) *heapRegion {
	return &heapRegion{buf: make([]byte, size)}
}

func (r *heapRegion) Slice(offset, length int) []byte {
	return r.buf[offset : offset+length]
}

func (r *heapRegion) CopyFrom(offset int, src []byte) int {
	return copy(r.buf[offset:], src)
}

func (r *heapRegion) CopyTo(offset int, dst []byte) int {
	return copy(dst, r.buf[offset:])
}

func (r *heapRegion) Len() int { return len(r.buf) }

func (r *heapRegion) Release() error {
	r.buf = nil
	return nil
}
