//go:build unix

package bufpool

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// directRegion is a MemoryRegion backed by anonymous mmap'd memory,
// mirroring Netty's off-heap direct buffers. directMemoryCacheAlignment
// padding (when configured) is applied by the caller before sizing the
// mmap; this type only owns the raw mapping.
type directRegion struct {
	buf []byte
}

func newDirectRegion(size int) (MemoryRegion, error) {
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap direct region of %d bytes: %w", size, err)
	}
	return &directRegion{buf: buf}, nil
}

func (r *directRegion) Slice(offset, length int) []byte {
	return r.buf[offset : offset+length]
}

func (r *directRegion) CopyFrom(offset int, src []byte) int {
	return copy(r.buf[offset:], src)
}

func (r *directRegion) CopyTo(offset int, dst []byte) int {
	return copy(dst, r.buf[offset:])
}

func (r *directRegion) Len() int { return len(r.buf) }

func (r *directRegion) Release() error {
	if r.buf == nil {
		return nil
	}
	buf := r.buf
	r.buf = nil
	return unix.Munmap(buf)
}
