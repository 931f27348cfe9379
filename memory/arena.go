package memory

import (
	"github.com/pkg/errors"
)

// BufferAlignment is the alignment of every sub-allocation handed out by an
// arena. It matches what copy kernels and the host staging path assume.
const BufferAlignment = 64

// minBlockBytes is the smallest block an arena requests from the Go runtime.
// Larger allocations get a dedicated block of their exact (rounded) size.
const minBlockBytes = 1 << 20

// arena is a growable set of blocks with bump-pointer sub-allocation.
// Allocations are freed individually only for accounting: a block's storage
// is recycled when its last allocation is freed, and returned to the runtime
// only by releaseUnused.
//
// An arena is not safe for concurrent use; the Pool serializes access.
type arena struct {
	name     string
	capacity int64 // 0 means unlimited
	blocks   []*block

	used     int64
	reserved int64
}

type block struct {
	buf     []byte
	current int // bump offset
	live    int // outstanding allocations
}

func alignUp(n int) int {
	return (n + BufferAlignment - 1) &^ (BufferAlignment - 1)
}

// alloc returns a zeroed sub-slice of length n. It grows the arena if no
// block has room, failing if that would exceed the arena's capacity.
func (a *arena) alloc(n int) ([]byte, *block, error) {
	if n < 0 {
		return nil, nil, errors.Errorf("arena %q: negative allocation size %d", a.name, n)
	}
	rounded := alignUp(n)
	for _, blk := range a.blocks {
		if blk.current+rounded <= len(blk.buf) {
			a.used += int64(rounded)
			return blk.take(n, rounded), blk, nil
		}
	}
	blockSize := rounded
	if blockSize < minBlockBytes {
		blockSize = minBlockBytes
	}
	if a.capacity > 0 && a.reserved+int64(blockSize) > a.capacity {
		// Retry with an exact-sized block before giving up.
		blockSize = rounded
		if a.capacity > 0 && a.reserved+int64(blockSize) > a.capacity {
			return nil, nil, errors.Errorf("arena %q: out of memory: %d bytes requested, %d of %d reserved",
				a.name, n, a.reserved, a.capacity)
		}
	}
	blk := &block{buf: make([]byte, blockSize)}
	a.blocks = append(a.blocks, blk)
	a.reserved += int64(blockSize)
	a.used += int64(rounded)
	return blk.take(n, rounded), blk, nil
}

func (blk *block) take(n, rounded int) []byte {
	data := blk.buf[blk.current : blk.current+n : blk.current+n]
	blk.current += rounded
	blk.live++
	return data
}

// free returns one allocation of n bytes to the arena's accounting. When a
// block's last allocation is freed its storage becomes reusable.
func (a *arena) free(blk *block, n int) {
	a.used -= int64(alignUp(n))
	blk.live--
	if blk.live == 0 {
		clear(blk.buf[:blk.current])
		blk.current = 0
	}
}

// releaseUnused drops every block with no outstanding allocations, returning
// the number of bytes released to the runtime.
func (a *arena) releaseUnused() int64 {
	var released int64
	kept := a.blocks[:0]
	for _, blk := range a.blocks {
		if blk.live == 0 {
			released += int64(len(blk.buf))
			continue
		}
		kept = append(kept, blk)
	}
	a.blocks = kept
	a.reserved -= released
	return released
}
