// Package memory implements the process-wide memory pool shared by every
// pipeline instance: per-device arenas for (emulated) accelerator memory and
// one arena for page-locked ("pinned") host memory.
//
// Plain host memory is not pooled: it comes straight from the Go runtime.
// Device and pinned allocations are sub-allocated from pooled blocks so that
// preallocation creates real headroom and ReleaseUnused returns it.
//
// Preallocation calls report success as a bool status instead of an error:
// running out of headroom is an expected, recoverable condition.
package memory

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/batchflow/device"
)

// Space describes where a buffer lives.
type Space struct {
	Device device.Type
	// DeviceNum is the accelerator ordinal; meaningful only for Device == GPU.
	DeviceNum int
	// Pinned marks page-locked host memory; meaningful only for Device == CPU.
	Pinned bool
}

// String implements fmt.Stringer.
func (s Space) String() string {
	if s.Device == device.GPU {
		return fmt.Sprintf("GPU#%d", s.DeviceNum)
	}
	if s.Pinned {
		return "CPU(pinned)"
	}
	return "CPU"
}

// Buffer is one allocation. Device and pinned buffers must be freed back to
// their pool; plain host buffers may simply be dropped.
type Buffer struct {
	data  []byte
	space Space

	pool *Pool
	blk  *block
}

// Bytes returns the buffer's storage. The slice is owned by the buffer and
// is invalid after Free.
func (b *Buffer) Bytes() []byte { return b.data }

// Space returns where the buffer lives.
func (b *Buffer) Space() Space { return b.space }

// Size returns the buffer's length in bytes.
func (b *Buffer) Size() int { return len(b.data) }

// Free returns the buffer to its pool. It is idempotent and a no-op for
// plain host buffers.
func (b *Buffer) Free() {
	if b == nil || b.pool == nil {
		return
	}
	pool := b.pool
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.arenaFor(b.space).free(b.blk, len(b.data))
	b.pool = nil
	b.blk = nil
	b.data = nil
}

// Pool is a process-wide memory pool. The zero value is not usable; use
// NewPool or the shared Default pool.
//
// All methods are safe for concurrent use.
type Pool struct {
	mu     sync.Mutex
	arenas map[Space]*arena
}

// NewPool creates an empty pool with unlimited capacities.
func NewPool() *Pool {
	return &Pool{arenas: make(map[Space]*arena)}
}

var (
	defaultPool     *Pool
	defaultPoolOnce sync.Once
)

// Default returns the pool shared by pipeline instances that don't inject
// their own.
func Default() *Pool {
	defaultPoolOnce.Do(func() { defaultPool = NewPool() })
	return defaultPool
}

func (p *Pool) arenaFor(space Space) *arena {
	a := p.arenas[space]
	if a == nil {
		a = &arena{name: space.String()}
		p.arenas[space] = a
	}
	return a
}

// SetCapacity bounds the total bytes the pool may reserve for the given
// space. Zero means unlimited. Shrinking below current reservations does not
// free anything, it only fails future growth.
func (p *Pool) SetCapacity(space Space, bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.arenaFor(space).capacity = bytes
}

// AllocHost returns a plain (pageable) host buffer. It never draws from the
// pool's arenas.
func (p *Pool) AllocHost(n int) *Buffer {
	return &Buffer{data: make([]byte, n), space: Space{Device: device.CPU}}
}

// AllocPinned allocates page-locked host memory from the pool.
func (p *Pool) AllocPinned(n int) (*Buffer, error) {
	return p.alloc(n, Space{Device: device.CPU, Pinned: true})
}

// AllocDevice allocates accelerator memory on the given device from the pool.
func (p *Pool) AllocDevice(n int, deviceNum int) (*Buffer, error) {
	return p.alloc(n, Space{Device: device.GPU, DeviceNum: deviceNum})
}

func (p *Pool) alloc(n int, space Space) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, blk, err := p.arenaFor(space).alloc(n)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating %d bytes on %s", n, space)
	}
	return &Buffer{data: data, space: space, pool: p, blk: blk}, nil
}

// PreallocateDevice ensures `bytes` can be allocated on the given device
// without further growth, by allocating and freeing that amount. Returns
// whether it succeeded.
func (p *Pool) PreallocateDevice(bytes int, deviceNum int) bool {
	return p.preallocate(bytes, Space{Device: device.GPU, DeviceNum: deviceNum})
}

// PreallocatePinned ensures `bytes` of pinned host memory can be allocated
// without further growth. Returns whether it succeeded.
func (p *Pool) PreallocatePinned(bytes int) bool {
	return p.preallocate(bytes, Space{Device: device.CPU, Pinned: true})
}

func (p *Pool) preallocate(bytes int, space Space) bool {
	buf, err := p.alloc(bytes, space)
	if err != nil {
		klog.V(1).Infof("preallocation of %s on %s failed: %v",
			humanize.IBytes(uint64(max(bytes, 0))), space, err)
		return false
	}
	buf.Free()
	return true
}

// ReleaseUnused returns to the runtime every pooled block that has no
// outstanding allocation, across all devices and pinned host memory.
func (p *Pool) ReleaseUnused() {
	p.mu.Lock()
	defer p.mu.Unlock()
	var released int64
	for _, a := range p.arenas {
		released += a.releaseUnused()
	}
	if released > 0 {
		klog.V(1).Infof("memory pool released %s of unused blocks", humanize.IBytes(uint64(released)))
	}
}

// SpaceStats is a snapshot of one space's accounting.
type SpaceStats struct {
	Space    Space
	Used     int64 // bytes in live allocations (rounded to alignment)
	Reserved int64 // bytes held in pooled blocks
}

// String implements fmt.Stringer.
func (s SpaceStats) String() string {
	return fmt.Sprintf("%s: used=%s reserved=%s",
		s.Space, humanize.IBytes(uint64(s.Used)), humanize.IBytes(uint64(s.Reserved)))
}

// Stats returns a snapshot of every space the pool has touched.
func (p *Pool) Stats() []SpaceStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]SpaceStats, 0, len(p.arenas))
	for space, a := range p.arenas {
		stats = append(stats, SpaceStats{Space: space, Used: a.used, Reserved: a.reserved})
	}
	return stats
}
