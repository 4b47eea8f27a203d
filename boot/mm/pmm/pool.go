package pmm

import (
	"gopherboot/boot"
	"gopherboot/boot/mm"
)

// ErrPoolExhausted is returned when a FramePool runs out of frames.
var ErrPoolExhausted = &boot.Error{Module: "pmm", Message: "frame pool exhausted"}

// FramePool hands out frames from a contiguous run previously reserved
// with Allocator.ReserveContiguous. Pools back allocations whose frames
// must carry a single kind in the final memory map.
type FramePool struct {
	next      mm.Frame
	remaining uint64
}

// NewFramePool wraps a contiguous run of frameCount frames starting at
// first.
func NewFramePool(first mm.Frame, frameCount uint64) *FramePool {
	return &FramePool{next: first, remaining: frameCount}
}

// AllocFrame returns the next frame from the pool.
func (p *FramePool) AllocFrame() (mm.Frame, *boot.Error) {
	if p.remaining == 0 {
		return mm.InvalidFrame, ErrPoolExhausted
	}

	frame := p.next
	p.next++
	p.remaining--
	return frame, nil
}

// Remaining returns the number of frames still available.
func (p *FramePool) Remaining() uint64 {
	return p.remaining
}
