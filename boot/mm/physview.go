package mm

import "unsafe"

// frameViewFn is used by tests to substitute an in-memory arena for real
// physical memory so that page-table construction can be exercised without
// touching machine frames. When compiling the loader this function is
// automatically inlined.
var frameViewFn = func(frame Frame) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(frame.Address()))), PageSize)
}

// FrameView returns a byte slice overlaying the contents of the supplied
// physical frame. The default implementation relies on the loader running
// with all of physical memory identity-mapped, which holds from the moment
// the loader's own page table is installed until the handoff to the kernel.
func FrameView(frame Frame) []byte {
	return frameViewFn(frame)
}

// SetFrameView registers a replacement physical frame accessor. It is meant
// for tests; passing nil restores the identity-mapped default.
func SetFrameView(fn func(Frame) []byte) {
	if fn == nil {
		frameViewFn = func(frame Frame) []byte {
			return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(frame.Address()))), PageSize)
		}
		return
	}
	frameViewFn = fn
}
