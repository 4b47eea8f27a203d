// Package console implements the loader's diagnostic output sinks. The
// loader has no display driver stack; it writes directly to the memory of
// whatever text output the firmware left behind.
package console

import "gopherboot/boot/mm"

// VgaText writes to an EGA-compatible 80x25 text framebuffer in VGA mode
// 0x3. Each cell holds two bytes, the ASCII code and an attribute byte
// with the foreground and background colors in its low and high nibble.
type VgaText struct {
	physAddr uint64
	width    int
	height   int

	x, y int
	attr uint8
}

// NewVgaText returns a cleared 80x25 text console over the standard VGA
// framebuffer address, printing light gray text on a black background.
func NewVgaText() *VgaText {
	cons := &VgaText{
		physAddr: 0xb8000,
		width:    80,
		height:   25,
		attr:     7,
	}
	cons.clear()
	return cons
}

// Write implements io.Writer so the console can serve as the kfmt output
// sink. It understands newline and carriage return and scrolls the screen
// up one row when output reaches past the last row. Write always succeeds.
func (cons *VgaText) Write(p []byte) (int, error) {
	for _, b := range p {
		switch b {
		case '\r':
			cons.x = 0
		case '\n':
			cons.x = 0
			cons.y++
		default:
			fb := cons.fb()
			offset := (cons.y*cons.width + cons.x) << 1
			fb[offset] = b
			fb[offset+1] = cons.attr
			cons.x++
			if cons.x == cons.width {
				cons.x = 0
				cons.y++
			}
		}

		if cons.y == cons.height {
			cons.scrollUp()
			cons.y = cons.height - 1
		}
	}

	return len(p), nil
}

func (cons *VgaText) clear() {
	fb := cons.fb()
	for i := 0; i < cons.width*cons.height; i++ {
		fb[i<<1] = ' '
		fb[(i<<1)+1] = cons.attr
	}
	cons.x, cons.y = 0, 0
}

func (cons *VgaText) scrollUp() {
	fb := cons.fb()
	rowBytes := cons.width << 1
	copy(fb, fb[rowBytes:cons.height*rowBytes])

	lastRow := fb[(cons.height-1)*rowBytes:]
	for i := 0; i < cons.width; i++ {
		lastRow[i<<1] = ' '
		lastRow[(i<<1)+1] = cons.attr
	}
}

// fb returns the framebuffer bytes. The 4000 byte text framebuffer never
// crosses a frame boundary at its standard address.
func (cons *VgaText) fb() []byte {
	return mm.FrameView(mm.FrameFromAddress(cons.physAddr))
}
