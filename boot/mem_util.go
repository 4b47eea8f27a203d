package boot

// Memset sets every byte of buf to the supplied value. The implementation
// makes log2(len(buf)) copy calls instead of running a plain loop; frame
// views are always aligned so the copies operate on aligned blocks.
func Memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}
