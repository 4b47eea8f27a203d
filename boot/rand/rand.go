// Package rand seeds the pseudo random generator used for address space
// layout randomization. Entropy is scraped from whatever the machine
// offers: the RDRAND instruction when the CPU has it, the time stamp
// counter, and the programmable interval timer's free running channels.
// None of these sources needs to be strong on its own; they are mixed and
// the result only has to be unpredictable enough to make kernel addresses
// non-guessable across boots.
package rand

import "gopherboot/boot/cpu"

// PIT channel data ports. Reading a latched channel returns the current
// countdown value, which drifts against the TSC and contributes a few bits
// of jitter.
const (
	pitChannel0 = 0x40
	pitChannel1 = 0x41
	pitChannel2 = 0x42
)

var (
	hasRdRandFn = cpu.HasRdRand
	rdRandFn    = cpu.RdRand64
	readTSCFn   = cpu.ReadTSC
	portReadFn  = cpu.PortReadByte
)

// Source is a xorshift64* generator. It satisfies the entropy source
// contract of the level 4 slot tracker.
type Source struct {
	state uint64
}

// NewSource returns a generator seeded from the available hardware
// entropy.
func NewSource() *Source {
	return &Source{state: mixSeed()}
}

// NewSeededSource returns a generator with a fixed seed.
func NewSeededSource(seed uint64) *Source {
	if seed == 0 {
		seed = 1
	}
	return &Source{state: seed}
}

// Uint64 returns the next value of the sequence.
func (s *Source) Uint64() uint64 {
	s.state ^= s.state >> 12
	s.state ^= s.state << 25
	s.state ^= s.state >> 27
	return s.state * 0x2545f4914f6cdd1d
}

// mixSeed combines the hardware entropy sources through a splitmix64
// finalizer round per sample.
func mixSeed() uint64 {
	seed := readTSCFn()

	if hasRdRandFn() {
		// RDRAND can transiently fail when the on-chip conditioner
		// runs dry; a bounded retry matches the vendor guidance.
		for i := 0; i < 8; i++ {
			if v, ok := rdRandFn(); ok {
				seed = finalize(seed ^ v)
				break
			}
		}
	}

	for _, port := range []uint16{pitChannel0, pitChannel1, pitChannel2} {
		seed = finalize(seed ^ uint64(portReadFn(port)))
	}

	seed = finalize(seed ^ readTSCFn())
	if seed == 0 {
		seed = 1
	}
	return seed
}

func finalize(v uint64) uint64 {
	v ^= v >> 30
	v *= 0xbf58476d1ce4e5b9
	v ^= v >> 27
	v *= 0x94d049bb133111eb
	v ^= v >> 31
	return v
}
