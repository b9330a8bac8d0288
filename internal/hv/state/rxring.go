package state

import "sync/atomic"

// rxRingCapacity is the PL011 RX ring's entry count (spec.md §3/§6:
// "lock-free single-producer/single-consumer ring of input bytes from
// the physical UART, 64 entries").
const rxRingCapacity = 64

// RXRing is a lock-free SPSC byte ring: the host console reader is the
// sole producer (Push), the scheduler's per-iteration drain step
// (spec.md §4.5 step 5) and the PL011 device model are the sole
// consumer (Pop). head/tail are plain atomics rather than a channel
// because the consumer runs on the guest's own pCPU and must never
// block waiting for a send.
type RXRing struct {
	buf        [rxRingCapacity]byte
	head, tail atomic.Uint32 // head: next free write slot; tail: next unread slot
}

// Push appends b to the ring, reporting false if the ring is full (the
// producer is expected to drop or backpressure on false, never block).
func (r *RXRing) Push(b byte) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= rxRingCapacity {
		return false
	}
	r.buf[head%rxRingCapacity] = b
	r.head.Store(head + 1)
	return true
}

// Pop removes and returns the oldest byte, reporting false if the ring
// is empty.
func (r *RXRing) Pop() (byte, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail == head {
		return 0, false
	}
	b := r.buf[tail%rxRingCapacity]
	r.tail.Store(tail + 1)
	return b, true
}

// Len reports the number of unread bytes currently buffered.
func (r *RXRing) Len() int {
	return int(r.head.Load() - r.tail.Load())
}
