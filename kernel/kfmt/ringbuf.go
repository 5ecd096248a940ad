package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It is large enough to hold the boot log of the memory subsystems.
// The ring buffer size must always be a power of 2.
const ringBufferSize = 4096

// ringBuffer captures the output of Printf before an output sink is attached.
// When full, the oldest bytes are overwritten.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// rIndex is the offset of the oldest unread byte and count the number
	// of unread bytes.
	rIndex, count int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.rIndex+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and io.EOF once the buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	// Read up to the end of the backing array; a subsequent call picks up
	// the wrapped part.
	n := rb.count
	if tail := ringBufferSize - rb.rIndex; tail < n {
		n = tail
	}
	if len(p) < n {
		n = len(p)
	}

	copy(p, rb.buffer[rb.rIndex:rb.rIndex+n])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	rb.count -= n

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}
