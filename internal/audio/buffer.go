package audio

import (
	"sync"
)

// SampleBuffer is a thread-safe ring buffer of normalized samples. The
// feature stream peeks a full analysis window and discards one hop, so
// overlapping frames never copy the tail around.
type SampleBuffer struct {
	buffer []float64
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewSampleBuffer creates a buffer holding up to size-1 samples.
func NewSampleBuffer(size int) *SampleBuffer {
	return &SampleBuffer{
		buffer: make([]float64, size),
		size:   size,
	}
}

// Write appends samples and returns how many fit.
func (sb *SampleBuffer) Write(samples []float64) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	written := 0
	for _, s := range samples {
		if (sb.write+1)%sb.size == sb.read {
			break // full
		}
		sb.buffer[sb.write] = s
		sb.write = (sb.write + 1) % sb.size
		written++
	}
	return written
}

// Peek copies up to len(dst) samples without consuming them.
func (sb *SampleBuffer) Peek(dst []float64) int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.copyOut(dst)
}

// Read copies up to len(dst) samples and consumes them.
func (sb *SampleBuffer) Read(dst []float64) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	n := sb.copyOut(dst)
	sb.read = (sb.read + n) % sb.size
	return n
}

// Discard drops up to n samples and returns how many were dropped.
func (sb *SampleBuffer) Discard(n int) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	n = min(n, sb.available())
	sb.read = (sb.read + n) % sb.size
	return n
}

func (sb *SampleBuffer) copyOut(dst []float64) int {
	n := min(len(dst), sb.available())
	for i := 0; i < n; i++ {
		dst[i] = sb.buffer[(sb.read+i)%sb.size]
	}
	return n
}

func (sb *SampleBuffer) available() int {
	if sb.write >= sb.read {
		return sb.write - sb.read
	}
	return sb.size - sb.read + sb.write
}

// Available returns the number of samples ready to read.
func (sb *SampleBuffer) Available() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.available()
}

// Space returns the number of samples that can still be written.
func (sb *SampleBuffer) Space() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.size - sb.available() - 1 // -1 to prevent full/empty ambiguity
}

// Clear drops everything.
func (sb *SampleBuffer) Clear() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.read = 0
	sb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (sb *SampleBuffer) IsEmpty() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return sb.read == sb.write
}

// IsFull returns true if the buffer is full
func (sb *SampleBuffer) IsFull() bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return (sb.write+1)%sb.size == sb.read
}
