package audio

import "sync"

// Buffer accumulates PCM with a byte cap, trimming from the front when the
// cap is exceeded. Used to hold an in-flight utterance.
type Buffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	format   Format
}

// NewBuffer creates a buffer holding at most maxDurationMs of audio.
func NewBuffer(format Format, maxDurationMs int) *Buffer {
	maxBytes := format.BytesForDurationMs(maxDurationMs)
	return &Buffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		format:   format,
	}
}

// Write appends PCM, discarding the oldest bytes past the cap.
func (b *Buffer) Write(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, data...)
	if len(b.data) > b.maxBytes {
		excess := len(b.data) - b.maxBytes
		b.data = b.data[excess:]
	}
}

// Read returns a copy of the buffered PCM.
func (b *Buffer) Read() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

// Len returns the buffered byte count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// DurationMs returns the buffered duration.
func (b *Buffer) DurationMs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format.DurationMs(len(b.data))
}

// Clear empties the buffer.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// Ring is a fixed-size circular PCM buffer. It backs the prefix-padding
// window: the most recent N milliseconds before speech onset.
type Ring struct {
	mu       sync.Mutex
	data     []byte
	size     int
	writePos int
	filled   int
}

// NewRing creates a ring holding exactly durationMs of audio.
func NewRing(format Format, durationMs int) *Ring {
	size := format.BytesForDurationMs(durationMs)
	if size <= 0 {
		size = 1
	}
	return &Ring{data: make([]byte, size), size: size}
}

// Write adds PCM, overwriting the oldest bytes when full.
func (r *Ring) Write(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range data {
		r.data[r.writePos] = b
		r.writePos = (r.writePos + 1) % r.size
		if r.filled < r.size {
			r.filled++
		}
	}
}

// Read returns the buffered PCM in chronological order.
func (r *Ring) Read() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled < r.size {
		out := make([]byte, r.filled)
		copy(out, r.data[:r.filled])
		return out
	}
	out := make([]byte, r.size)
	firstPart := r.size - r.writePos
	copy(out[:firstPart], r.data[r.writePos:])
	copy(out[firstPart:], r.data[:r.writePos])
	return out
}

// Clear resets the ring.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writePos = 0
	r.filled = 0
}

// Filled returns how many bytes have been written, up to capacity.
func (r *Ring) Filled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filled
}
