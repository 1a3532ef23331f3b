package ready

// Buffer keeps only the most recent bytes written to it, up to a fixed size
type Buffer struct {
	data []byte
	size int
}

// NewBuffer creates a buffer that retains at most size bytes
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		data: make([]byte, 0, size),
		size: size,
	}
}

// Write implements io.Writer
func (b *Buffer) Write(p []byte) (n int, err error) {
	// If adding this would exceed capacity, remove from the front
	if len(b.data)+len(p) > b.size {
		excess := len(b.data) + len(p) - b.size
		if excess >= len(b.data) {
			// New data alone fills the buffer, keep its tail
			b.data = append(b.data[:0], p[len(p)-b.size:]...)
		} else {
			b.data = append(b.data[excess:], p...)
		}
	} else {
		b.data = append(b.data, p...)
	}

	return len(p), nil
}

// String returns the retained contents
func (b *Buffer) String() string {
	return string(b.data)
}

// Len returns the number of retained bytes
func (b *Buffer) Len() int {
	return len(b.data)
}

// Reset discards the retained contents
func (b *Buffer) Reset() {
	b.data = b.data[:0]
}
