package upstream

// ringBuffer holds the most recent audio frames while the upstream is away.
// It is not safe for concurrent use; the reconnector guards it.
type ringBuffer struct {
	frames [][]byte
	head   int
	size   int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{frames: make([][]byte, capacity)}
}

// push appends a frame, evicting the oldest one when full.
func (b *ringBuffer) push(frame []byte) (evicted bool) {
	capacity := len(b.frames)
	if b.size == capacity {
		b.frames[b.head] = frame
		b.head = (b.head + 1) % capacity
		return true
	}
	b.frames[(b.head+b.size)%capacity] = frame
	b.size++
	return false
}

// drain returns buffered frames oldest-first and empties the buffer.
func (b *ringBuffer) drain() [][]byte {
	if b.size == 0 {
		return nil
	}
	out := make([][]byte, 0, b.size)
	capacity := len(b.frames)
	for i := 0; i < b.size; i++ {
		out = append(out, b.frames[(b.head+i)%capacity])
	}
	b.reset()
	return out
}

func (b *ringBuffer) len() int { return b.size }

func (b *ringBuffer) reset() {
	for i := range b.frames {
		b.frames[i] = nil
	}
	b.head = 0
	b.size = 0
}
