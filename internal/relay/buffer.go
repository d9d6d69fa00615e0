package relay

import "sync"

// chunkBuffer is a bounded FIFO of audio chunks. When full, the oldest
// chunk is dropped: stale audio is worthless, recent audio is not.
type chunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	max    int
}

func newChunkBuffer(max int) *chunkBuffer {
	if max <= 0 {
		max = 1
	}
	return &chunkBuffer{max: max}
}

// Push appends a chunk and reports whether an older chunk was dropped to
// make room.
func (b *chunkBuffer) Push(chunk []byte) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) >= b.max {
		b.chunks = b.chunks[1:]
		dropped = true
	}
	b.chunks = append(b.chunks, chunk)
	return dropped
}

// Pop removes and returns the oldest chunk.
func (b *chunkBuffer) Pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) == 0 {
		return nil, false
	}
	chunk := b.chunks[0]
	b.chunks = b.chunks[1:]
	return chunk, true
}

// Len returns the number of buffered chunks.
func (b *chunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
