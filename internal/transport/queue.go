package transport

// ChunkQueue is an ordered queue of discrete outbound chunks. Bytes are never
// coalesced into one contiguous buffer; partial consumption only trims the
// front chunk.
type ChunkQueue struct {
	chunks [][]byte
	head   int
	off    int
	size   int
}

// Push appends p, taking ownership of the slice. Empty chunks are ignored.
func (q *ChunkQueue) Push(p []byte) {
	if len(p) == 0 {
		return
	}
	q.chunks = append(q.chunks, p)
	q.size += len(p)
}

// Len returns the number of queued bytes.
func (q *ChunkQueue) Len() int {
	return q.size
}

// Chunks returns the number of queued chunks.
func (q *ChunkQueue) Chunks() int {
	return len(q.chunks) - q.head
}

// Peek appends up to max queued chunks to dst, the first one trimmed by the
// already consumed offset. The returned slices alias the queue.
func (q *ChunkQueue) Peek(dst [][]byte, max int) [][]byte {
	for i := q.head; i < len(q.chunks) && len(dst) < max; i++ {
		c := q.chunks[i]
		if i == q.head {
			c = c[q.off:]
		}
		dst = append(dst, c)
	}
	return dst
}

// Front returns the unconsumed part of the first chunk, or nil.
func (q *ChunkQueue) Front() []byte {
	if q.head >= len(q.chunks) {
		return nil
	}
	return q.chunks[q.head][q.off:]
}

// Consume drops n bytes from the front of the queue.
func (q *ChunkQueue) Consume(n int) {
	if n > q.size {
		n = q.size
	}
	q.size -= n
	for n > 0 {
		rest := len(q.chunks[q.head]) - q.off
		if n < rest {
			q.off += n
			return
		}
		n -= rest
		q.chunks[q.head] = nil
		q.head++
		q.off = 0
	}
	q.compact()
}

// Pop removes and returns the unconsumed part of the first chunk.
func (q *ChunkQueue) Pop() []byte {
	c := q.Front()
	if c == nil {
		return nil
	}
	q.Consume(len(c))
	return c
}

// MoveTo transfers every queued chunk to dst, preserving order.
func (q *ChunkQueue) MoveTo(dst *ChunkQueue) {
	for q.size > 0 {
		dst.Push(q.Pop())
	}
}

// Reset drops all queued bytes.
func (q *ChunkQueue) Reset() {
	q.chunks = nil
	q.head = 0
	q.off = 0
	q.size = 0
}

func (q *ChunkQueue) compact() {
	if q.head == len(q.chunks) {
		q.chunks = q.chunks[:0]
		q.head = 0
		return
	}
	if q.head > 32 && q.head*2 > len(q.chunks) {
		n := copy(q.chunks, q.chunks[q.head:])
		for i := n; i < len(q.chunks); i++ {
			q.chunks[i] = nil
		}
		q.chunks = q.chunks[:n]
		q.head = 0
	}
}
