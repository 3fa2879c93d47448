package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/afroash/aerogrow/internal/models"
)

// ReadingBuffer holds readings produced while the link to the server is down.
// It is a fixed ring: when full it either overwrites the oldest reading or refuses
// the new one, depending on dropOldest.
type ReadingBuffer struct {
	mu         sync.RWMutex
	ring       []models.ReadingMessage
	head       int // index of the oldest reading
	count      int
	dropOldest bool
	stats      BufferStats
}

// BufferStats tracks buffer usage
type BufferStats struct {
	TotalPushed   int64
	TotalDropped  int64
	HighWaterMark int
	LastPushTime  time.Time
	LastDropTime  time.Time
}

// NewReadingBuffer creates a buffer holding at most capacity readings (minimum 1)
func NewReadingBuffer(capacity int, dropOldest bool) *ReadingBuffer {
	return &ReadingBuffer{
		ring:       make([]models.ReadingMessage, max(capacity, 1)),
		dropOldest: dropOldest,
	}
}

// Push appends a reading. It reports false when the reading itself was discarded.
func (b *ReadingBuffer) Push(reading models.ReadingMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if b.count == len(b.ring) {
		b.stats.TotalDropped++
		b.stats.LastDropTime = now
		if !b.dropOldest {
			return false
		}
		// overwrite the oldest slot and advance head past it
		b.ring[b.head] = reading
		b.head = (b.head + 1) % len(b.ring)
	} else {
		b.ring[(b.head+b.count)%len(b.ring)] = reading
		b.count++
	}

	b.stats.TotalPushed++
	b.stats.LastPushTime = now
	b.stats.HighWaterMark = max(b.stats.HighWaterMark, b.count)
	return true
}

// PopBatch removes and returns up to n readings, oldest first
func (b *ReadingBuffer) PopBatch(n int) []models.ReadingMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.copyOldest(n)
	for i := range out {
		b.ring[(b.head+i)%len(b.ring)] = models.ReadingMessage{}
	}
	b.head = (b.head + len(out)) % len(b.ring)
	b.count -= len(out)
	return out
}

// Peek returns up to n readings, oldest first, without removing them
func (b *ReadingBuffer) Peek(n int) []models.ReadingMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.copyOldest(n)
}

func (b *ReadingBuffer) copyOldest(n int) []models.ReadingMessage {
	n = min(n, b.count)
	if n <= 0 {
		return nil
	}
	out := make([]models.ReadingMessage, n)
	for i := range out {
		out[i] = b.ring[(b.head+i)%len(b.ring)]
	}
	return out
}

func (b *ReadingBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

func (b *ReadingBuffer) IsFull() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == len(b.ring)
}

func (b *ReadingBuffer) IsEmpty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count == 0
}

// Clear empties the buffer and resets the counters. HighWaterMark is kept.
func (b *ReadingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.ring)
	b.head, b.count = 0, 0
	b.stats = BufferStats{HighWaterMark: b.stats.HighWaterMark}
}

// Capacity is fixed at construction
func (b *ReadingBuffer) Capacity() int {
	return len(b.ring)
}

// Stats returns a snapshot of the counters
func (b *ReadingBuffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}

// String renders e.g. "Buffer[12/500, dropped: 5, mode: drop-oldest]"
func (b *ReadingBuffer) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	mode := "drop-newest"
	if b.dropOldest {
		mode = "drop-oldest"
	}
	return fmt.Sprintf("Buffer[%d/%d, dropped: %d, mode: %s]", b.count, len(b.ring), b.stats.TotalDropped, mode)
}
