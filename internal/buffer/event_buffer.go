package buffer

import (
	v1 "ledgersync/pkg/api/v1"
	"sort"
	"sync"
)

// EventBuffer is a fixed-size ring of stream messages ordered by Seq. It lets a
// reconnecting stream client replay what it missed.
type EventBuffer struct {
	mu       sync.RWMutex
	messages []v1.Message
	size     int
	head     int
	isFull   bool
}

func NewEventBuffer(size int) *EventBuffer {
	if size <= 0 {
		size = 1000
	}
	return &EventBuffer{
		messages: make([]v1.Message, size),
		size:     size,
	}
}

// Add appends msg. Seq must be strictly increasing across calls.
func (b *EventBuffer) Add(msg v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages[b.head] = msg
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// GetSince returns the messages after lastSeq. ok is false when messages right
// after lastSeq were already overwritten and the caller must reset.
func (b *EventBuffer) GetSince(lastSeq int64) ([]v1.Message, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := b.head
	start := 0
	if b.isFull {
		count = b.size
		start = b.head
	}

	if count == 0 {
		return nil, true
	}

	oldestSeq := b.messages[start].Seq
	if lastSeq+1 < oldestSeq {
		return nil, false
	}

	// logical index i lives at physical (start + i) % size
	idx := sort.Search(count, func(i int) bool {
		return b.messages[(start+i)%b.size].Seq > lastSeq
	})
	if idx == count {
		return nil, true
	}

	result := make([]v1.Message, 0, count-idx)
	for i := idx; i < count; i++ {
		result = append(result, b.messages[(start+i)%b.size])
	}
	return result, true
}

// Latest returns the highest Seq held, or 0 when empty.
func (b *EventBuffer) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.head == 0 && !b.isFull {
		return 0
	}
	return b.messages[(b.head-1+b.size)%b.size].Seq
}
