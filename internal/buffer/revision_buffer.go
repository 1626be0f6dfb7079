// Package buffer keeps the recent change history stream subscribers resume from.
package buffer

import (
	"sort"
	"sync"

	v1 "rollgate/pkg/api/v1"
)

// RevisionBuffer is a fixed-size ring of change messages in revision order.
type RevisionBuffer struct {
	mu       sync.RWMutex
	messages []v1.Message
	size     int
	head     int
	isFull   bool
}

func NewRevisionBuffer(size int) *RevisionBuffer {
	if size <= 0 {
		size = 1000
	}
	return &RevisionBuffer{
		messages: make([]v1.Message, size),
		size:     size,
	}
}

// AddMessage appends msg. Revisions must arrive in increasing order.
func (b *RevisionBuffer) AddMessage(msg v1.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.messages[b.head] = msg
	b.head = (b.head + 1) % b.size
	if b.head == 0 {
		b.isFull = true
	}
}

// GetSince returns the messages after lastRev for which keep reports true
// (nil keep keeps all). ok is false when lastRev predates the oldest
// retained message, in which case the caller must resync from a snapshot.
func (b *RevisionBuffer) GetSince(lastRev int64, keep func(v1.Message) bool) (msgs []v1.Message, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count, start := b.head, 0
	if b.isFull {
		count, start = b.size, b.head
	}
	if count == 0 {
		return nil, true
	}
	if lastRev < b.messages[start].Revision-1 {
		return nil, false
	}

	at := func(i int) v1.Message { return b.messages[(start+i)%b.size] }
	idx := sort.Search(count, func(i int) bool { return at(i).Revision > lastRev })
	for i := idx; i < count; i++ {
		if m := at(i); keep == nil || keep(m) {
			msgs = append(msgs, m)
		}
	}
	return msgs, true
}

// Latest is the newest buffered revision, or 0.
func (b *RevisionBuffer) Latest() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.head == 0 && !b.isFull {
		return 0
	}
	return b.messages[(b.head-1+b.size)%b.size].Revision
}
