package mux

import (
	"sync"

	"github.com/eapache/queue"
)

// mailbox is an unbounded FIFO of payloads with a wakeup signal for one
// reader at a time.
type mailbox struct {
	mu     sync.Mutex
	q      *queue.Queue
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		q:      queue.New(),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (b *mailbox) push(payload []byte) {
	b.mu.Lock()
	b.q.Add(payload)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.q.Length() == 0 {
		return nil, false
	}
	return b.q.Remove().([]byte), true
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// close discards pending payloads and wakes blocked readers.
func (b *mailbox) close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.q = queue.New()
		b.mu.Unlock()
		close(b.closed)
	})
}
