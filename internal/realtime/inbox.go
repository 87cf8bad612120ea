package realtime

import (
	"sync"
)

// inbox is an unbounded FIFO of received frames between a socket's read
// goroutine and its consumer. It is a ring buffer that doubles when full, so
// a slow consumer never makes the reader drop or block.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	head   int // read position
	count  int
	closed bool
}

func newInbox(initialCapacity int) *inbox {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	b := &inbox{buf: make([][]byte, initialCapacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// push appends a frame. Returns false if the inbox is closed.
func (b *inbox) push(frame []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	if b.count == len(b.buf) {
		b.grow()
	}

	b.buf[(b.head+b.count)%len(b.buf)] = frame
	b.count++
	b.cond.Signal()
	return true
}

// pop blocks until a frame is available or the inbox is closed and empty.
func (b *inbox) pop() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.count == 0 {
		return nil, false
	}

	frame := b.buf[b.head]
	b.buf[b.head] = nil
	b.head = (b.head + 1) % len(b.buf)
	b.count--
	return frame, true
}

// close stops further pushes. Pending frames are still delivered.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// grow doubles capacity, unwrapping the ring. Must be called with lock held.
func (b *inbox) grow() {
	next := make([][]byte, len(b.buf)*2)
	n := copy(next, b.buf[b.head:])
	copy(next[n:], b.buf[:b.head])
	b.buf = next
	b.head = 0
}
