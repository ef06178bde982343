package session

import (
	"sync"
	"sync/atomic"
)

// DefaultQueueSize matches the per-client send buffer of the websocket hub.
const DefaultQueueSize = 256

// Outbox is a bounded frame queue between broadcasters and the connection
// writer. Push never blocks: when the queue is full the oldest frame is
// discarded to make room.
type Outbox struct {
	mu       sync.Mutex
	frames   [][]byte
	capacity int
	closed   bool

	ready   chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Outbox{
		frames:   make([][]byte, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push queues frame and reports whether it was accepted. It returns false
// only once the outbox is closed.
func (o *Outbox) Push(frame []byte) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	if len(o.frames) == o.capacity {
		o.frames[0] = nil
		o.frames = o.frames[1:]
		o.dropped.Add(1)
	}
	o.frames = append(o.frames, frame)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns every queued frame in push order.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.frames) == 0 {
		return nil
	}
	out := o.frames
	o.frames = make([][]byte, 0, o.capacity)
	return out
}

// Ready is signalled after a Push. A single signal may cover several frames.
func (o *Outbox) Ready() <-chan struct{} { return o.ready }

// Done is closed by Close. Frames queued before Close can still be drained.
func (o *Outbox) Done() <-chan struct{} { return o.done }

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Dropped returns how many frames were discarded because the queue was full.
func (o *Outbox) Dropped() uint64 { return o.dropped.Load() }
