package pushclient

import "sync"

// outbox holds outbound frames until a connection can write them. It keeps
// the newest limit frames.
type outbox struct {
	mu     sync.Mutex
	frames [][]byte
	limit  int
	ready  chan struct{}
}

func newOutbox(limit int) *outbox {
	return &outbox{limit: limit, ready: make(chan struct{}, 1)}
}

// push queues frame and reports how many old frames were dropped.
func (o *outbox) push(frame []byte) int {
	o.mu.Lock()
	o.frames = append(o.frames, frame)
	dropped := o.trim()
	o.mu.Unlock()
	o.signal()
	return dropped
}

// requeue puts frames that failed to write back in front of the queue.
func (o *outbox) requeue(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	o.frames = append(append([][]byte{}, frames...), o.frames...)
	o.trim()
	o.mu.Unlock()
}

func (o *outbox) trim() int {
	over := len(o.frames) - o.limit
	if over <= 0 {
		return 0
	}
	o.frames = o.frames[over:]
	return over
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

func (o *outbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
