package p2p

import "sync"

type publishRequest struct {
	topic string
	data  []byte
}

// outbox is the unbounded queue of publish requests awaiting the reactor.
// Pushing never blocks.
type outbox struct {
	mu     sync.Mutex
	queue  []publishRequest
	closed bool

	// ready holds a token while the queue is non-empty
	ready chan struct{}
}

func newOutbox() *outbox {
	return &outbox{ready: make(chan struct{}, 1)}
}

// Push enqueues the request or fails with ErrClosed.
func (o *outbox) Push(req publishRequest) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}

	o.queue = append(o.queue, req)
	o.signal()
	return nil
}

// Pop dequeues the oldest request.
func (o *outbox) Pop() (publishRequest, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return publishRequest{}, false
	}

	req := o.queue[0]
	o.queue[0] = publishRequest{}
	o.queue = o.queue[1:]
	if len(o.queue) > 0 {
		o.signal()
	}
	return req, true
}

// Ready is signalled whenever there are requests to Pop.
func (o *outbox) Ready() <-chan struct{} {
	return o.ready
}

// Close rejects further pushes and returns whatever is still queued.
func (o *outbox) Close() []publishRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true

	pending := o.queue
	o.queue = nil
	return pending
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
