package session

import (
	"context"
	"sync"
	"time"

	"github.com/postalsys/portal/internal/transport"
)

// rendezvous pairs data streams announced by STREAM_BIND with the DATA_OPEN
// that names the same connection id. Either may arrive first. Streams nobody
// claims within the ttl are closed.
type rendezvous struct {
	ttl time.Duration

	mu      sync.Mutex
	parked  map[uint64]*parkedStream
	waiters map[uint64]chan transport.Stream
	closed  bool
}

type parkedStream struct {
	stream transport.Stream
	timer  *time.Timer
}

func newRendezvous(ttl time.Duration) *rendezvous {
	return &rendezvous{
		ttl:     ttl,
		parked:  make(map[uint64]*parkedStream),
		waiters: make(map[uint64]chan transport.Stream),
	}
}

// deliver hands a bound stream to its waiter, or parks it.
func (r *rendezvous) deliver(id uint64, stream transport.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		stream.Close()
		return
	}
	if ch, ok := r.waiters[id]; ok {
		delete(r.waiters, id)
		ch <- stream
		return
	}
	if _, dup := r.parked[id]; dup {
		stream.Close()
		return
	}

	p := &parkedStream{stream: stream}
	p.timer = time.AfterFunc(r.ttl, func() { r.expire(id, p) })
	r.parked[id] = p
}

func (r *rendezvous) expire(id uint64, p *parkedStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parked[id] == p {
		delete(r.parked, id)
		p.stream.Close()
	}
}

// wait returns the stream bound to id, waiting for it until ctx is done.
func (r *rendezvous) wait(ctx context.Context, id uint64) (transport.Stream, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if p, ok := r.parked[id]; ok {
		delete(r.parked, id)
		p.timer.Stop()
		r.mu.Unlock()
		return p.stream, nil
	}
	ch := make(chan transport.Stream, 1)
	r.waiters[id] = ch
	r.mu.Unlock()

	select {
	case stream, ok := <-ch:
		if !ok {
			return nil, ErrSessionClosed
		}
		return stream, nil
	case <-ctx.Done():
		r.mu.Lock()
		if r.waiters[id] == ch {
			delete(r.waiters, id)
		}
		r.mu.Unlock()

		// A delivery may have raced the deadline.
		select {
		case stream, ok := <-ch:
			if ok {
				stream.Close()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// parkedCount returns the number of parked streams.
func (r *rendezvous) parkedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.parked)
}

// close releases every waiter and closes every parked stream.
func (r *rendezvous) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, p := range r.parked {
		p.timer.Stop()
		p.stream.Close()
		delete(r.parked, id)
	}
	for id, ch := range r.waiters {
		close(ch)
		delete(r.waiters, id)
	}
}
