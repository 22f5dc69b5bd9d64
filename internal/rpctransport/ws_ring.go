package rpctransport

import (
	"context"
	"runtime"
	"sync"

	"github.com/mrz1836/ethrpc/internal/ethconfig"
)

// outboundFrame is one pre-encoded JSON-RPC request queued for the I/O
// goroutine to write.
type outboundFrame struct {
	data []byte
}

// outboundRing is the bounded producer/single-consumer queue feeding the
// WebSocket transport's I/O goroutine, per §4.C "Concurrency model". Size
// must be a power of two; slots are pre-allocated and reused. When full,
// producers either block or spin-yield, per the configured wait strategy.
type outboundRing struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf      []outboundFrame
	head     int
	tail     int
	count    int
	strategy ethconfig.WaitStrategy
	closed   bool

	onSaturation func(remaining, size int)
}

func newOutboundRing(size int, strategy ethconfig.WaitStrategy) *outboundRing {
	r := &outboundRing{
		buf:      make([]outboundFrame, size),
		strategy: strategy,
	}
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// push enqueues frame, applying the configured wait strategy while full.
// Returns an error only if ctx is cancelled or the ring has been closed.
func (r *outboundRing) push(ctx context.Context, frame outboundFrame) error {
	switch r.strategy {
	case ethconfig.WaitYielding:
		return r.pushYielding(ctx, frame)
	default:
		return r.pushBlocking(ctx, frame)
	}
}

func (r *outboundRing) pushBlocking(ctx context.Context, frame outboundFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == len(r.buf) && !r.closed {
		if r.onSaturation != nil {
			r.onSaturation(0, len(r.buf))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.notFull.Wait()
	}
	if r.closed {
		return context.Canceled
	}

	r.enqueueLocked(frame)
	return nil
}

func (r *outboundRing) pushYielding(ctx context.Context, frame outboundFrame) error {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return context.Canceled
		}
		if r.count < len(r.buf) {
			r.enqueueLocked(frame)
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
		if r.onSaturation != nil {
			r.onSaturation(0, len(r.buf))
		}
		runtime.Gosched()
	}
}

func (r *outboundRing) enqueueLocked(frame outboundFrame) {
	r.buf[r.tail] = frame
	r.tail = (r.tail + 1) % len(r.buf)
	r.count++
	r.notEmpty.Signal()
}

// pop dequeues the next frame, blocking until one is available or the ring
// is closed (in which case ok is false).
func (r *outboundRing) pop() (outboundFrame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 && !r.closed {
		r.notEmpty.Wait()
	}
	if r.count == 0 {
		return outboundFrame{}, false
	}

	frame := r.buf[r.head]
	r.buf[r.head] = outboundFrame{}
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	r.notFull.Signal()
	return frame, true
}

// close wakes every blocked pusher/popper; further push calls fail.
func (r *outboundRing) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.notFull.Broadcast()
	r.notEmpty.Broadcast()
}
