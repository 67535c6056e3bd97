package mqtt

import (
	"sync"

	"go.uber.org/zap"
)

// txRequest is one enqueued frame plus its optional async completion
// callback, spec.md §4.7's "(frame bytes, user completion callback)" pair.
type txRequest struct {
	frame []byte
	done  func(error)
}

// txQueue is the transmit strand: a single goroutine draining a buffered
// channel guarantees at most one outstanding write per endpoint at any
// time, which is the Go-channel equivalent of the single-writer
// serialization primitive spec.md §4.7 calls a "strand". Enqueue/dequeue
// from any goroutine is therefore safe without an additional mutex.
type txQueue struct {
	transport Transport
	reqs      chan txRequest
	closed    chan struct{}
	closeOnce sync.Once
	log       *zap.Logger

	mu    sync.Mutex
	fatal error // set once a write fails; subsequent enqueues fail fast

	// writeMu serializes the actual transport write across both the
	// queued (run) and bypass (writeSync) paths: without it, a writeSync
	// call racing the strand goroutine's own write could interleave bytes
	// from two frames on the wire, defeating the single-writer guarantee
	// spec.md §4.7 calls a strand.
	writeMu sync.Mutex
}

func newTxQueue(transport Transport, depth int, log *zap.Logger) *txQueue {
	return &txQueue{
		transport: transport,
		reqs:      make(chan txRequest, depth),
		closed:    make(chan struct{}),
		log:       log,
	}
}

// run drains the queue, writing one frame at a time, until the queue is
// closed or a write fails. A write failure is fatal per spec.md §4.7: the
// queue is cleared and every pending completion callback observes the
// same error, since the transport is no longer viable.
func (q *txQueue) run() error {
	for {
		select {
		case req, ok := <-q.reqs:
			if !ok {
				return nil
			}
			q.writeMu.Lock()
			n, err := writeFull(q.transport, req.frame)
			q.writeMu.Unlock()
			if err == nil && n != len(req.frame) {
				err = ErrShortWrite
			}
			if req.done != nil {
				req.done(err)
			}
			if err != nil {
				q.log.Warn("transmit queue write failed, tearing down", zap.Error(err))
				q.fail(err)
				return err
			}
		case <-q.closed:
			return nil
		}
	}
}

// fail marks the queue fatally broken, drains any pending requests with
// err, and unblocks future enqueue attempts with ErrQueueClosed.
func (q *txQueue) fail(err error) {
	q.mu.Lock()
	if q.fatal == nil {
		q.fatal = err
	}
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.closed) })
	for {
		select {
		case req := <-q.reqs:
			if req.done != nil {
				req.done(err)
			}
		default:
			return
		}
	}
}

// enqueue submits frame for asynchronous transmission. done, if non-nil,
// is invoked exactly once with the write's outcome (possibly nil on
// success).
func (q *txQueue) enqueue(frame []byte, done func(error)) error {
	q.mu.Lock()
	fatal := q.fatal
	q.mu.Unlock()
	if fatal != nil {
		return ErrQueueClosed
	}
	select {
	case q.reqs <- txRequest{frame: frame, done: done}:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	}
}

// close stops the strand gracefully; in-flight writes complete but no
// further frames are accepted.
func (q *txQueue) close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// writeSync bypasses the queue and writes directly, per spec.md §4.7's
// blocking API bypass. Callers must not mix this with enqueue on frames
// that must preserve relative ordering. The core uses it for the blocking
// publish methods, blocking automatic responses, PINGRESP, and
// synchronous replay on reconnect (§4.3), all while the strand goroutine
// may be running; writeMu keeps their bytes from interleaving.
func (q *txQueue) writeSync(frame []byte) error {
	q.writeMu.Lock()
	n, err := writeFull(q.transport, frame)
	q.writeMu.Unlock()
	if err == nil && n != len(frame) {
		err = ErrShortWrite
	}
	return err
}

// withWriteLock runs fn holding the same write lock writeSync and run use,
// for callers (RxTx's own Write* encoders) that issue several Write calls
// per packet and must not be interleaved with a concurrent frame from
// either write path.
func (q *txQueue) withWriteLock(fn func() error) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	return fn()
}
