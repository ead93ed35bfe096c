package venue

import (
	"sync"

	"github.com/derivbot/gotrade/internal/metrics"
)

// result is delivered to the caller waiting on a correlation id.
type result struct {
	frame *Frame
	err   error
}

// waiter is one in-flight request. At most one waiter per id; ids are
// never reused while a prior waiter could still be in flight (the
// counter is monotonic for the process lifetime).
type waiter struct {
	expectKind string
	op         string
	ch         chan result // buffered(1): resolver never blocks
}

// pendingTable owns the correlation-id counter and the id -> waiter map.
// A single receive loop resolves waiters; callers suspend on their own
// channel without blocking other in-flight requests.
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint64
	waiters map[uint64]*waiter
}

func newPendingTable() *pendingTable {
	return &pendingTable{
		waiters: make(map[uint64]*waiter),
	}
}

// register allocates a fresh correlation id and a waiter for it.
func (p *pendingTable) register(op, expectKind string) (uint64, chan result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	id := p.nextID
	w := &waiter{
		expectKind: expectKind,
		op:         op,
		ch:         make(chan result, 1),
	}
	p.waiters[id] = w
	return id, w.ch
}

// resolve matches an inbound response frame to its waiter. Unmatched or
// late responses are dropped with a counter increment, never an error.
func (p *pendingTable) resolve(frame *Frame) {
	p.mu.Lock()
	w, ok := p.waiters[frame.ReqID]
	if ok {
		delete(p.waiters, frame.ReqID)
	}
	p.mu.Unlock()

	if !ok {
		metrics.UnmatchedFrames.Add(1)
		return
	}

	if frame.Error != nil {
		w.ch <- result{err: &VenueError{Op: w.op, Code: frame.Error.Code, Message: frame.Error.Message}}
		return
	}
	if w.expectKind != "" && frame.Kind != w.expectKind {
		w.ch <- result{err: ErrParse}
		return
	}
	w.ch <- result{frame: frame}
}

// remove drops a waiter without resolving it. Used on write failure and
// caller timeout; the response, if it eventually arrives, is dropped as
// unmatched.
func (p *pendingTable) remove(id uint64) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// failAll resolves every pending waiter with err. Called on disconnect:
// reconnection cancels all in-flight requests as Closed.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[uint64]*waiter)
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- result{err: err}
	}
}

func (p *pendingTable) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
