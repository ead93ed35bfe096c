package venue

import (
	"sync"

	"github.com/derivbot/gotrade/internal/metrics"
	"github.com/derivbot/gotrade/pkg/sigchan"
)

// OverflowPolicy controls what happens when the bounded outbound queue
// is full.
type OverflowPolicy int

const (
	// OverflowReject fails the newest send with ErrQueueFull.
	OverflowReject OverflowPolicy = iota
	// OverflowDropOldest evicts the oldest queued send to make room.
	OverflowDropOldest
	// OverflowPriority admits risk-critical operations unconditionally
	// (evicting the oldest non-critical job if needed); non-critical
	// sends are rejected when full. Critical sends are never dropped.
	OverflowPriority
)

// ParseOverflowPolicy maps the config string to a policy.
func ParseOverflowPolicy(s string) OverflowPolicy {
	switch s {
	case "drop_oldest":
		return OverflowDropOldest
	case "reject":
		return OverflowReject
	default:
		return OverflowPriority
	}
}

// writeJob is one serialized frame awaiting the writer goroutine.
type writeJob struct {
	payload  []byte
	critical bool
	reqID    uint64
	done     chan error // buffered(1)
}

// outboundQueue is the bounded send queue. Owned exclusively by the
// connection manager; the writer goroutine is its single consumer.
type outboundQueue struct {
	mu     sync.Mutex
	jobs   []*writeJob
	depth  int
	policy OverflowPolicy
	notify *sigchan.Chan
}

func newOutboundQueue(depth int, policy OverflowPolicy) *outboundQueue {
	if depth <= 0 {
		depth = 256
	}
	return &outboundQueue{
		jobs:   make([]*writeJob, 0, depth),
		depth:  depth,
		policy: policy,
		notify: sigchan.New(1),
	}
}

// push enqueues a job, applying the overflow policy when full.
// Evicted jobs are resolved with ErrQueueFull so their waiters do not hang.
func (q *outboundQueue) push(job *writeJob) error {
	q.mu.Lock()

	if len(q.jobs) < q.depth {
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
		q.notify.Emit()
		return nil
	}

	switch q.policy {
	case OverflowDropOldest:
		evicted := q.jobs[0]
		q.jobs = append(q.jobs[1:], job)
		q.mu.Unlock()
		metrics.DroppedSends.Add(1)
		evicted.done <- ErrQueueFull
		q.notify.Emit()
		return nil

	case OverflowPriority:
		if !job.critical {
			q.mu.Unlock()
			metrics.DroppedSends.Add(1)
			return ErrQueueFull
		}
		// evict the oldest non-critical job to make room
		for i, j := range q.jobs {
			if !j.critical {
				q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
				q.jobs = append(q.jobs, job)
				q.mu.Unlock()
				metrics.DroppedSends.Add(1)
				j.done <- ErrQueueFull
				q.notify.Emit()
				return nil
			}
		}
		// all queued jobs are critical: admit beyond the bound rather
		// than drop a risk-critical operation
		q.jobs = append(q.jobs, job)
		q.mu.Unlock()
		q.notify.Emit()
		return nil

	default: // OverflowReject
		q.mu.Unlock()
		metrics.DroppedSends.Add(1)
		return ErrQueueFull
	}
}

// pop removes the head job, or nil when empty.
func (q *outboundQueue) pop() *writeJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	return job
}

// failAll resolves every queued job with err and empties the queue.
func (q *outboundQueue) failAll(err error) {
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = make([]*writeJob, 0, q.depth)
	q.mu.Unlock()

	for _, j := range jobs {
		j.done <- err
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *outboundQueue) wait() <-chan struct{} {
	return q.notify.C()
}
