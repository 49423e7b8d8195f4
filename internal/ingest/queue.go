package ingest

import (
	"sync"

	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/task"
)

// job is one queued pipeline stage for one document.
type job struct {
	taskID     string
	documentID string
	kind       task.Kind
	opts       parser.Options // parse: zero value means the configured defaults
	collection string         // index: empty means the configured collection
	overwrite  bool           // index: drop the document's existing points first
	chainIndex bool           // parse: queue an index stage on success
}

// jobQueue is an unbounded FIFO with a blocking Pop. Admission never blocks
// the caller; the dispatcher drains jobs in arrival order.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []job
	closed bool
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a job. Returns false once the queue is closed.
func (q *jobQueue) Push(j job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, j)
	q.cond.Signal()
	return true
}

// Pop blocks until a job is available or the queue is closed and drained.
func (q *jobQueue) Pop() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return job{}, false
	}
	j := q.items[0]
	q.items = q.items[1:]
	return j, true
}

// Depth returns the number of jobs waiting for a worker.
func (q *jobQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close refuses further pushes and wakes every blocked Pop. Already queued
// jobs still drain.
func (q *jobQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
