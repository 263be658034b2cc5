package sip

import "sync"

// Statement is one deferred SQL statement bound for the profile's sink.
type Statement struct {
	Query string
	Args  []any
}

// StatementQueue is the profile's deferred-statement queue: any goroutine
// pushes, only the profile worker drains. Pushes never block on I/O; the
// signal channel wakes the worker without piling up.
type StatementQueue struct {
	mu     sync.Mutex
	items  []Statement
	signal chan struct{}
}

// NewStatementQueue creates an empty queue.
func NewStatementQueue() *StatementQueue {
	return &StatementQueue{signal: make(chan struct{}, 1)}
}

// Push appends a statement and nudges the worker.
func (q *StatementQueue) Push(query string, args ...any) {
	q.mu.Lock()
	q.items = append(q.items, Statement{Query: query, Args: args})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain removes and returns everything queued, in push order.
func (q *StatementQueue) Drain() []Statement {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Signal returns the wake-up channel for the draining worker.
func (q *StatementQueue) Signal() <-chan struct{} { return q.signal }

// Len returns the number of queued statements.
func (q *StatementQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
