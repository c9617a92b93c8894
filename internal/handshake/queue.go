package handshake

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Priority defines the order in which requests go out.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the string representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Request is one PGN request of the startup handshake.
type Request struct {
	PGN         uint32
	Destination uint8
	Priority    Priority
	Attempts    int
	MaxAttempts int
	SentAt      *time.Time
	Err         error
}

// ID returns a readable identifier for logs.
func (r *Request) ID() string {
	return fmt.Sprintf("0x%05X@0x%02X", r.PGN, r.Destination)
}

// CanRetry returns true if another send attempt is allowed.
func (r *Request) CanRetry() bool {
	return r.Attempts < r.MaxAttempts
}

// Queue holds pending requests by priority, FIFO within a priority.
type Queue struct {
	requests map[Priority][]*Request
	mutex    sync.Mutex
	logger   zerolog.Logger
}

// NewQueue creates an empty queue.
func NewQueue(logger zerolog.Logger) *Queue {
	return &Queue{
		requests: make(map[Priority][]*Request),
		logger:   logger.With().Str("component", "handshake_queue").Logger(),
	}
}

// Enqueue adds a request.
func (q *Queue) Enqueue(r *Request) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.requests[r.Priority] = append(q.requests[r.Priority], r)
	q.logger.Debug().
		Str("request", r.ID()).
		Str("priority", r.Priority.String()).
		Msg("Request enqueued")
}

// Dequeue removes and returns the oldest request of the highest priority, or nil.
func (q *Queue) Dequeue() *Request {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, p := range []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow} {
		pending := q.requests[p]
		if len(pending) == 0 {
			continue
		}
		r := pending[0]
		q.requests[p] = pending[1:]
		return r
	}
	return nil
}

// Len returns the total number of pending requests.
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	total := 0
	for _, pending := range q.requests {
		total += len(pending)
	}
	return total
}
