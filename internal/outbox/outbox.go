// Package outbox hands outbound email to a background worker so request
// handlers never block on delivery.
package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// AssignmentEmail tells a user a task was assigned to them.
type AssignmentEmail struct {
	AssigneeName string
	AssignerName string
	TaskKey      string
	TaskTitle    string
	Link         string
}

// InviteEmail carries the accept link for a pending invite.
type InviteEmail struct {
	InviterName  string
	AcceptURL    string
	ProjectNames []string
	ExpiresAt    time.Time
}

// Message is one outbound email. Exactly one payload is set.
type Message struct {
	To         string
	Assignment *AssignmentEmail
	Invite     *InviteEmail
}

func (m Message) Kind() string {
	switch {
	case m.Assignment != nil:
		return "assignment"
	case m.Invite != nil:
		return "invite"
	default:
		return "unknown"
	}
}

// Sink delivers a message. Errors are logged by the worker and dropped.
type Sink interface {
	Deliver(ctx context.Context, msg Message) error
}

type Queue struct {
	ch      chan Message
	sink    Sink
	log     logrus.FieldLogger
	timeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewQueue(size int, sink Sink, log logrus.FieldLogger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:      make(chan Message, size),
		sink:    sink,
		log:     log,
		timeout: 30 * time.Second,
	}
}

// Start launches the delivery worker. It runs until Close drains the queue.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for msg := range q.ch {
			q.deliver(ctx, msg)
		}
	}()
}

func (q *Queue) deliver(ctx context.Context, msg Message) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	if err := q.sink.Deliver(ctx, msg); err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{
			"operation": "outbox.deliver",
			"kind":      msg.Kind(),
		}).Warn("email delivery failed")
	}
}

// Enqueue never blocks. A full or closed queue drops the message and returns false.
func (q *Queue) Enqueue(msg Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- msg:
		return true
	default:
		q.log.WithFields(logrus.Fields{
			"operation": "outbox.enqueue",
			"kind":      msg.Kind(),
		}).Warn("outbox full, dropping email")
		return false
	}
}

// Close stops accepting messages and waits for the worker to drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
