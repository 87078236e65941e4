// Package engine implements the actor runtime: bounded mailboxes, the
// agent actor loop, and the supervisor that owns every actor.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/metacogna-lab/sentinel-orchestrator/internal/core/domain"
)

// DefaultMailboxCapacity bounds every actor mailbox unless configured
// otherwise. There are no unbounded channels anywhere in the runtime.
const DefaultMailboxCapacity = 32

// Reply carries the outcome of one invocation back to its caller.
type Reply struct {
	Message domain.CanonicalMessage
	Err     error
}

// Invocation is one completion turn submitted to an actor. Reply must
// be buffered (capacity 1) so the actor never blocks on a caller that
// gave up. CallerDone, when non-nil, cancels the in-flight LLM call if
// the caller abandons the request.
type Invocation struct {
	History    []domain.CanonicalMessage
	Reply      chan Reply
	Deadline   time.Time
	CallerDone <-chan struct{}
}

// NewInvocation builds an invocation with a correctly buffered reply
// channel.
func NewInvocation(history []domain.CanonicalMessage, deadline time.Time) Invocation {
	return Invocation{
		History:  history,
		Reply:    make(chan Reply, 1),
		Deadline: deadline,
	}
}

// Mailbox is a bounded multi-producer single-consumer FIFO queue.
// Sends observe capacity as backpressure; Close stops producers while
// the consumer drains whatever was already accepted.
type Mailbox struct {
	ch     chan Invocation
	closed chan struct{}
	once   sync.Once
}

func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = DefaultMailboxCapacity
	}
	return &Mailbox{
		ch:     make(chan Invocation, capacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues, waiting cooperatively for a slot.
func (m *Mailbox) Send(ctx context.Context, inv Invocation) error {
	select {
	case <-m.closed:
		return domain.Unavailable(domain.ReasonClosed)
	default:
	}
	select {
	case m.ch <- inv:
		return nil
	case <-m.closed:
		return domain.Unavailable(domain.ReasonClosed)
	case <-ctx.Done():
		return domain.Unavailable(domain.ReasonBackpressure)
	}
}

// SendWithTimeout enqueues, giving up after d with a backpressure
// error.
func (m *Mailbox) SendWithTimeout(inv Invocation, d time.Duration) error {
	select {
	case <-m.closed:
		return domain.Unavailable(domain.ReasonClosed)
	default:
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case m.ch <- inv:
		return nil
	case <-m.closed:
		return domain.Unavailable(domain.ReasonClosed)
	case <-timer.C:
		return domain.Unavailable(domain.ReasonBackpressure)
	}
}

// TrySend enqueues without waiting.
func (m *Mailbox) TrySend(inv Invocation) error {
	select {
	case <-m.closed:
		return domain.Unavailable(domain.ReasonClosed)
	default:
	}
	select {
	case m.ch <- inv:
		return nil
	default:
		return domain.Unavailable(domain.ReasonBackpressure)
	}
}

// Chan exposes the consumer side for the actor's select loop. Messages
// arrive in send order.
func (m *Mailbox) Chan() <-chan Invocation {
	return m.ch
}

// Closed fires once Close has been called. The consumer should drain
// Chan non-blockingly afterwards.
func (m *Mailbox) Closed() <-chan struct{} {
	return m.closed
}

// Close stops producers. Idempotent. The buffered backlog stays
// receivable until drained.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		close(m.closed)
	})
}

// DrainPending empties the backlog after Close, returning whatever was
// still queued.
func (m *Mailbox) DrainPending() []Invocation {
	var pending []Invocation
	for {
		select {
		case inv := <-m.ch:
			pending = append(pending, inv)
		default:
			return pending
		}
	}
}

func (m *Mailbox) Len() int {
	return len(m.ch)
}

func (m *Mailbox) Cap() int {
	return cap(m.ch)
}
