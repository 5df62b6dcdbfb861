package transcript

import (
	"sync"
)

// Outbox is a client's ordered outbound queue. Push never blocks; the
// transport drains it at its own pace.
type Outbox struct {
	clientID string

	events []Event
	seq    uint64
	closed bool

	notify chan struct{}
	done   chan struct{}

	mu sync.Mutex
}

// NewOutbox creates an empty outbox for a client
func NewOutbox(clientID string) *Outbox {
	return &Outbox{
		clientID: clientID,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push stamps the next sequence number on the event and queues it. It
// returns false once the outbox is closed.
func (o *Outbox) push(e *Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}

	o.seq++
	e.Seq = o.seq
	e.ClientID = o.clientID
	o.events = append(o.events, *e)

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain removes and returns all queued events in order
func (o *Outbox) Drain() []Event {
	o.mu.Lock()
	defer o.mu.Unlock()

	events := o.events
	o.events = nil
	return events
}

// Ready is signalled whenever events were queued since the last Drain
func (o *Outbox) Ready() <-chan struct{} {
	return o.notify
}

// Done is closed when the outbox is closed
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close stops accepting events; queued events can still be drained
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Len returns the number of queued events
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// ClientID returns the owning client
func (o *Outbox) ClientID() string {
	return o.clientID
}
