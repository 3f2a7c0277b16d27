// Package broker wakes provisioning coordinators when the session they are
// waiting on becomes ready or fails. Waiters are keyed by session id and
// one-shot: each receives at most one event and is dropped after delivery.
// A deployment-wide bus (Redis pub/sub) carries events between instances;
// filtering down to the interested waiter happens in-process.
package broker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wallcrawler/sessioncore/internal/session"
)

// Kind classifies a readiness event.
type Kind string

const (
	KindReady  Kind = "READY"
	KindFailed Kind = "FAILED"
)

// Event is the notification delivered to waiters.
type Event struct {
	Kind      Kind             `json:"kind"`
	SessionID string           `json:"sessionId"`
	Reason    string           `json:"reason,omitempty"`
	Snapshot  session.Snapshot `json:"snapshot"`
}

// Bus carries serialized events between deployment instances.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
}

// Waiter is a registered subscription for one session's outcome.
type Waiter struct {
	sessionID string
	id        uint64
	ch        chan Event
}

// Wait blocks until an event is delivered or the context ends.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case ev := <-w.ch:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// C exposes the delivery channel for callers that select over several
// wake sources.
func (w *Waiter) C() <-chan Event {
	return w.ch
}

// Broker routes readiness events to the waiters subscribed to their session.
type Broker struct {
	bus Bus
	log *logrus.Entry

	mu      sync.Mutex
	nextID  uint64
	waiters map[string]map[uint64]*Waiter
}

// New builds a broker. A nil bus keeps delivery process-local, which is all
// single-instance deployments and tests need.
func New(bus Bus, log *logrus.Entry) *Broker {
	return &Broker{
		bus:     bus,
		log:     log,
		waiters: map[string]map[uint64]*Waiter{},
	}
}

// Subscribe registers a waiter for the session. Callers must Unsubscribe
// when done waiting.
func (b *Broker) Subscribe(sessionID string) *Waiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	w := &Waiter{
		sessionID: sessionID,
		id:        b.nextID,
		ch:        make(chan Event, 1),
	}
	set, ok := b.waiters[sessionID]
	if !ok {
		set = map[uint64]*Waiter{}
		b.waiters[sessionID] = set
	}
	set[w.id] = w
	return w
}

// Unsubscribe removes a waiter. Safe to call after delivery and more than
// once.
func (b *Broker) Unsubscribe(w *Waiter) {
	if w == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.waiters[w.sessionID]; ok {
		delete(set, w.id)
		if len(set) == 0 {
			delete(b.waiters, w.sessionID)
		}
	}
}

// Publish wakes local waiters for the event's session and forwards the event
// over the bus for other instances.
func (b *Broker) Publish(ctx context.Context, ev Event) error {
	b.dispatch(ev)

	if b.bus == nil {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, payload); err != nil {
		// Local waiters were already woken; cross-instance delivery is
		// best-effort because waiters poll the store before blocking.
		b.log.WithError(err).WithField("sessionId", ev.SessionID).Warn("bus publish failed")
	}
	return nil
}

// HandlePayload decodes a bus message and wakes local waiters. Wired as the
// bus consumer callback.
func (b *Broker) HandlePayload(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.WithError(err).Warn("discarding malformed bus payload")
		return
	}
	if ev.SessionID == "" {
		return
	}
	b.dispatch(ev)
}

// dispatch delivers the event to every waiter currently subscribed to the
// session and removes them, enforcing at-most-once delivery per waiter.
func (b *Broker) dispatch(ev Event) {
	b.mu.Lock()
	set := b.waiters[ev.SessionID]
	delete(b.waiters, ev.SessionID)
	b.mu.Unlock()

	for _, w := range set {
		// Buffered by one; a waiter that already consumed an event and
		// lingered cannot block delivery.
		select {
		case w.ch <- ev:
		default:
		}
	}
}
