// Package events provides the event pipeline: every state change and
// session event is recorded durably (relational store + journal) and
// fanned out to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pureboot/pureboot/pkg/journal"
	"github.com/pureboot/pureboot/pkg/log"
	"github.com/pureboot/pureboot/pkg/storage"
	"github.com/pureboot/pureboot/pkg/types"
)

// Subscriber is a channel that receives events.
type Subscriber chan *types.NodeEvent

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.NodeEvent
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *types.NodeEvent, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *types.NodeEvent) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *types.NodeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Recorder persists events and hands them to the broker. All event
// producers go through a single Recorder so the store, the journal,
// and subscribers always see the same record.
type Recorder struct {
	store   storage.Store
	journal *journal.Journal
	broker  *Broker
}

// NewRecorder creates a Recorder. The journal may be nil in tests.
func NewRecorder(store storage.Store, jnl *journal.Journal, broker *Broker) *Recorder {
	return &Recorder{store: store, journal: jnl, broker: broker}
}

// Record fills in identity fields, persists the event, and publishes it.
// Journal write failures are logged but do not fail the caller; the
// relational write is authoritative.
func (r *Recorder) Record(ctx context.Context, event *types.NodeEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if r.journal != nil {
		if err := r.journal.Append(event); err != nil {
			log.WithComponent("events").Warn().Err(err).Msg("journal append failed")
		}
	}
	if r.broker != nil {
		r.broker.Publish(event)
	}
	return nil
}
