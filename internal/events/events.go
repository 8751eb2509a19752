// Package events fans hub events out to in-process subscribers (stats
// aggregation, dashboard streams) without blocking publishers.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	OrganizationRegistered Kind = "organization.registered"
	OrganizationStatus     Kind = "organization.status"
	CredentialTransition   Kind = "credential.transition"
	ModuleDispatched       Kind = "module.dispatched"
)

// Event is a hub occurrence. Fields not relevant to Kind are empty.
type Event struct {
	Kind           Kind      `json:"kind"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Role           string    `json:"role,omitempty"`
	Module         string    `json:"module,omitempty"`
	Method         string    `json:"method,omitempty"`
	From           string    `json:"from,omitempty"`
	To             string    `json:"to,omitempty"`
	Local          bool      `json:"local,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(evt Event)
}

// Bus delivers every published event to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscriber
	next int
}

// New initialises an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

type subscriber struct {
	mu      sync.Mutex
	queue   []Event
	limit   int // 0 = unbounded
	dropped uint64
	wake    chan struct{}
}

func (s *subscriber) push(evt Event) {
	s.mu.Lock()
	if s.limit > 0 && len(s.queue) >= s.limit {
		s.dropped++
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, evt)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Subscribe registers a lossless subscriber: events queue without bound until
// read. The channel is closed when ctx ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	return b.subscribe(ctx, 0)
}

// SubscribeBuffered registers a subscriber that drops events once limit are
// pending. Meant for slow remote consumers such as dashboard streams.
func (b *Bus) SubscribeBuffered(ctx context.Context, limit int) <-chan Event {
	if limit <= 0 {
		limit = 16
	}
	return b.subscribe(ctx, limit)
}

func (b *Bus) subscribe(ctx context.Context, limit int) <-chan Event {
	sub := &subscriber{limit: limit, wake: make(chan struct{}, 1)}
	out := make(chan Event)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		}()
		for {
			for _, evt := range sub.drain() {
				select {
				case out <- evt:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-sub.wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// Publish hands the event to every subscriber queue. It never blocks on a
// subscriber.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		sub.push(evt)
	}
}

// Subscribers reports the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(Event) {}
