// Package events fans rotation lifecycle events out to live subscribers.
// Publishing is strictly non-blocking: a slow or disconnected subscriber
// loses its oldest events (and gets a gap marker) rather than ever stalling
// the scheduler.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"carousel"
)

const defaultBuffer = 64

// Publisher broadcasts events to zero or more subscriptions.
type Publisher struct {
	buffer int
	log    *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

// Subscription is one consumer's live event feed. Owned by the publisher;
// the channel closes when the subscriber's context ends or the publisher
// shuts down.
type Subscription struct {
	// C delivers events in emission order. A TransitionGap event means the
	// buffer overflowed and events were dropped before it.
	C <-chan carousel.Event

	id  uint64
	pub *Publisher
}

type subscription struct {
	ch     chan carousel.Event
	gapped bool
}

// New creates a publisher with the given per-subscriber buffer size.
// A non-positive size gets a sane default.
func New(buffer int) *Publisher {
	if buffer < 1 {
		buffer = defaultBuffer
	}
	return &Publisher{
		buffer: buffer,
		log:    slog.With("component", "events"),
		subs:   make(map[uint64]*subscription),
	}
}

// Subscribe registers a consumer. The subscription is removed and its
// channel closed when ctx is cancelled or Close is called on it.
func (p *Publisher) Subscribe(ctx context.Context) *Subscription {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	sub := &subscription{ch: make(chan carousel.Event, p.buffer)}
	if p.closed {
		close(sub.ch)
	} else {
		p.subs[id] = sub
	}
	p.mu.Unlock()

	s := &Subscription{C: sub.ch, id: id, pub: p}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			s.Close()
		}()
	}
	return s
}

// Close removes the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.pub.mu.Lock()
	defer s.pub.mu.Unlock()
	if sub, ok := s.pub.subs[s.id]; ok {
		delete(s.pub.subs, s.id)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber without ever blocking. When a
// subscriber's buffer is full, its oldest event is dropped to make room and
// the stream is marked gapped; the marker is delivered ahead of the next
// event that fits, so consumers can detect the loss.
func (p *Publisher) Publish(ev carousel.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, sub := range p.subs {
		if sub.gapped {
			gap := carousel.Event{Time: time.Now(), Transition: carousel.TransitionGap}
			select {
			case sub.ch <- gap:
				sub.gapped = false
			default:
			}
		}

		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Full: drop the oldest buffered event and retry once.
		select {
		case <-sub.ch:
		default:
		}
		sub.gapped = true
		p.log.Debug("subscriber overflow, dropped oldest event", "subscriber", id)
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Close shuts the publisher down, closing every subscription.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		delete(p.subs, id)
		close(sub.ch)
	}
}

// SubscriberCount reports live subscriptions, for status output.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
