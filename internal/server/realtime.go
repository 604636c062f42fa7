package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/chat"
)

const (
	// RealtimeEventMessage carries a regular chat message.
	RealtimeEventMessage = "message"
	// RealtimeEventViolation carries a cutoff violation record.
	RealtimeEventViolation = "violation"

	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSource         = "mealgate-api"
)

// RealtimeMessage is one event fanned out to live stream subscribers.
type RealtimeMessage struct {
	EventType string
	Message   chat.Message
	Timestamp time.Time
}

// RealtimeDispatcher fans chat messages out to every connected member. Slow subscribers
// drop events instead of blocking the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id       int64
	memberID string
	stream   chan RealtimeMessage
}

var _ chat.Publisher = (*RealtimeDispatcher)(nil)

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  32,
	}
}

// Subscribe registers memberID until ctx ends or the returned cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, memberID string) (<-chan RealtimeMessage, func()) {
	if memberID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	d.mu.Lock()
	d.nextID++
	subscriber := &realtimeSubscriber{
		id:       d.nextID,
		memberID: memberID,
		stream:   make(chan RealtimeMessage, d.bufferSize),
	}
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements chat.Publisher.
func (d *RealtimeDispatcher) Publish(message chat.Message) {
	if message.ID == "" {
		return
	}
	eventType := RealtimeEventMessage
	if message.IsViolation {
		eventType = RealtimeEventViolation
	}
	event := RealtimeMessage{
		EventType: eventType,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}

	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}
