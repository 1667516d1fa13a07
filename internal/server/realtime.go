package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/events"
	"github.com/MarcoPoloResearchLab/shelfsync/backend/internal/ids"
)

const (
	// RealtimeEventSyncPending tells a device to run a heartbeat because events are waiting.
	RealtimeEventSyncPending = "sync-pending"
	realtimeEventKeepAlive   = "keep-alive"
	realtimeSourceBackend    = "shelfsync-backend"

	defaultRealtimeBufferSize = 16
)

// RealtimeMessage is a nudge delivered to a user's open streams. It carries no event
// payload; devices fetch events through the heartbeat.
type RealtimeMessage struct {
	UserID    ids.UserID
	ItemID    ids.ItemID
	Kind      events.Kind
	Timestamp time.Time
}

// RealtimeDispatcher fans nudges out to the subscribed streams of a user. Slow subscribers
// miss nudges rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[ids.UserID]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[ids.UserID]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for the user until ctx ends or the cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID ids.UserID) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish implements events.Publisher.
func (d *RealtimeDispatcher) Publish(userID ids.UserID, itemID ids.ItemID, kind events.Kind) {
	d.Broadcast(RealtimeMessage{UserID: userID, ItemID: itemID, Kind: kind, Timestamp: d.clock().UTC()})
}

// Broadcast delivers the message to every stream of its user.
func (d *RealtimeDispatcher) Broadcast(message RealtimeMessage) {
	if message.UserID == "" || message.Kind == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams of a user.
func (d *RealtimeDispatcher) SubscriberCount(userID ids.UserID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID ids.UserID, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID ids.UserID, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
