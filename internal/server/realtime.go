package server

import (
	"context"
	"sync"
	"time"

	"github.com/neocraft/trilium/internal/syncupdate"
)

const (
	RealtimeEventSyncChange = "sync-change"
	realtimeEventHeartbeat  = "heartbeat"
)

// RealtimeMessage announces one accepted change. Subscribers registered under
// SourceID do not receive it.
type RealtimeMessage struct {
	SourceID   string
	EventType  string
	EntityName string
	EntityID   string
	Timestamp  time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
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
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  64,
		clock:       time.Now,
	}
}

// Subscribe registers replicaID for changes delivered by every other replica until ctx ends.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, replicaID string) (<-chan RealtimeMessage, func()) {
	if replicaID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(replicaID, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(replicaID, subscriber.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans message out without blocking; slow subscribers miss messages.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.SourceID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for replicaID, subscribers := range d.subscribers {
		if replicaID == message.SourceID {
			continue
		}
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyAccepted publishes an accepted reconciliation outcome.
func (d *RealtimeDispatcher) NotifyAccepted(sourceID syncupdate.SourceID, outcome syncupdate.Outcome) {
	if outcome.EntityID == "" {
		return
	}
	d.Publish(RealtimeMessage{
		SourceID:   sourceID.String(),
		EventType:  RealtimeEventSyncChange,
		EntityName: string(outcome.Kind),
		EntityID:   outcome.EntityID,
		Timestamp:  d.clock().UTC(),
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(replicaID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[replicaID]; !ok {
		d.subscribers[replicaID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[replicaID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(replicaID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[replicaID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, replicaID)
		}
	}
	d.mu.Unlock()
}
