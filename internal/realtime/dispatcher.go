// Package realtime fans marker and community change notifications out to stream subscribers.
package realtime

import (
	"context"
	"sync"
	"time"
)

const (
	// EventMarkersChanged signals that the marker set of a scope changed.
	EventMarkersChanged = "markers-change"
	// EventCommunitiesChanged signals that the community list changed.
	EventCommunitiesChanged = "communities-change"
	// CommunitiesKey routes community list notifications.
	CommunitiesKey = "communities"

	subscriberBufferSize = 1
)

// Message is a change notification for one routing key.
type Message struct {
	Scope     string    `json:"scope"`
	EventType string    `json:"event_type"`
	MarkerIDs []string  `json:"marker_ids,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts change notifications.
type Publisher interface {
	Publish(message Message)
}

// Dispatcher routes messages to in-process subscribers keyed by scope.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty dispatcher. A pending notification already implies a
// full reload, so each subscriber buffers at most one and further ones coalesce.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  subscriberBufferSize,
	}
}

// Subscribe registers a stream for scope until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, scope string) (<-chan Message, func()) {
	if scope == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(scope, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(scope, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers message without blocking. Full subscribers keep their pending message.
func (d *Dispatcher) Publish(message Message) {
	if message.Scope == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.Scope]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers for scope.
func (d *Dispatcher) SubscriberCount(scope string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[scope])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(scope string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[scope]; !ok {
		d.subscribers[scope] = make(map[int64]*subscriber)
	}
	d.subscribers[scope][entry.id] = entry
}

func (d *Dispatcher) unregister(scope string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[scope]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, scope)
		}
	}
	d.mu.Unlock()
}
