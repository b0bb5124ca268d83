package realtime

import (
	"context"
	"sync"
)

const dispatcherBufferSize = 16

// Dispatcher fans collection changes out to in-process watchers. Delivery never blocks
// the publisher; a full buffer drops the notification since the watcher already has one
// pending and will re-read the whole collection.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*dispatcherSubscriber
	nextID      int64
	bufferSize  int
}

type dispatcherSubscriber struct {
	id     int64
	stream chan Change
	once   sync.Once
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*dispatcherSubscriber),
		bufferSize:  dispatcherBufferSize,
	}
}

// Subscribe registers a watcher for collection. The returned cleanup is idempotent and
// also runs when ctx ends; it closes the stream.
func (d *Dispatcher) Subscribe(ctx context.Context, collection string) (<-chan Change, func()) {
	if collection == "" {
		ch := make(chan Change)
		close(ch)
		return ch, func() {}
	}
	subscriber := &dispatcherSubscriber{
		id:     d.nextSequence(),
		stream: make(chan Change, d.bufferSize),
	}
	d.registerSubscriber(collection, subscriber)
	cleanup := func() {
		d.unregisterSubscriber(collection, subscriber)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *Dispatcher) Publish(change Change) {
	if change.Collection == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[change.Collection] {
		select {
		case subscriber.stream <- change:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) registerSubscriber(collection string, subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[collection]; !ok {
		d.subscribers[collection] = make(map[int64]*dispatcherSubscriber)
	}
	d.subscribers[collection][subscriber.id] = subscriber
}

func (d *Dispatcher) unregisterSubscriber(collection string, subscriber *dispatcherSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[collection]
	if subscribers != nil {
		delete(subscribers, subscriber.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, collection)
		}
	}
	// closed under the write lock so Publish never sends on a closed stream
	subscriber.once.Do(func() { close(subscriber.stream) })
}
