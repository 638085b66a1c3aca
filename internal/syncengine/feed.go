package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cvsync/backend/internal/cv"
)

// StatusEvent is delivered to subscribers on every status change.
type StatusEvent struct {
	Status     Status
	UserID     cv.UserID
	Generation int64
	Timestamp  time.Time
}

type statusFeed struct {
	mu          sync.RWMutex
	subscribers map[int64]*statusSubscriber
	nextID      int64
	bufferSize  int
}

type statusSubscriber struct {
	id     int64
	stream chan StatusEvent
}

func newStatusFeed() *statusFeed {
	return &statusFeed{
		subscribers: make(map[int64]*statusSubscriber),
		bufferSize:  16,
	}
}

func (f *statusFeed) subscribe(ctx context.Context) (<-chan StatusEvent, func()) {
	subscriber := &statusSubscriber{
		id:     f.nextSequence(),
		stream: make(chan StatusEvent, f.bufferSize),
	}
	f.register(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { f.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (f *statusFeed) publish(event StatusEvent) {
	f.mu.RLock()
	if len(f.subscribers) == 0 {
		f.mu.RUnlock()
		return
	}
	copies := make([]*statusSubscriber, 0, len(f.subscribers))
	for _, subscriber := range f.subscribers {
		copies = append(copies, subscriber)
	}
	f.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (f *statusFeed) nextSequence() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID
}

func (f *statusFeed) register(subscriber *statusSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers[subscriber.id] = subscriber
}

func (f *statusFeed) unregister(subscriberID int64) {
	f.mu.Lock()
	delete(f.subscribers, subscriberID)
	f.mu.Unlock()
}
