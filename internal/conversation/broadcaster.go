// ABOUTME: In-memory fan-out broadcaster for persisted exchanges
// ABOUTME: Publishes each saved Exchange to subscribers of its actor and to whole-gateway subscribers

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/concierge-gateway/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllActors subscribes to exchanges of every actor.
	AllActors = "*"
)

// Broadcaster provides in-memory pub/sub for persisted exchanges. The admin
// API uses it to stream activity without polling the database.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Exchange // actor key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Exchange),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for exchanges of actorID, or of every actor
// when actorID is AllActors. The subscription is removed and its channel
// closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, actorID string) (<-chan *store.Exchange, string) {
	key := actorID
	if key != AllActors {
		key = NormalizeActorID(actorID)
	}
	subID := uuid.New().String()
	ch := make(chan *store.Exchange, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *store.Exchange)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "actor", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish sends a copy of ex to the subscribers of its actor and to AllActors
// subscribers. Non-blocking: exchanges are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(ex *store.Exchange) {
	key := NormalizeActorID(ex.ActorID)

	// Sends are non-blocking, so the read lock is held across them; this keeps
	// Unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, k := range []string{key, AllActors} {
		for subID, ch := range b.subscribers[k] {
			c := *ex
			select {
			case ch <- &c:
			default:
				b.logger.Debug("dropped exchange for slow subscriber", "actor", key, "sub_id", subID)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "actor", key, "sub_id", subID)
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
