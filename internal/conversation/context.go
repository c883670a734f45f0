// ABOUTME: In-memory per-actor conversation context with sliding expiration and cold reload
// ABOUTME: Per-entry locking, singleflight reload from persisted exchanges, and a background sweeper

package conversation

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/concierge-gateway/internal/store"
)

// Role is the author of a message in a conversation.
type Role string

const (
	RoleCustomer  Role = "customer"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAssistant
}

// Message is one turn of a conversation.
type Message struct {
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	Timestamp       time.Time `json:"timestamp"`
	SourceMessageID string    `json:"source_message_id,omitempty"`
	Media           bool      `json:"media,omitempty"`
	Manual          bool      `json:"manual,omitempty"`
}

// Meta carries the optional attributes of an appended message.
type Meta struct {
	SourceMessageID string
	Media           bool
	Manual          bool
	// Session values are merged into the context's session metadata.
	Session map[string]string
}

// Snapshot is a copy of one actor's context.
type Snapshot struct {
	ActorID      string            `json:"actor_id"`
	Messages     []Message         `json:"messages"`
	ExpiresAt    time.Time         `json:"expires_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// HistoryStore is the persisted exchange history used for cold reloads.
type HistoryStore interface {
	RecentExchanges(ctx context.Context, actorID string, limit int) ([]*store.Exchange, error)
}

// Config holds the limits of a Store.
type Config struct {
	MaxMessages   int           // messages kept per actor
	HistoryLimit  int           // exchanges read on a cold reload
	TTL           time.Duration // sliding expiration
	SweepInterval time.Duration // 0 disables the background sweeper
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// entry is one actor's live context. All fields are guarded by mu.
// removed is set once the entry has left the map; holders must look it up again.
type entry struct {
	mu           sync.Mutex
	messages     []Message
	expiresAt    time.Time
	lastAccessed time.Time
	metadata     map[string]string
	removed      bool
}

// Store keeps short-lived conversation contexts keyed by normalized actor ID.
type Store struct {
	cfg     Config
	history HistoryStore
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	reloads singleflight.Group

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStore creates a context store. history may be nil, in which case cold
// misses start from an empty conversation.
func NewStore(cfg Config, history HistoryStore, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 20
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = cfg.MaxMessages / 2
	}

	s := &Store{
		cfg:     cfg,
		history: history,
		logger:  logger.With("component", "conversation"),
		now:     time.Now,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.SweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// Get returns up to limit of the actor's most recent messages, oldest first.
// A limit <= 0 returns every cached message. Reading a live context extends
// its expiration. A cold miss reloads the persisted history.
func (s *Store) Get(ctx context.Context, actorID string, limit int) []Message {
	key := NormalizeActorID(actorID)
	if key == "" {
		return []Message{}
	}

	if msgs, ok := s.readLive(key, limit); ok {
		return msgs
	}

	v, _, shared := s.reloads.Do(key, func() (any, error) {
		return s.reload(ctx, key), nil
	})
	if shared {
		s.logger.Debug("coalesced cold reload", "actor", key)
	}
	return tail(v.([]Message), limit)
}

// readLive returns a copy of a live entry's messages, refreshing its expiration.
func (s *Store) readLive(key string, limit int) ([]Message, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := s.now()
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, false
	}
	if now.After(e.expiresAt) {
		e.removed = true
		e.mu.Unlock()
		s.unlink(key, e)
		return nil, false
	}
	e.expiresAt = now.Add(s.cfg.TTL)
	e.lastAccessed = now
	msgs := tail(e.messages, limit)
	e.mu.Unlock()
	return msgs, true
}

// reload rebuilds a context from persisted exchanges and installs it unless a
// live entry appeared while the store was being read. The returned slice is
// shared between coalesced callers and must not be modified.
func (s *Store) reload(ctx context.Context, key string) []Message {
	var msgs []Message
	if s.history != nil {
		exchanges, err := s.history.RecentExchanges(ctx, key, s.cfg.HistoryLimit)
		if err != nil {
			s.logger.Error("failed to reload conversation history", "actor", key, "error", err)
			return []Message{}
		}
		msgs = messagesFromExchanges(exchanges)
	}
	if len(msgs) > s.cfg.MaxMessages {
		msgs = msgs[len(msgs)-s.cfg.MaxMessages:]
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		existing.mu.Lock()
		live := !existing.removed && !now.After(existing.expiresAt)
		var current []Message
		if live {
			existing.expiresAt = now.Add(s.cfg.TTL)
			existing.lastAccessed = now
			current = tail(existing.messages, 0)
		} else {
			existing.removed = true
		}
		existing.mu.Unlock()
		if live {
			s.logger.Debug("discarded reloaded history for live context", "actor", key)
			return current
		}
		delete(s.entries, key)
	}

	s.entries[key] = &entry{
		messages:     tail(msgs, 0),
		expiresAt:    now.Add(s.cfg.TTL),
		lastAccessed: now,
		metadata:     make(map[string]string),
	}
	s.logger.Debug("reloaded conversation", "actor", key, "messages", len(msgs))
	if msgs == nil {
		return []Message{}
	}
	return msgs
}

// messagesFromExchanges interleaves customer and assistant turns in order.
// Replies that were never delivered are left out.
func messagesFromExchanges(exchanges []*store.Exchange) []Message {
	var msgs []Message
	for _, ex := range exchanges {
		if ex.CustomerText != "" {
			msgs = append(msgs, Message{
				Role:            RoleCustomer,
				Content:         ex.CustomerText,
				Timestamp:       ex.CreatedAt,
				SourceMessageID: ex.InboundMessageID,
				Media:           ex.Media,
			})
		}
		if ex.AssistantText != "" && ex.DeliveryStatus == store.StatusSent {
			msgs = append(msgs, Message{
				Role:      RoleAssistant,
				Content:   ex.AssistantText,
				Timestamp: ex.CreatedAt,
				Manual:    ex.Manual,
			})
		}
	}
	return msgs
}

// Append adds a message to the actor's context. Without a live context the
// persisted history is reloaded first, so the message lands on top of it.
// Invalid input is logged and ignored.
func (s *Store) Append(ctx context.Context, actorID string, role Role, content string, meta Meta) {
	key := NormalizeActorID(actorID)
	if key == "" {
		s.logger.Warn("ignoring append without actor id", "role", role)
		return
	}
	if !role.Valid() {
		s.logger.Warn("ignoring append with unknown role", "actor", key, "role", role)
		return
	}
	if strings.TrimSpace(content) == "" {
		s.logger.Warn("ignoring empty message", "actor", key, "role", role)
		return
	}

	reloaded := false
	for {
		e, ok := s.lookup(key)
		if !ok {
			if !reloaded {
				reloaded = true
				s.reloads.Do(key, func() (any, error) {
					return s.reload(ctx, key), nil
				})
				continue
			}
			// The reload failed and cached nothing; start from empty.
			e = s.getOrCreate(key)
		}
		now := s.now()

		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if now.After(e.expiresAt) {
			e.removed = true
			e.mu.Unlock()
			s.unlink(key, e)
			continue
		}

		e.messages = append(e.messages, Message{
			Role:            role,
			Content:         content,
			Timestamp:       now,
			SourceMessageID: meta.SourceMessageID,
			Media:           meta.Media,
			Manual:          meta.Manual,
		})
		if over := len(e.messages) - s.cfg.MaxMessages; over > 0 {
			e.messages = append([]Message(nil), e.messages[over:]...)
		}
		for k, v := range meta.Session {
			e.metadata[k] = v
		}
		e.expiresAt = now.Add(s.cfg.TTL)
		e.lastAccessed = now
		e.mu.Unlock()
		return
	}
}

func (s *Store) lookup(key string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// getOrCreate returns the map's entry for key, inserting a fresh one if absent.
func (s *Store) getOrCreate(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	now := s.now()
	e = &entry{
		expiresAt:    now.Add(s.cfg.TTL),
		lastAccessed: now,
		metadata:     make(map[string]string),
	}
	s.entries[key] = e
	return e
}

// unlink removes e from the map if it is still the entry for key.
func (s *Store) unlink(key string, e *entry) {
	s.mu.Lock()
	if s.entries[key] == e {
		delete(s.entries, key)
	}
	s.mu.Unlock()
}

// EvictExpired removes every expired context and returns how many were removed.
func (s *Store) EvictExpired() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		e.mu.Lock()
		if now.After(e.expiresAt) {
			e.removed = true
			delete(s.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Clear drops the actor's cached context. Returns false if none was cached.
func (s *Store) Clear(actorID string) bool {
	key := NormalizeActorID(actorID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	delete(s.entries, key)
	s.logger.Info("cleared conversation context", "actor", key)
	return true
}

// Snapshot returns a copy of the actor's live context without extending it.
func (s *Store) Snapshot(actorID string) (Snapshot, bool) {
	key := NormalizeActorID(actorID)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(key, s.now())
}

// ExportAll returns copies of every live context, sorted by actor ID.
func (s *Store) ExportAll() []Snapshot {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	entries := make([]*entry, 0, len(s.entries))
	for k, e := range s.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	now := s.now()
	out := make([]Snapshot, 0, len(entries))
	for i, e := range entries {
		if snap, ok := e.snapshot(keys[i], now); ok {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}

func (e *entry) snapshot(key string, now time.Time) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed || now.After(e.expiresAt) {
		return Snapshot{}, false
	}
	meta := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		meta[k] = v
	}
	return Snapshot{
		ActorID:      key,
		Messages:     tail(e.messages, 0),
		ExpiresAt:    e.expiresAt,
		LastAccessed: e.lastAccessed,
		Metadata:     meta,
	}, true
}

// Len returns the number of cached contexts, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the background sweeper. Safe to call more than once.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				s.logger.Debug("evicted expired contexts", "count", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// tail copies the last limit messages; limit <= 0 copies all of them.
func tail(msgs []Message, limit int) []Message {
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
