// ABOUTME: Tests for the conversation context store
// ABOUTME: TTL boundaries with an injected clock, ordering, truncation, cold reload, and concurrency

package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// fakeHistory is a HistoryStore whose reads can be blocked and counted.
type fakeHistory struct {
	mu        sync.Mutex
	exchanges map[string][]*store.Exchange
	err       error
	calls     atomic.Int32
	gate      chan struct{} // when non-nil, reads wait for it to close
	started   chan struct{} // signalled when a read begins
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{exchanges: make(map[string][]*store.Exchange)}
}

func (f *fakeHistory) RecentExchanges(ctx context.Context, actorID string, limit int) ([]*store.Exchange, error) {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	list := f.exchanges[actorID]
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list, nil
}

const ttl = 30 * time.Minute

func newTestStore(history HistoryStore, clock *fakeClock) *Store {
	return NewStore(Config{MaxMessages: 4, HistoryLimit: 10, TTL: ttl}, history, nil, WithClock(clock.Now))
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestStore_AppendAndGetOrder(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "whatsapp:+34600000001", RoleCustomer, "Hola", Meta{SourceMessageID: "SM1"})
	s.Append(ctx, "+34 600 000 001", RoleAssistant, "¡Hola!", Meta{})

	msgs := s.Get(ctx, "+34600000001", 10)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleCustomer, msgs[0].Role)
	assert.Equal(t, "Hola", msgs[0].Content)
	assert.Equal(t, "SM1", msgs[0].SourceMessageID)
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestStore_TruncatesOldest(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		s.Append(ctx, "+1", RoleCustomer, fmt.Sprintf("m%d", i), Meta{})
	}

	assert.Equal(t, []string{"m3", "m4", "m5", "m6"}, contents(s.Get(ctx, "+1", 0)))
	assert.Equal(t, []string{"m5", "m6"}, contents(s.Get(ctx, "+1", 2)))
}

func TestStore_TTLBoundary(t *testing.T) {
	const eps = time.Second
	ctx := context.Background()

	t.Run("just before expiry", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(nil, clock)
		defer s.Close()

		s.Append(ctx, "+1", RoleCustomer, "Hola", Meta{})
		clock.Advance(ttl - eps)
		assert.Len(t, s.Get(ctx, "+1", 10), 1)
	})

	t.Run("just after expiry", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(nil, clock)
		defer s.Close()

		s.Append(ctx, "+1", RoleCustomer, "Hola", Meta{})
		clock.Advance(ttl + eps)
		assert.Empty(t, s.Get(ctx, "+1", 10))
	})

	t.Run("append after expiry starts fresh", func(t *testing.T) {
		clock := newFakeClock()
		s := newTestStore(nil, clock)
		defer s.Close()

		s.Append(ctx, "+1", RoleCustomer, "old", Meta{})
		clock.Advance(ttl + eps)
		s.Append(ctx, "+1", RoleCustomer, "new", Meta{})
		assert.Equal(t, []string{"new"}, contents(s.Get(ctx, "+1", 10)))
	})
}

func TestStore_SlidingExpiration(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+1", RoleCustomer, "Hola", Meta{})
	clock.Advance(20 * time.Minute)
	require.Len(t, s.Get(ctx, "+1", 10), 1, "read refreshes the expiration")
	clock.Advance(20 * time.Minute)
	assert.Len(t, s.Get(ctx, "+1", 10), 1, "still live 40 minutes after the append")
}

func TestStore_EvictExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+1", RoleCustomer, "a", Meta{})
	clock.Advance(20 * time.Minute)
	s.Append(ctx, "+2", RoleCustomer, "b", Meta{})
	clock.Advance(15 * time.Minute)

	assert.Equal(t, 1, s.EvictExpired())
	assert.Equal(t, 1, s.Len())
	_, ok := s.Snapshot("+1")
	assert.False(t, ok)
	_, ok = s.Snapshot("+2")
	assert.True(t, ok)
}

func TestStore_IgnoresInvalidAppends(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "", RoleCustomer, "Hola", Meta{})
	s.Append(ctx, "+1", Role("system"), "Hola", Meta{})
	s.Append(ctx, "+1", RoleCustomer, "   ", Meta{})

	assert.Equal(t, 0, s.Len())
	assert.Empty(t, s.Get(ctx, "", 10))
}

func TestStore_ColdReloadInterleavesHistory(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.exchanges["+1"] = []*store.Exchange{
		{CustomerText: "q1", AssistantText: "a1", DeliveryStatus: store.StatusSent, InboundMessageID: "SM1"},
		{CustomerText: "q2", AssistantText: "a2", DeliveryStatus: store.StatusFailed},
		{AssistantText: "booking confirmed", DeliveryStatus: store.StatusSent, Source: store.SourceScheduling},
	}
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	msgs := s.Get(ctx, "whatsapp:+1", 10)
	assert.Equal(t, []string{"q1", "a1", "q2", "booking confirmed"}, contents(msgs))
	assert.Equal(t, "SM1", msgs[0].SourceMessageID)

	// Second read is served from memory
	s.Get(ctx, "+1", 10)
	assert.Equal(t, int32(1), history.calls.Load())
}

func TestStore_ColdReloadTruncatesToMaxMessages(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	for i := 0; i < 5; i++ {
		history.exchanges["+1"] = append(history.exchanges["+1"], &store.Exchange{
			CustomerText: fmt.Sprintf("q%d", i), AssistantText: fmt.Sprintf("a%d", i), DeliveryStatus: store.StatusSent,
		})
	}
	s := newTestStore(history, clock)
	defer s.Close()

	assert.Equal(t, []string{"q3", "a3", "q4", "a4"}, contents(s.Get(context.Background(), "+1", 0)))
}

func TestStore_ReloadErrorReturnsEmptyAndCachesNothing(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.err = errors.New("database is locked")
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	assert.Empty(t, s.Get(ctx, "+1", 10))
	assert.Equal(t, 0, s.Len())

	history.mu.Lock()
	history.err = nil
	history.exchanges["+1"] = []*store.Exchange{{CustomerText: "q", DeliveryStatus: store.StatusNoReply}}
	history.mu.Unlock()

	assert.Equal(t, []string{"q"}, contents(s.Get(ctx, "+1", 10)))
}

func TestStore_ConcurrentColdMissesCoalesce(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.exchanges["+1"] = []*store.Exchange{{CustomerText: "q", AssistantText: "a", DeliveryStatus: store.StatusSent}}
	history.gate = make(chan struct{})
	history.started = make(chan struct{}, 1)
	s := newTestStore(history, clock)
	defer s.Close()

	const readers = 20
	results := make([][]Message, readers)
	var wg sync.WaitGroup
	for i := range readers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Get(context.Background(), "+1", 10)
		}(i)
	}

	<-history.started
	// Let the other readers join the in-flight reload before releasing it
	time.Sleep(50 * time.Millisecond)
	close(history.gate)
	wg.Wait()

	assert.Equal(t, int32(1), history.calls.Load())
	for _, r := range results {
		assert.Equal(t, []string{"q", "a"}, contents(r))
	}
}

func TestStore_AppendWithoutLiveContextKeepsHistory(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.exchanges["+1"] = []*store.Exchange{
		{CustomerText: "I want a haircut", AssistantText: "Sure, Tuesday?", DeliveryStatus: store.StatusSent},
	}
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "whatsapp:+1", RoleAssistant, "Your booking is confirmed", Meta{})

	assert.Equal(t,
		[]string{"I want a haircut", "Sure, Tuesday?", "Your booking is confirmed"},
		contents(s.Get(ctx, "+1", 0)))
	assert.Equal(t, int32(1), history.calls.Load())
}

func TestStore_AppendAfterExpiryReloadsHistory(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+1", RoleCustomer, "hola", Meta{})
	clock.Advance(ttl + time.Second)

	history.mu.Lock()
	history.exchanges["+1"] = []*store.Exchange{{CustomerText: "hola", AssistantText: "¡Hola!", DeliveryStatus: store.StatusSent}}
	history.mu.Unlock()

	s.Append(ctx, "+1", RoleCustomer, "¿sigue abierto?", Meta{})
	assert.Equal(t, []string{"hola", "¡Hola!", "¿sigue abierto?"}, contents(s.Get(ctx, "+1", 0)))
}

func TestStore_AppendWithReloadErrorStartsEmpty(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.err = errors.New("database is locked")
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+1", RoleAssistant, "confirmed", Meta{})
	assert.Equal(t, []string{"confirmed"}, contents(s.Get(ctx, "+1", 0)))
}

func TestStore_AppendJoinsInFlightReload(t *testing.T) {
	clock := newFakeClock()
	history := newFakeHistory()
	history.exchanges["+1"] = []*store.Exchange{{CustomerText: "earlier", DeliveryStatus: store.StatusSent}}
	history.gate = make(chan struct{})
	history.started = make(chan struct{}, 1)
	s := newTestStore(history, clock)
	defer s.Close()
	ctx := context.Background()

	got := make(chan []Message)
	go func() { got <- s.Get(ctx, "+1", 10) }()
	<-history.started

	appended := make(chan struct{})
	go func() {
		defer close(appended)
		s.Append(ctx, "+1", RoleCustomer, "fresh", Meta{})
	}()

	// Give the append time to join the in-flight reload before releasing it
	time.Sleep(50 * time.Millisecond)
	close(history.gate)
	<-got
	<-appended

	assert.Equal(t, int32(1), history.calls.Load())
	assert.Equal(t, []string{"earlier", "fresh"}, contents(s.Get(ctx, "+1", 10)))
}

func TestStore_ConcurrentAppendsSameActor(t *testing.T) {
	clock := newFakeClock()
	s := NewStore(Config{MaxMessages: 1000, TTL: ttl}, nil, nil, WithClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append(ctx, "+1", RoleCustomer, fmt.Sprintf("m%d", i), Meta{})
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Get(ctx, "+1", 0), 50)
}

func TestStore_ConcurrentActorsWithSweeper(t *testing.T) {
	s := NewStore(Config{MaxMessages: 10, TTL: time.Millisecond, SweepInterval: time.Millisecond}, nil, nil)
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := fmt.Sprintf("+%d", i%5)
			for j := range 50 {
				s.Append(ctx, actor, RoleCustomer, fmt.Sprintf("m%d", j), Meta{})
				s.Get(ctx, actor, 5)
			}
		}(i)
	}
	wg.Wait()
}

func TestStore_ClearAndExport(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+2", RoleCustomer, "b", Meta{Session: map[string]string{"profile_name": "Bea"}})
	s.Append(ctx, "+1", RoleCustomer, "a", Meta{})

	snaps := s.ExportAll()
	require.Len(t, snaps, 2)
	assert.Equal(t, "+1", snaps[0].ActorID)
	assert.Equal(t, "Bea", snaps[1].Metadata["profile_name"])
	assert.Equal(t, clock.Now().Add(ttl), snaps[1].ExpiresAt)

	assert.True(t, s.Clear("whatsapp:+2"))
	assert.False(t, s.Clear("+2"))
	assert.Len(t, s.ExportAll(), 1)
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(nil, clock)
	defer s.Close()
	ctx := context.Background()

	s.Append(ctx, "+1", RoleCustomer, "a", Meta{})
	snap, ok := s.Snapshot("+1")
	require.True(t, ok)
	snap.Messages[0].Content = "mutated"

	assert.Equal(t, "a", s.Get(ctx, "+1", 1)[0].Content)
}

func TestStore_CloseTwice(t *testing.T) {
	s := NewStore(Config{TTL: ttl, SweepInterval: time.Millisecond}, nil, nil)
	s.Close()
	s.Close()
}

func TestNormalizeActorID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"whatsapp:+34600000001", "+34600000001"},
		{"sms:+1 (555) 010-2030", "+15550102030"},
		{"  +34.600.000.001 ", "+34600000001"},
		{"+34600000001", "+34600000001"},
		{"0034600000001", "+34600000001"},
		{"whatsapp:0034 600 000 001", "+34600000001"},
		{"00", "00"},
		{"00ab", "00ab"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeActorID(tt.in), tt.in)
	}

	s := NewStore(Config{MaxMessages: 10, TTL: time.Hour}, nil, nil)
	t.Cleanup(s.Close)
	s.Append(t.Context(), "0034600000001", RoleCustomer, "hola", Meta{})
	assert.Len(t, s.Get(t.Context(), "whatsapp:+34600000001", 0), 1)

	assert.Equal(t, "whatsapp", ChannelPrefix("WhatsApp:+1"))
	assert.Equal(t, "", ChannelPrefix("+1"))
}
