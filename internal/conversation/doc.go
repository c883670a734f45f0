// Package conversation keeps the short-lived per-customer conversation state.
//
// # Context Store
//
// Store holds one context per normalized actor ID: an ordered, bounded list
// of messages plus session metadata, expiring TTL after the last access.
//
//	contexts := conversation.NewStore(conversation.Config{
//		MaxMessages:   20,
//		HistoryLimit:  10,
//		TTL:           30 * time.Minute,
//		SweepInterval: time.Minute,
//	}, sqliteStore, logger)
//	defer contexts.Close()
//
//	history := contexts.Get(ctx, "whatsapp:+34600000001", 10)
//	contexts.Append(ctx, "+34600000001", conversation.RoleCustomer, "Hola", conversation.Meta{})
//
// A miss (no context, or an expired one) reloads the most recent exchanges
// from the HistoryStore. Concurrent misses for one actor share a single
// reload, and a context created while the reload was in flight wins over the
// reloaded data.
//
// # Locking
//
// The map is guarded by an RWMutex held only for lookups and inserts; each
// context has its own mutex so appends for one actor are serialized without
// blocking other actors. No lock is held while reading the HistoryStore.
//
// # Broadcaster
//
// Broadcaster fans persisted exchanges out to subscribers of one actor or of
// every actor (AllActors). Slow subscribers lose exchanges instead of
// blocking the publisher.
package conversation
