// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Store is the single interface used by the rest of the gateway. SQLiteStore
// implements it on top of modernc.org/sqlite (pure Go, no cgo); MockStore is
// an in-memory implementation for tests.
//
// # Data Models
//
//   - Exchange: one inbound message (or scheduling event, or manual send)
//     and the reply delivered for it. Exchanges back the conversation
//     context cold reload and the admin history API.
//   - Context reset: per-actor marker written when an admin clears a
//     conversation; reloads ignore exchanges recorded before it.
//   - AuditEntry: security and delivery events (rejected webhooks, replies
//     sent or failed, business messages, manual sends, cleared contexts).
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text with nanosecond precision so
// they sort lexicographically.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrDuplicateExchange: Exchange ID already used
//
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// The schema is created on open and column migrations in runMigrations are
// applied idempotently.
package store
