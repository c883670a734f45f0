// ABOUTME: Store interface and data types for concierge-gateway persistence
// ABOUTME: Defines Exchange, ExchangeStats and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by MockStore after Close
var ErrClosed = errors.New("store closed")

// ErrDuplicateExchange is returned when an exchange with the same ID already exists
var ErrDuplicateExchange = errors.New("exchange already exists")

// Source identifies what triggered an exchange.
type Source string

const (
	SourceMessaging  Source = "messaging"
	SourceScheduling Source = "scheduling"
	SourceManual     Source = "manual"
)

// DeliveryStatus is the outcome of the outbound side of an exchange.
type DeliveryStatus string

const (
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
	StatusNoReply DeliveryStatus = "no_reply" // generation produced nothing to send
)

// Exchange is one inbound message and the reply sent for it.
// Scheduling and manual exchanges have no CustomerText.
type Exchange struct {
	ID                string
	ActorID           string
	Source            Source
	InboundMessageID  string
	CustomerText      string
	AssistantText     string
	Media             bool
	Manual            bool
	DeliveryStatus    DeliveryStatus
	ProviderMessageID string
	FailureReason     string
	CostUSD           float64 // generation + delivery
	InputTokens       int64
	OutputTokens      int64
	CreatedAt         time.Time
}

// ExchangeStats summarizes persisted exchanges.
type ExchangeStats struct {
	Total     int64
	ByStatus  map[DeliveryStatus]int64
	Actors    int64
	CostUSD   float64
	InputTokens  int64
	OutputTokens int64
	FirstSeen *time.Time
	LastSeen  *time.Time
}

// Store defines the interface for exchange and audit persistence
type Store interface {
	// Exchanges
	SaveExchange(ctx context.Context, ex *Exchange) error
	GetExchange(ctx context.Context, id string) (*Exchange, error)
	// RecentExchanges returns up to limit exchanges for an actor, oldest first,
	// ignoring exchanges recorded before the actor's last context reset.
	RecentExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error)
	ListExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error)
	ExchangeStats(ctx context.Context) (*ExchangeStats, error)

	// Context resets
	ResetContext(ctx context.Context, actorID string, at time.Time) error

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Ping checks the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
