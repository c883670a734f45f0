// ABOUTME: SQLite methods for exchange records and per-actor context resets
// ABOUTME: Exchanges back the conversation cold reload and the admin history API

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const exchangeColumns = `
	id, actor_id, source, inbound_message_id, customer_text, assistant_text,
	media, manual, delivery_status, provider_message_id, failure_reason, cost_usd, input_tokens, output_tokens, created_at
`

// SaveExchange stores an exchange. Generates ID and CreatedAt if not set.
// Returns ErrDuplicateExchange if the ID is already taken.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *Exchange) error {
	if ex.ID == "" {
		ex.ID = uuid.New().String()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO exchanges (` + exchangeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		ex.ID,
		ex.ActorID,
		string(ex.Source),
		nullString(ex.InboundMessageID),
		ex.CustomerText,
		ex.AssistantText,
		ex.Media,
		ex.Manual,
		string(ex.DeliveryStatus),
		nullString(ex.ProviderMessageID),
		nullString(ex.FailureReason),
		ex.CostUSD,
		ex.InputTokens,
		ex.OutputTokens,
		formatTime(ex.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateExchange
		}
		return fmt.Errorf("inserting exchange: %w", err)
	}

	s.logger.Debug("saved exchange", "id", ex.ID, "actor", ex.ActorID, "status", ex.DeliveryStatus)
	return nil
}

// GetExchange retrieves an exchange by ID.
// Returns ErrNotFound if the exchange doesn't exist.
func (s *SQLiteStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = ?`, id)
	ex, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return ex, nil
}

// RecentExchanges returns up to limit of the actor's latest exchanges in
// chronological order. Exchanges recorded before the actor's last context
// reset are skipped.
func (s *SQLiteStore) RecentExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error) {
	if limit <= 0 {
		return []*Exchange{}, nil
	}

	query := `
		SELECT ` + exchangeColumns + ` FROM (
			SELECT *, rowid AS seq FROM exchanges
			WHERE actor_id = ?
			  AND created_at > COALESCE((SELECT reset_at FROM context_resets WHERE actor_id = ?), '')
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, seq ASC
	`

	return s.queryExchanges(ctx, query, actorID, actorID, limit)
}

// ListExchanges returns the actor's exchanges newest first, including those
// before a context reset. An empty actorID lists every actor.
func (s *SQLiteStore) ListExchanges(ctx context.Context, actorID string, limit int) ([]*Exchange, error) {
	query := `
		SELECT ` + exchangeColumns + ` FROM exchanges
		WHERE (? = '' OR actor_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	return s.queryExchanges(ctx, query, actorID, actorID, normalizeLimit(limit))
}

func (s *SQLiteStore) queryExchanges(ctx context.Context, query string, args ...any) ([]*Exchange, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying exchanges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	exchanges := []*Exchange{}
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating exchanges: %w", err)
	}
	return exchanges, nil
}

// scanExchange scans a row into an Exchange.
func scanExchange(scanner interface{ Scan(dest ...any) error }) (*Exchange, error) {
	var ex Exchange
	var source, status, createdAt string
	var inboundID, providerID, failure sql.NullString

	err := scanner.Scan(
		&ex.ID,
		&ex.ActorID,
		&source,
		&inboundID,
		&ex.CustomerText,
		&ex.AssistantText,
		&ex.Media,
		&ex.Manual,
		&status,
		&providerID,
		&failure,
		&ex.CostUSD,
		&ex.InputTokens,
		&ex.OutputTokens,
		&createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scanning exchange: %w", err)
	}

	ex.Source = Source(source)
	ex.DeliveryStatus = DeliveryStatus(status)
	ex.InboundMessageID = inboundID.String
	ex.ProviderMessageID = providerID.String
	ex.FailureReason = failure.String
	ex.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ex, nil
}

// ExchangeStats summarizes all persisted exchanges.
func (s *SQLiteStore) ExchangeStats(ctx context.Context) (*ExchangeStats, error) {
	stats := &ExchangeStats{ByStatus: make(map[DeliveryStatus]int64)}

	var first, last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(DISTINCT actor_id), COALESCE(SUM(cost_usd), 0),
		       COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       MIN(created_at), MAX(created_at)
		FROM exchanges
	`).Scan(&stats.Total, &stats.Actors, &stats.CostUSD, &stats.InputTokens, &stats.OutputTokens, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("querying exchange totals: %w", err)
	}
	if first.Valid {
		t, err := parseTime(first.String)
		if err != nil {
			return nil, fmt.Errorf("parsing first created_at: %w", err)
		}
		stats.FirstSeen = &t
	}
	if last.Valid {
		t, err := parseTime(last.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last created_at: %w", err)
		}
		stats.LastSeen = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT delivery_status, COUNT(*) FROM exchanges GROUP BY delivery_status`)
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		stats.ByStatus[DeliveryStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}

	return stats, nil
}

// ResetContext records that the actor's conversation was cleared at the given
// time, so a later cold reload starts from an empty history.
func (s *SQLiteStore) ResetContext(ctx context.Context, actorID string, at time.Time) error {
	query := `
		INSERT INTO context_resets (actor_id, reset_at) VALUES (?, ?)
		ON CONFLICT(actor_id) DO UPDATE SET reset_at = excluded.reset_at
	`
	if _, err := s.db.ExecContext(ctx, query, actorID, formatTime(at)); err != nil {
		return fmt.Errorf("recording context reset: %w", err)
	}
	s.logger.Debug("recorded context reset", "actor", actorID)
	return nil
}

// normalizeLimit applies default (100) and cap (1000) to list limits.
func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
