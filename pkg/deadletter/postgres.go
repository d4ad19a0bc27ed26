package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresRouter persists dead-lettered deliveries to a `dead_letters` table,
// one row per (event_id, bot_name) destination, upserting attempt counts as
// retries accumulate.
type PostgresRouter struct {
	db *sql.DB
}

// NewPostgresRouter wraps an existing database handle.
func NewPostgresRouter(db *sql.DB) *PostgresRouter {
	return &PostgresRouter{db: db}
}

func (r *PostgresRouter) Route(ctx context.Context, rec Record) error {
	envelopeJSON, err := json.Marshal(rec.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	query := `
		INSERT INTO dead_letters
			(event_id, bot_name, queue_name, envelope_json, last_error, attempts, first_attempt_at, last_attempt_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'PENDING')
		ON CONFLICT (event_id, bot_name) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			attempts = dead_letters.attempts + 1,
			last_attempt_at = EXCLUDED.last_attempt_at
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.EventID, rec.BotName, rec.QueueName, envelopeJSON, rec.LastError, rec.Attempts,
		rec.FirstAttemptAt, rec.LastAttemptAt)
	if err != nil {
		return fmt.Errorf("route to dead letter table: %w", err)
	}
	return nil
}

func (r *PostgresRouter) Pending(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT event_id, bot_name, queue_name, envelope_json, last_error, attempts, first_attempt_at, last_attempt_at
		FROM dead_letters
		WHERE status = 'PENDING'
		ORDER BY first_attempt_at ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		var envelopeJSON []byte
		if err := rows.Scan(&rec.EventID, &rec.BotName, &rec.QueueName, &envelopeJSON,
			&rec.LastError, &rec.Attempts, &rec.FirstAttemptAt, &rec.LastAttemptAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(envelopeJSON, &rec.Envelope); err != nil {
			return nil, fmt.Errorf("corrupt envelope JSON for dead letter %s/%s: %w", rec.EventID, rec.BotName, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PostgresRouter) MarkReplayed(ctx context.Context, eventID, botName string) error {
	query := `UPDATE dead_letters SET status = 'REPLAYED' WHERE event_id = $1 AND bot_name = $2`
	_, err := r.db.ExecContext(ctx, query, eventID, botName)
	return err
}

var _ Router = (*PostgresRouter)(nil)
