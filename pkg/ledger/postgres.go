package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crisisdesk/triage/pkg/triage"
)

// PostgresLedger records escalation events in a Postgres table. The event
// key is the primary key and inserts use ON CONFLICT DO NOTHING, so
// redelivery is a no-op at the database level.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS escalation_events (
	event_key   TEXT PRIMARY KEY,
	event_id    UUID NOT NULL,
	session_id  TEXT NOT NULL,
	generation  INT NOT NULL,
	score       INT NOT NULL,
	fallback    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
)`

// OpenPostgres connects to Postgres and ensures the events table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres ledger: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres ledger: %w", err)
	}

	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create escalation_events table: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Append inserts the event; an already-recorded key is accepted silently.
func (l *PostgresLedger) Append(ctx context.Context, ev triage.EscalationEvent) error {
	const insert = `
		INSERT INTO escalation_events
			(event_key, event_id, session_id, generation, score, fallback, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_key) DO NOTHING`

	_, err := l.pool.Exec(ctx, insert,
		ev.Key(), ev.EventID, ev.SessionID, ev.Generation,
		ev.Score, string(ev.Fallback), ev.Reason, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert escalation %s: %w", ev.Key(), err)
	}
	return nil
}

// Recorded reports whether an event key exists in the ledger.
func (l *PostgresLedger) Recorded(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM escalation_events WHERE event_key = $1)`, key).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query escalation %s: %w", key, err)
	}
	return exists, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() {
	l.pool.Close()
}

// Ensure PostgresLedger implements EscalationSink
var _ triage.EscalationSink = (*PostgresLedger)(nil)
