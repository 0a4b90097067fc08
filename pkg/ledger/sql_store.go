package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/adaptco/trustplane/pkg/canonicalize"
)

// SQLEventStore implements EventStore using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLEventStore struct {
	db *sql.DB
}

// NewSQLEventStore wraps an open database handle.
func NewSQLEventStore(db *sql.DB) *SQLEventStore {
	return &SQLEventStore{db: db}
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	tenant_id TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	sequence_id INTEGER NOT NULL,
	state TEXT NOT NULL,
	payload TEXT NOT NULL,
	hash_prev TEXT,
	hash_current TEXT NOT NULL,
	created_at TIMESTAMP,
	PRIMARY KEY (tenant_id, execution_id, sequence_id)
);
`

// Init creates the events table if it does not exist.
func (s *SQLEventStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, eventsSchema)
	return err
}

// Append persists an event. The payload is stored in canonical JSON form so
// a re-read recomputes the exact same lineage hash.
func (s *SQLEventStore) Append(ctx context.Context, event Event) error {
	payload, err := canonicalize.JCS(event.Payload)
	if err != nil {
		return fmt.Errorf("ledger: serialize payload: %w", err)
	}

	query := `
		INSERT INTO events (tenant_id, execution_id, sequence_id, state, payload, hash_prev, hash_current, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		event.TenantID, event.ExecutionID, event.SequenceID, string(event.State),
		string(payload), event.HashPrev, event.HashCurrent, event.CreatedAt,
	)
	return err
}

// GetExecution retrieves an execution's events ordered by sequence id.
func (s *SQLEventStore) GetExecution(ctx context.Context, tenantID, executionID string) ([]Event, error) {
	query := `
		SELECT sequence_id, state, payload, hash_prev, hash_current, created_at
		FROM events
		WHERE tenant_id = $1 AND execution_id = $2
		ORDER BY sequence_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, executionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]Event, 0)
	for rows.Next() {
		event := Event{TenantID: tenantID, ExecutionID: executionID}
		var payload string
		var hashPrev sql.NullString
		if err := rows.Scan(&event.SequenceID, &event.State, &payload, &hashPrev, &event.HashCurrent, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.HashPrev = hashPrev.String
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, fmt.Errorf("ledger: corrupt payload at sequence_id=%d: %w", event.SequenceID, err)
		}
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
