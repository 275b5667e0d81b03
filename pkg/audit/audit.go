// Package audit records lifecycle transitions for later review. Recording is
// best-effort: an audit failure never fails the mutation it describes.
package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/depot-registry/depot/pkg/observability"
)

// Event describes one applied lifecycle transition.
type Event struct {
	ActorID   int64     `json:"actorId"`
	Entity    string    `json:"entity"`
	EntityID  int64     `json:"entityId"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Sink accepts events. Services call it after their transaction commits.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}

const insertEventQuery = `INSERT INTO audit_events (actor_id, entity, entity_id, action, detail, created_at) VALUES ($1, $2, $3, $4, $5, NOW())`

const listEventsQuery = `SELECT actor_id, entity, entity_id, action, detail, created_at FROM audit_events WHERE entity = $1 AND entity_id = $2 ORDER BY created_at DESC LIMIT $3`

// Recorder writes events to the audit_events table.
type Recorder struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewRecorder creates a database-backed recorder.
func NewRecorder(db *sql.DB, logger *observability.Logger) *Recorder {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Recorder{db: db, logger: logger}
}

// Record implements Sink.
func (r *Recorder) Record(ctx context.Context, event Event) {
	_, err := r.db.ExecContext(ctx, insertEventQuery,
		event.ActorID, event.Entity, event.EntityID, event.Action, event.Detail)
	if err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"entity":    event.Entity,
			"entity_id": event.EntityID,
			"action":    event.Action,
		}).Warn("failed to record audit event")
	}
}

// ListForEntity returns the most recent events for one entity, newest first.
func (r *Recorder) ListForEntity(ctx context.Context, entity string, entityID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, listEventsQuery, entity, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ActorID, &e.Entity, &e.EntityID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
