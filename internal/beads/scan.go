package beads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const beadSelectColumns = `SELECT
	bead_id, type, status, title, body, rig_id, parent_bead_id,
	assignee_agent_bead_id, priority, labels, metadata, created_by,
	created_at, updated_at, closed_at
FROM beads`

// rowScanner is satisfied by both *sql.Row and *sql.Rows, letting
// scanBead share logic between single-row and multi-row callers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBead(row rowScanner) (*Bead, error) {
	return scanBeadInto(row)
}

func scanBeadRows(rows *sql.Rows) (*Bead, error) {
	return scanBeadInto(rows)
}

func scanBeadInto(row rowScanner) (*Bead, error) {
	var b Bead
	var body, rigID, parentID, assignee, createdBy, closedAt sql.NullString
	var labelsJSON, metaJSON, createdAt, updatedAt string

	err := row.Scan(
		&b.ID, &b.Type, &b.Status, &b.Title, &body, &rigID, &parentID,
		&assignee, &b.Priority, &labelsJSON, &metaJSON, &createdBy,
		&createdAt, &updatedAt, &closedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning bead: %w", err)
	}

	b.Body = body.String
	b.RigID = rigID.String
	b.ParentBeadID = parentID.String
	b.AssigneeAgentBeadID = assignee.String
	b.CreatedBy = createdBy.String

	if err := json.Unmarshal([]byte(labelsJSON), &b.Labels); err != nil {
		return nil, fmt.Errorf("decoding labels: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &b.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decoding created_at: %w", err)
	}
	if b.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("decoding updated_at: %w", err)
	}
	if closedAt.Valid {
		t, err := time.Parse(timeLayout, closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("decoding closed_at: %w", err)
		}
		b.ClosedAt = &t
	}
	return &b, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var e Event
	var agentID, oldValue, newValue sql.NullString
	var metaJSON string
	var createdAt string

	if err := rows.Scan(&e.ID, &e.BeadID, &agentID, &e.EventType, &oldValue, &newValue, &metaJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	e.AgentID = agentID.String
	e.OldValue = oldValue.String
	e.NewValue = newValue.String

	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decoding event metadata: %w", err)
		}
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("decoding event created_at: %w", err)
	}
	e.CreatedAt = t
	return &e, nil
}

// insertEventTx appends one bead_events row inside tx.
func insertEventTx(ctx context.Context, tx *sql.Tx, beadID, agentID string, eventType EventType, oldValue, newValue string, metadata map[string]any, at time.Time) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshaling event metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO bead_events (bead_id, agent_id, event_type, old_value, new_value, metadata, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		beadID, nullableString(agentID), string(eventType), nullableString(oldValue), nullableString(newValue),
		string(metaJSON), at.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("inserting bead event: %w", err)
	}
	return nil
}
