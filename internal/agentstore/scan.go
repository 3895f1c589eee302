package agentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	return scanAgentInto(row)
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	return scanAgentInto(rows)
}

func scanAgentInto(row rowScanner) (*Agent, error) {
	var a Agent
	var containerID, hookID, checkpoint, lastActivity, rigID sql.NullString

	err := row.Scan(
		&a.BeadID, &a.Role, &a.Identity, &containerID, &a.Status,
		&hookID, &a.DispatchAttempts, &checkpoint, &lastActivity, &rigID, &a.Name,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning agent: %w", err)
	}

	a.ContainerProcessID = containerID.String
	a.CurrentHookBeadID = hookID.String
	a.Checkpoint = checkpoint.String
	a.RigID = rigID.String

	if lastActivity.Valid {
		t, err := time.Parse(time.RFC3339, lastActivity.String)
		if err == nil {
			a.LastActivityAt = &t
		}
	}
	return &a, nil
}

func insertAgentEventTx(ctx context.Context, tx *sql.Tx, agentBeadID, eventType, payload string) error {
	return insertAgentEventPayloadTx(ctx, tx, agentBeadID, eventType, `{"beadId":"`+payload+`"}`)
}

func insertAgentEventPayloadTx(ctx context.Context, tx *sql.Tx, agentBeadID, eventType, payload string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_events (agent_id, event_type, payload, created_at) VALUES (?,?,?,?)`,
		agentBeadID, eventType, payload, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting agent event: %w", err)
	}
	return nil
}
