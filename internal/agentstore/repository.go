package agentstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/gastown-townd/internal/beads"
)

const agentEventCap = 2000

// Armer is the narrow interface agentstore needs from the scheduler to
// satisfy "every mutation that creates work calls ArmAlarm" (spec.md
// §4.6); it is defined here, the consumer, rather than imported from
// internal/scheduler, to avoid a C3<->C6 import cycle.
type Armer interface {
	ArmAlarm(ctx context.Context) error
}

type db interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Repository implements the C3 agent repository described in spec.md §4.3.
type Repository struct {
	db    db
	beads *beads.Repository
	armer Armer
}

// New creates an agent repository over db, delegating bead-row CRUD to
// beadsRepo. armer may be nil in tests that don't exercise scheduling.
func New(database db, beadsRepo *beads.Repository, armer Armer) *Repository {
	return &Repository{db: database, beads: beadsRepo, armer: armer}
}

const agentSelectColumns = `SELECT
	b.bead_id, am.role, am.identity, am.container_process_id, am.status,
	am.current_hook_bead_id, am.dispatch_attempts, am.checkpoint,
	am.last_activity_at, b.rig_id, b.title
FROM beads b JOIN agent_metadata am ON am.bead_id = b.bead_id`

// RegisterAgent creates a new agent bead plus its satellite row.
func (r *Repository) RegisterAgent(ctx context.Context, in RegisterInput) (*Agent, error) {
	b, err := r.beads.CreateBead(ctx, beads.CreateInput{
		Type:  beads.TypeAgent,
		Title: in.Name,
		RigID: in.RigID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent bead: %w", err)
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_metadata (bead_id, role, identity, status, dispatch_attempts)
			VALUES (?,?,?,?,0)`,
			b.ID, string(in.Role), in.Identity, string(StatusIdle))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("inserting agent metadata: %w", err)
	}

	return &Agent{
		BeadID: b.ID, Role: in.Role, Identity: in.Identity,
		Status: StatusIdle, RigID: in.RigID, Name: in.Name,
	}, nil
}

// GetAgent fetches an agent by bead id.
func (r *Repository) GetAgent(ctx context.Context, beadID string) (*Agent, error) {
	return scanAgent(r.db.QueryRow(ctx, agentSelectColumns+` WHERE b.bead_id = ?`, beadID))
}

// GetAgentByIdentity fetches an agent by its external identity string.
func (r *Repository) GetAgentByIdentity(ctx context.Context, identity string) (*Agent, error) {
	return scanAgent(r.db.QueryRow(ctx, agentSelectColumns+` WHERE am.identity = ?`, identity))
}

// ListAgents returns agents matching filter.
func (r *Repository) ListAgents(ctx context.Context, filter ListFilter) ([]*Agent, error) {
	query := agentSelectColumns + ` WHERE 1=1`
	var args []any
	if filter.Role != "" {
		query += ` AND am.role = ?`
		args = append(args, string(filter.Role))
	}
	if filter.Status != "" {
		query += ` AND am.status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.RigID != "" {
		query += ` AND b.rig_id = ?`
		args = append(args, filter.RigID)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentStatus sets an agent's liveness status and touches
// last_activity_at.
func (r *Repository) UpdateAgentStatus(ctx context.Context, beadID string, status Status) error {
	_, err := r.db.Exec(ctx, `
		UPDATE agent_metadata SET status = ?, last_activity_at = ? WHERE bead_id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), beadID)
	if err != nil {
		return fmt.Errorf("updating agent status: %w", err)
	}
	return nil
}

// SetContainerProcessID records the runtime process id backing an
// agent, set once StartAgent succeeds.
func (r *Repository) SetContainerProcessID(ctx context.Context, beadID, processID string) error {
	_, err := r.db.Exec(ctx, `UPDATE agent_metadata SET container_process_id = ? WHERE bead_id = ?`, processID, beadID)
	return err
}

// TouchAgent stamps last_activity_at without changing status.
func (r *Repository) TouchAgent(ctx context.Context, beadID string) error {
	_, err := r.db.Exec(ctx, `UPDATE agent_metadata SET last_activity_at = ? WHERE bead_id = ?`,
		time.Now().UTC().Format(time.RFC3339), beadID)
	return err
}

// DeleteAgent removes the agent's bead (cascading to agent_metadata).
func (r *Repository) DeleteAgent(ctx context.Context, beadID string) error {
	return r.beads.DeleteBead(ctx, beadID)
}

// HookBead assigns beadID as the agent's exclusive current hook,
// enforcing the GUPP invariant that an agent may hold at most one hook
// at a time. It does not check whether another agent already holds
// beadID; the bead's assignee is overwritten with this agent. If the agent
// already holds beadID, this is a no-op; if it holds a different bead,
// ErrAlreadyHookedElsewhere is returned rather than silently replacing
// it (caller unhooks first).
//
// Hooking leaves the agent idle: the scheduler's dispatch pass is what
// transitions idle-with-a-hook to working, on a successful StartAgent
// call, not HookBead itself.
func (r *Repository) HookBead(ctx context.Context, agentBeadID, beadID string) error {
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT current_hook_bead_id FROM agent_metadata WHERE bead_id = ?`, agentBeadID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if current.Valid && current.String == beadID {
			return nil
		}
		if current.Valid && current.String != "" && current.String != beadID {
			return ErrAlreadyHookedElsewhere
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_metadata SET current_hook_bead_id = ?, status = ?, dispatch_attempts = 0, last_activity_at = ? WHERE bead_id = ?`,
			beadID, string(StatusIdle), time.Now().UTC().Format(time.RFC3339), agentBeadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE beads SET assignee_agent_bead_id = ?, status = ? WHERE bead_id = ?`, agentBeadID, string(beads.StatusInProgress), beadID); err != nil {
			return err
		}
		if err := insertAgentEventTx(ctx, tx, agentBeadID, "hooked", beadID); err != nil {
			return err
		}
		return pruneAgentEventsTx(ctx, tx, agentBeadID)
	})
	if err != nil {
		return err
	}
	if r.armer != nil {
		if err := r.armer.ArmAlarm(ctx); err != nil {
			return fmt.Errorf("arming alarm after hook: %w", err)
		}
	}
	return nil
}

// UnhookBead clears the agent's current hook, returns it to idle, and
// resets dispatch_attempts to 0 — the counter is scoped to the hook's
// lifetime, so a fresh hook (even of the same agent onto new work)
// starts the circuit breaker over. Unhooking an agent with no current
// hook is a no-op (idempotent).
func (r *Repository) UnhookBead(ctx context.Context, agentBeadID string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var hookID sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT current_hook_bead_id FROM agent_metadata WHERE bead_id = ?`, agentBeadID).Scan(&hookID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if !hookID.Valid || hookID.String == "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_metadata SET current_hook_bead_id = NULL, status = ?, dispatch_attempts = 0 WHERE bead_id = ?`,
			string(StatusIdle), agentBeadID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE beads SET assignee_agent_bead_id = NULL WHERE bead_id = ?`, hookID.String); err != nil {
			return err
		}
		if err := insertAgentEventTx(ctx, tx, agentBeadID, "unhooked", hookID.String); err != nil {
			return err
		}
		return pruneAgentEventsTx(ctx, tx, agentBeadID)
	})
}

// GetHookedBead returns the bead id the agent currently holds, or "" if none.
func (r *Repository) GetHookedBead(ctx context.Context, agentBeadID string) (string, error) {
	var hookID sql.NullString
	err := r.db.QueryRow(ctx, `SELECT current_hook_bead_id FROM agent_metadata WHERE bead_id = ?`, agentBeadID).Scan(&hookID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return hookID.String, nil
}

// WriteCheckpoint persists an opaque resumption checkpoint for the agent.
func (r *Repository) WriteCheckpoint(ctx context.Context, agentBeadID, checkpoint string) error {
	_, err := r.db.Exec(ctx, `UPDATE agent_metadata SET checkpoint = ? WHERE bead_id = ?`, checkpoint, agentBeadID)
	return err
}

// ReadCheckpoint returns the agent's last checkpoint, "" if none set.
func (r *Repository) ReadCheckpoint(ctx context.Context, agentBeadID string) (string, error) {
	var cp sql.NullString
	err := r.db.QueryRow(ctx, `SELECT checkpoint FROM agent_metadata WHERE bead_id = ?`, agentBeadID).Scan(&cp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return cp.String, nil
}

// IncrementDispatchAttempts bumps dispatch_attempts and returns the new value.
func (r *Repository) IncrementDispatchAttempts(ctx context.Context, agentBeadID string) (int, error) {
	var n int
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE agent_metadata SET dispatch_attempts = dispatch_attempts + 1 WHERE bead_id = ?`, agentBeadID); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT dispatch_attempts FROM agent_metadata WHERE bead_id = ?`, agentBeadID).Scan(&n)
	})
	return n, err
}

// ResetDispatchAttempts zeroes dispatch_attempts, e.g. after a successful dispatch.
func (r *Repository) ResetDispatchAttempts(ctx context.Context, agentBeadID string) error {
	_, err := r.db.Exec(ctx, `UPDATE agent_metadata SET dispatch_attempts = 0 WHERE bead_id = ?`, agentBeadID)
	return err
}

// LogAgentEvent appends to the capped agent_events log, pruning the
// oldest rows for this agent beyond AGENT_EVENT_CAP (spec.md §3/§6).
func (r *Repository) LogAgentEvent(ctx context.Context, agentBeadID, eventType, payload string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := insertAgentEventPayloadTx(ctx, tx, agentBeadID, eventType, payload); err != nil {
			return err
		}
		return pruneAgentEventsTx(ctx, tx, agentBeadID)
	})
}

func pruneAgentEventsTx(ctx context.Context, tx *sql.Tx, agentBeadID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM agent_events WHERE agent_id = ? AND id NOT IN (
			SELECT id FROM agent_events WHERE agent_id = ? ORDER BY id DESC LIMIT ?
		)`, agentBeadID, agentBeadID, agentEventCap)
	return err
}
