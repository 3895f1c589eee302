package beads

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by operations that require an existing bead.
var ErrNotFound = errors.New("bead not found")

const timeLayout = time.RFC3339

// Repository implements the C2 bead repository described in spec.md §4.2.
type Repository struct {
	db clock
}

// clock is the minimal surface Repository needs from sqlstore.Store,
// named here rather than imported as a concrete type so repository
// tests can swap in a fake if ever needed; in practice it is always
// *sqlstore.Store.
type clock interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// New creates a bead repository over db.
func New(db clock) *Repository {
	return &Repository{db: db}
}

// CreateBead inserts a new bead, defaulting status/priority/labels/
// metadata, and appends a "created" event.
func (r *Repository) CreateBead(ctx context.Context, in CreateInput) (*Bead, error) {
	now := time.Now().UTC()
	b := &Bead{
		ID:                  uuid.NewString(),
		Type:                in.Type,
		Status:              StatusOpen,
		Title:               in.Title,
		Body:                in.Body,
		RigID:               in.RigID,
		AssigneeAgentBeadID: in.Assignee,
		Priority:            in.Priority,
		Labels:              in.Labels,
		Metadata:            in.Metadata,
		CreatedBy:           in.CreatedBy,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.ParentID != "" {
		b.ParentBeadID = in.ParentID
	}
	if b.Priority == "" {
		b.Priority = PriorityMedium
	}
	if b.Labels == nil {
		b.Labels = []string{}
	}
	if b.Metadata == nil {
		b.Metadata = map[string]any{}
	}

	labelsJSON, err := json.Marshal(b.Labels)
	if err != nil {
		return nil, fmt.Errorf("marshaling labels: %w", err)
	}
	metaJSON, err := json.Marshal(b.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO beads (
				bead_id, type, status, title, body, rig_id, parent_bead_id,
				assignee_agent_bead_id, priority, labels, metadata, created_by,
				created_at, updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			b.ID, string(b.Type), string(b.Status), b.Title, nullableString(b.Body),
			nullableString(b.RigID), nullableString(b.ParentBeadID), nullableString(b.AssigneeAgentBeadID),
			string(b.Priority), string(labelsJSON), string(metaJSON), nullableString(b.CreatedBy),
			b.CreatedAt.Format(timeLayout), b.UpdatedAt.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("inserting bead: %w", err)
		}
		return insertEventTx(ctx, tx, b.ID, "", EventCreated, "", string(b.Status), nil, now)
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// GetBead fetches a bead by id.
func (r *Repository) GetBead(ctx context.Context, id string) (*Bead, error) {
	row := r.db.QueryRow(ctx, beadSelectColumns+` WHERE bead_id = ?`, id)
	return scanBead(row)
}

// ListBeads returns beads matching filter, ordered created_at DESC.
func (r *Repository) ListBeads(ctx context.Context, filter ListFilter) ([]*Bead, error) {
	query := beadSelectColumns + ` WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Assignee != "" {
		query += ` AND assignee_agent_bead_id = ?`
		args = append(args, filter.Assignee)
	}
	if filter.Parent != "" {
		query += ` AND parent_bead_id = ?`
		args = append(args, filter.Parent)
	}
	if filter.Rig != "" {
		query += ` AND rig_id = ?`
		args = append(args, filter.Rig)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing beads: %w", err)
	}
	defer rows.Close()

	var out []*Bead
	for rows.Next() {
		b, err := scanBeadRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBeadStatus transitions a bead to status, stamping updated_at
// (and closed_at when transitioning to closed; any other status clears
// closed_at), and emits a
// status_changed event with the old/new values. agentID is recorded on
// the event for observability; it may be empty.
func (r *Repository) UpdateBeadStatus(ctx context.Context, id string, status Status, agentID string) (*Bead, error) {
	var result *Bead
	now := time.Now().UTC()

	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		b, err := scanBead(tx.QueryRowContext(ctx, beadSelectColumns+` WHERE bead_id = ?`, id))
		if err != nil {
			return err
		}
		oldStatus := b.Status

		var closedAt any
		if status == StatusClosed {
			closedAt = now.Format(timeLayout)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE beads SET status = ?, updated_at = ?, closed_at = ? WHERE bead_id = ?`,
			string(status), now.Format(timeLayout), closedAt, id)
		if err != nil {
			return fmt.Errorf("updating bead status: %w", err)
		}

		if err := insertEventTx(ctx, tx, id, agentID, EventStatusChanged, string(oldStatus), string(status), nil, now); err != nil {
			return err
		}

		b.Status = status
		b.UpdatedAt = now
		b.ClosedAt = nil
		if status == StatusClosed {
			t := now
			b.ClosedAt = &t
		}
		result = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseBead closes bead id on behalf of agentID.
func (r *Repository) CloseBead(ctx context.Context, id, agentID string) (*Bead, error) {
	return r.UpdateBeadStatus(ctx, id, StatusClosed, agentID)
}

// DeleteBead recursively deletes bead id: children first, then
// dependencies, satellites, events, and the bead itself. Any agent
// still hooked to a deleted bead is unhooked and set idle. Deleting an
// already-absent bead is a silent no-op (idempotent delete, spec.md §4.2).
func (r *Repository) DeleteBead(ctx context.Context, id string) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return r.deleteBeadTx(ctx, tx, id)
	})
}

func (r *Repository) deleteBeadTx(ctx context.Context, tx *sql.Tx, id string) error {
	rows, err := tx.QueryContext(ctx, `SELECT bead_id FROM beads WHERE parent_bead_id = ?`, id)
	if err != nil {
		return fmt.Errorf("listing children: %w", err)
	}
	var children []string
	for rows.Next() {
		var childID string
		if err := rows.Scan(&childID); err != nil {
			rows.Close()
			return err
		}
		children = append(children, childID)
	}
	rows.Close()
	for _, childID := range children {
		if err := r.deleteBeadTx(ctx, tx, childID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_metadata SET current_hook_bead_id = NULL, status = 'idle'
		WHERE current_hook_bead_id = ?`, id); err != nil {
		return fmt.Errorf("unhooking agents from deleted bead: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM bead_dependencies WHERE bead_id = ? OR depends_on_bead_id = ?`, id, id); err != nil {
		return fmt.Errorf("deleting dependencies for %s: %w", id, err)
	}
	for _, stmt := range []string{
		`DELETE FROM agent_metadata WHERE bead_id = ?`,
		`DELETE FROM review_metadata WHERE bead_id = ?`,
		`DELETE FROM escalation_metadata WHERE bead_id = ?`,
		`DELETE FROM convoy_metadata WHERE bead_id = ?`,
		`DELETE FROM bead_events WHERE bead_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("deleting satellites for %s: %w", id, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM beads WHERE bead_id = ?`, id); err != nil {
		return fmt.Errorf("deleting bead: %w", err)
	}
	return nil
}

// AddDependency records a dependency edge (bead_id depends_on
// depends_on_bead_id) of the given type.
func (r *Repository) AddDependency(ctx context.Context, beadID, dependsOnBeadID string, depType DependencyType) error {
	_, err := r.db.Exec(ctx, `
		INSERT OR IGNORE INTO bead_dependencies (bead_id, depends_on_bead_id, type) VALUES (?,?,?)`,
		beadID, dependsOnBeadID, string(depType))
	if err != nil {
		return fmt.Errorf("adding dependency: %w", err)
	}
	return nil
}

// PatchMetadata merges the given key/value pairs into bead id's
// metadata JSON, leaving other keys untouched.
func (r *Repository) PatchMetadata(ctx context.Context, id string, patch map[string]any) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var metaStr string
		if err := tx.QueryRowContext(ctx, `SELECT metadata FROM beads WHERE bead_id = ?`, id).Scan(&metaStr); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		meta := map[string]any{}
		if metaStr != "" {
			if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
				return fmt.Errorf("decoding metadata: %w", err)
			}
		}
		for k, v := range patch {
			meta[k] = v
		}
		out, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE beads SET metadata = ?, updated_at = ? WHERE bead_id = ?`,
			string(out), time.Now().UTC().Format(timeLayout), id)
		return err
	})
}

// LogBeadEvent appends an event row. Insert-only; never mutates.
func (r *Repository) LogBeadEvent(ctx context.Context, beadID, agentID string, eventType EventType, oldValue, newValue string, metadata map[string]any) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertEventTx(ctx, tx, beadID, agentID, eventType, oldValue, newValue, metadata, time.Now().UTC())
	})
}

// ListBeadEvents returns events matching filter, ordered created_at DESC.
func (r *Repository) ListBeadEvents(ctx context.Context, filter ListEventsFilter) ([]*Event, error) {
	query := `SELECT id, bead_id, agent_id, event_type, old_value, new_value, metadata, created_at FROM bead_events WHERE 1=1`
	var args []any
	if filter.BeadID != "" {
		query += ` AND bead_id = ?`
		args = append(args, filter.BeadID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing bead events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ConvoySatelliteFor returns the convoy satellite row for id, if any.
func (r *Repository) ConvoySatelliteFor(ctx context.Context, id string) (*ConvoySatellite, error) {
	row := r.db.QueryRow(ctx, `SELECT bead_id, total_beads, closed_beads, landed_at FROM convoy_metadata WHERE bead_id = ?`, id)
	var cs ConvoySatellite
	var landedAt sql.NullString
	if err := row.Scan(&cs.BeadID, &cs.TotalBeads, &cs.ClosedBeads, &landedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if landedAt.Valid {
		t, err := time.Parse(timeLayout, landedAt.String)
		if err == nil {
			cs.LandedAt = &t
		}
	}
	return &cs, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
