// Package mayor is the C8 component: each town has at most one mayor,
// a persistent conversational agent session a user talks to directly,
// decoupled from the bead/scheduler model — it keeps its own liveness
// cadence (mayor_alarm) rather than participating in the town's
// three-pass tick.
//
// The teacher drives its mayor session over a local tmux pane
// (internal/mayor/manager.go); a headless daemon has no terminal to
// attach to, so this reimplementation drives the same session
// lifecycle over the containerclient HTTP surface instead (see
// DESIGN.md).
package mayor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/gastown-townd/internal/containerclient"
)

// ErrAlreadyRunning is returned by ConfigureMayor when a mayor session
// is already live for the town.
var ErrAlreadyRunning = errors.New("mayor already running")

// ErrNotConfigured is returned when an operation needs a mayor session
// that was never configured.
var ErrNotConfigured = errors.New("mayor not configured")

// livenessInterval and sessionStale mirror spec.md §4.8's ALARM_INTERVAL
// and SESSION_STALE.
const (
	livenessInterval = 15 * time.Second
	sessionStale     = 30 * time.Minute
)

type db interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

// Manager configures and drives one town's mayor session.
type Manager struct {
	db        db
	container *containerclient.Client
	townID    string
}

// New creates a Manager for townID, talking to the town's container
// runtime through container.
func New(database db, container *containerclient.Client, townID string) *Manager {
	return &Manager{db: database, container: container, townID: townID}
}

// Status describes the mayor session's current state.
type Status struct {
	Configured bool
	ProcessID  string
	Running    bool
}

// ConfigureMayor starts a mayor container process for the town and
// persists its process id. Calling it again while already configured
// returns ErrAlreadyRunning rather than silently restarting. env is
// sent as the start request's env vars; image is not sent, since the
// start request has no image field.
func (m *Manager) ConfigureMayor(ctx context.Context, image string, env map[string]string) (*Status, error) {
	existing, err := m.processID(ctx)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return nil, ErrAlreadyRunning
	}

	resp, err := m.container.StartAgent(ctx, containerclient.StartAgentRequest{
		AgentID: "mayor:" + m.townID,
		RigID:   "",
		EnvVars: env,
	})
	if err != nil {
		return nil, fmt.Errorf("starting mayor process: %w", err)
	}

	if _, err := m.db.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		m.kvKey(), resp.ProcessID); err != nil {
		return nil, fmt.Errorf("persisting mayor process id: %w", err)
	}
	if err := m.touchActivity(ctx); err != nil {
		return nil, fmt.Errorf("touching mayor activity: %w", err)
	}
	if err := m.armLiveness(ctx); err != nil {
		return nil, fmt.Errorf("arming mayor alarm: %w", err)
	}

	return &Status{Configured: true, ProcessID: resp.ProcessID, Running: true}, nil
}

// SendMessage forwards message to the mayor's running session.
func (m *Manager) SendMessage(ctx context.Context, message string) error {
	pid, err := m.processID(ctx)
	if err != nil {
		return err
	}
	if pid == "" {
		return ErrNotConfigured
	}
	if err := m.container.SendMessage(ctx, pid, message); err != nil {
		return fmt.Errorf("sending message to mayor: %w", err)
	}
	if err := m.touchActivity(ctx); err != nil {
		return fmt.Errorf("touching mayor activity: %w", err)
	}
	return m.armLiveness(ctx)
}

// GetMayorStatus reports whether the mayor is configured and, if so,
// whether its container process is still alive.
func (m *Manager) GetMayorStatus(ctx context.Context) (*Status, error) {
	pid, err := m.processID(ctx)
	if err != nil {
		return nil, err
	}
	if pid == "" {
		return &Status{}, nil
	}
	as, err := m.container.AgentStatus(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("fetching mayor process status: %w", err)
	}
	return &Status{Configured: true, ProcessID: pid, Running: as.Running}, nil
}

// AgentCompleted is called back by the container runtime when the
// mayor's process exits on its own (crash or clean shutdown), clearing
// the stored process id so a later ConfigureMayor can start fresh.
func (m *Manager) AgentCompleted(ctx context.Context) error {
	if _, err := m.db.Exec(ctx, `DELETE FROM kv WHERE key = ?`, m.kvKey()); err != nil {
		return fmt.Errorf("clearing mayor process id: %w", err)
	}
	if _, err := m.db.Exec(ctx, `DELETE FROM kv WHERE key = ?`, m.activityKey()); err != nil {
		return fmt.Errorf("clearing mayor activity: %w", err)
	}
	return nil
}

// Destroy stops the mayor's container process and clears its stored state.
func (m *Manager) Destroy(ctx context.Context) error {
	pid, err := m.processID(ctx)
	if err != nil {
		return err
	}
	if pid == "" {
		return nil
	}
	if err := m.container.StopAgent(ctx, pid); err != nil {
		return fmt.Errorf("stopping mayor process: %w", err)
	}
	return m.AgentCompleted(ctx)
}

// Tick checks mayor liveness; if the mayor_alarm has fired, it polls
// the container runtime and, if the process has died, clears state so
// the mayor can be reconfigured. This is the mayor's own cadence,
// separate from the town scheduler's alarm.
func (m *Manager) Tick(ctx context.Context) error {
	fireAt, err := m.nextFireAt(ctx)
	if err != nil {
		return err
	}
	if fireAt.IsZero() || time.Now().UTC().Before(fireAt) {
		return nil
	}

	status, err := m.GetMayorStatus(ctx)
	if err != nil {
		return err
	}
	if !status.Configured {
		return nil
	}

	lastActivity, err := m.lastActivity(ctx)
	if err == nil && !lastActivity.IsZero() && time.Since(lastActivity) >= sessionStale {
		_ = m.container.StopAgent(ctx, status.ProcessID)
		return m.AgentCompleted(ctx)
	}

	if !status.Running {
		return m.AgentCompleted(ctx)
	}
	return m.armLiveness(ctx)
}

func (m *Manager) kvKey() string {
	return "mayor:process_id:" + m.townID
}

func (m *Manager) activityKey() string {
	return "mayor:last_activity:" + m.townID
}

func (m *Manager) touchActivity(ctx context.Context) error {
	_, err := m.db.Exec(ctx, `
		INSERT INTO kv (key, value) VALUES (?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		m.activityKey(), time.Now().UTC().Format(time.RFC3339))
	return err
}

func (m *Manager) lastActivity(ctx context.Context) (time.Time, error) {
	var v sql.NullString
	err := m.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = ?`, m.activityKey()).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v.String)
}

func (m *Manager) processID(ctx context.Context) (string, error) {
	var pid sql.NullString
	err := m.db.QueryRow(ctx, `SELECT value FROM kv WHERE key = ?`, m.kvKey()).Scan(&pid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("reading mayor process id: %w", err)
	}
	return pid.String, nil
}

func (m *Manager) armLiveness(ctx context.Context) error {
	fireAt := time.Now().UTC().Add(livenessInterval)
	_, err := m.db.Exec(ctx, `
		INSERT INTO mayor_alarm (id, fire_at) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET fire_at = excluded.fire_at`, fireAt.Format(time.RFC3339))
	return err
}

func (m *Manager) nextFireAt(ctx context.Context) (time.Time, error) {
	var fireAt sql.NullString
	err := m.db.QueryRow(ctx, `SELECT fire_at FROM mayor_alarm WHERE id = 1`).Scan(&fireAt)
	if err == sql.ErrNoRows || !fireAt.Valid || fireAt.String == "" {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading mayor alarm: %w", err)
	}
	return time.Parse(time.RFC3339, fireAt.String)
}
