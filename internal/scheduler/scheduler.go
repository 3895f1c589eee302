// Package scheduler is the C6 component: a single persistent alarm per
// town driving a three-pass reconciliation tick. The alarm is a single
// scheduled fire time stored in SQLite so it survives a daemon
// restart; ArmAlarm is idempotent and only ever moves the fire time
// earlier, never later, so a flurry of mutations collapses onto one
// wakeup.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/auth"
	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/containerclient"
	"github.com/steveyegge/gastown-townd/internal/mail"
	"github.com/steveyegge/gastown-townd/internal/mrqueue"
	"github.com/steveyegge/gastown-townd/internal/registry"
)

const timeLayout = time.RFC3339

// guppCheckSubject is the mail subject the witness pass sends an agent
// that has gone quiet past GUPPThreshold; its presence (undelivered) is
// what prevents sending a second one every tick.
const guppCheckSubject = "GUPP_CHECK"

type db interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Scheduler owns the town alarm and the reconciliation tick. It
// implements agentstore.Armer and mrqueue.Armer.
type Scheduler struct {
	db        db
	beads     *beads.Repository
	agents    *agentstore.Repository
	queue     *mrqueue.Queue
	mail      *mail.Mailbox
	container *containerclient.Client
	auth      *auth.Minter
	registry  registry.Client
	townID    string
	log       *log.Logger
}

// New creates a Scheduler wiring together the repositories and
// out-of-process collaborators (container runtime, token minter, mail,
// the external rig registry) its reconciliation passes drive. reg may
// be nil; dispatch then leaves gitUrl unset on StartAgent rather than
// failing the tick.
func New(
	database db,
	beadsRepo *beads.Repository,
	agentsRepo *agentstore.Repository,
	queue *mrqueue.Queue,
	mailbox *mail.Mailbox,
	container *containerclient.Client,
	minter *auth.Minter,
	reg registry.Client,
	townID string,
	logger *log.Logger,
) *Scheduler {
	return &Scheduler{
		db: database, beads: beadsRepo, agents: agentsRepo, queue: queue,
		mail: mailbox, container: container, auth: minter, registry: reg, townID: townID, log: logger,
	}
}

// ArmAlarm schedules a wakeup ArmDelay from now, unless an earlier
// alarm is already armed, in which case it is left alone. Arming is
// idempotent: repeated calls before the alarm fires collapse onto the
// same wakeup.
func (s *Scheduler) ArmAlarm(ctx context.Context) error {
	fireAt := time.Now().UTC().Add(ArmDelay)
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var existing sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT fire_at FROM alarm WHERE id = 1`).Scan(&existing)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("reading alarm: %w", err)
		}
		if existing.Valid && existing.String != "" {
			current, perr := time.Parse(timeLayout, existing.String)
			if perr == nil && current.Before(fireAt) {
				return nil
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alarm (id, scope, fire_at) VALUES (1, 'town', ?)
			ON CONFLICT(id) DO UPDATE SET fire_at = excluded.fire_at`,
			fireAt.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("arming alarm: %w", err)
		}
		return nil
	})
}

// DisarmAlarm clears the town alarm, used when Tick finds no active
// work left to re-arm for.
func (s *Scheduler) DisarmAlarm(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `UPDATE alarm SET fire_at = NULL WHERE id = 1`)
	return err
}

// NextFireAt returns the currently-armed fire time, or the zero time
// if no alarm is armed.
func (s *Scheduler) NextFireAt(ctx context.Context) (time.Time, error) {
	var fireAt sql.NullString
	err := s.db.QueryRow(ctx, `SELECT fire_at FROM alarm WHERE id = 1`).Scan(&fireAt)
	if err == sql.ErrNoRows || !fireAt.Valid || fireAt.String == "" {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading alarm: %w", err)
	}
	return time.Parse(timeLayout, fireAt.String)
}

// Tick runs the three reconciliation passes once: A witnesses stalled
// agents and probes live container status, B dispatches hooked idle
// agents by actually starting their containers, C processes the review
// queue. Re-arms the alarm only if active work remains afterward,
// matching spec.md §4.6's "no re-arm when idle" invariant.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.passAWitness(ctx); err != nil {
		return fmt.Errorf("pass A (witness): %w", err)
	}
	dispatched, err := s.passBDispatch(ctx)
	if err != nil {
		return fmt.Errorf("pass B (dispatch): %w", err)
	}
	recovered, merged, err := s.passCReview(ctx)
	if err != nil {
		return fmt.Errorf("pass C (review): %w", err)
	}
	if s.log != nil {
		s.log.Printf("tick: dispatched=%d recovered_reviews=%d reviews_popped=%d", dispatched, recovered, merged)
	}

	active, err := s.hasActiveWork(ctx)
	if err != nil {
		return fmt.Errorf("checking active work: %w", err)
	}
	if !active {
		return s.DisarmAlarm(ctx)
	}
	fireAt := time.Now().UTC().Add(ActiveAlarmInterval)
	_, err = s.db.Exec(ctx, `
		INSERT INTO alarm (id, scope, fire_at) VALUES (1, 'town', ?)
		ON CONFLICT(id) DO UPDATE SET fire_at = excluded.fire_at`, fireAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("re-arming alarm: %w", err)
	}
	return nil
}

// passAWitness probes every working/blocked agent's container process
// and reconciles its recorded status with reality, per spec.md §4.6.2
// Pass A. Agents with no recorded process yet (not dispatched this
// lifetime) are skipped — there is nothing to probe.
func (s *Scheduler) passAWitness(ctx context.Context) error {
	now := time.Now().UTC()

	working, err := s.agents.ListAgents(ctx, agentstore.ListFilter{Status: agentstore.StatusWorking})
	if err != nil {
		return fmt.Errorf("listing working agents: %w", err)
	}
	blocked, err := s.agents.ListAgents(ctx, agentstore.ListFilter{Status: agentstore.StatusBlocked})
	if err != nil {
		return fmt.Errorf("listing blocked agents: %w", err)
	}

	for _, a := range append(working, blocked...) {
		if a.ContainerProcessID == "" {
			continue
		}
		status, err := s.container.AgentStatus(ctx, a.ContainerProcessID)
		if err != nil {
			if s.log != nil {
				s.log.Printf("witness: probing agent %s: %v", a.BeadID, err)
			}
			continue
		}

		switch status.Status {
		case "exited":
			if status.ExitReason == "completed" {
				if err := s.completeAgentWork(ctx, a); err != nil {
					return fmt.Errorf("completing agent %s: %w", a.BeadID, err)
				}
				continue
			}
			if err := s.agents.UpdateAgentStatus(ctx, a.BeadID, agentstore.StatusIdle); err != nil {
				return fmt.Errorf("resetting exited agent %s: %w", a.BeadID, err)
			}
		case "not_found":
			if err := s.agents.UpdateAgentStatus(ctx, a.BeadID, agentstore.StatusIdle); err != nil {
				return fmt.Errorf("resetting missing agent %s: %w", a.BeadID, err)
			}
		default:
			if a.LastActivityAt == nil || now.Sub(*a.LastActivityAt) < GUPPThreshold {
				continue
			}
			pending, err := s.mail.HasUndeliveredMailSubject(ctx, a.BeadID, guppCheckSubject)
			if err != nil {
				return fmt.Errorf("checking outstanding GUPP_CHECK for %s: %w", a.BeadID, err)
			}
			if pending {
				continue
			}
			witness, err := s.agents.GetOrCreateAgent(ctx, agentstore.RoleWitness, a.RigID, s.townID)
			if err != nil {
				return fmt.Errorf("resolving witness agent: %w", err)
			}
			if _, err := s.mail.SendMail(ctx, witness.BeadID, a.BeadID, guppCheckSubject, "please self-report progress or escalate"); err != nil {
				return fmt.Errorf("sending GUPP_CHECK to %s: %w", a.BeadID, err)
			}
		}
	}
	return nil
}

// completeAgentWork closes the agent's hooked bead (if any) and
// returns it to idle, mirroring AgentCompleted's effect on a
// successfully finished container process.
func (s *Scheduler) completeAgentWork(ctx context.Context, a *agentstore.Agent) error {
	if a.CurrentHookBeadID != "" {
		if _, err := s.beads.CloseBead(ctx, a.CurrentHookBeadID, a.BeadID); err != nil {
			return err
		}
	}
	return s.agents.UnhookBead(ctx, a.BeadID)
}

// passBDispatch starts containers for every idle agent that already
// holds a hook (set by Sling or a prior HookBead call), honoring the
// circuit breaker before each attempt, per spec.md §4.6.2 Pass B.
func (s *Scheduler) passBDispatch(ctx context.Context) (int, error) {
	idle, err := s.agents.ListAgents(ctx, agentstore.ListFilter{Status: agentstore.StatusIdle})
	if err != nil {
		return 0, fmt.Errorf("listing idle agents: %w", err)
	}

	dispatched := 0
	for _, a := range idle {
		if a.CurrentHookBeadID == "" {
			continue
		}
		b, err := s.beads.GetBead(ctx, a.CurrentHookBeadID)
		if err != nil {
			if s.log != nil {
				s.log.Printf("dispatch: hooked bead %s missing for agent %s: %v", a.CurrentHookBeadID, a.BeadID, err)
			}
			continue
		}

		if a.DispatchAttempts+1 > MaxDispatchAttempts {
			if _, err := s.beads.UpdateBeadStatus(ctx, b.ID, beads.StatusFailed, a.BeadID); err != nil {
				return dispatched, fmt.Errorf("failing bead %s after circuit breaker trip: %w", b.ID, err)
			}
			if err := s.agents.UnhookBead(ctx, a.BeadID); err != nil {
				return dispatched, fmt.Errorf("unhooking agent %s after circuit breaker trip: %w", a.BeadID, err)
			}
			continue
		}
		if _, err := s.agents.IncrementDispatchAttempts(ctx, a.BeadID); err != nil {
			return dispatched, fmt.Errorf("incrementing dispatch attempts for %s: %w", a.BeadID, err)
		}

		token, err := s.auth.MintAgentToken(s.townID, a.RigID, a.BeadID)
		if err != nil {
			return dispatched, fmt.Errorf("minting agent token for %s: %w", a.BeadID, err)
		}
		prompt := b.Title
		if b.Body != "" {
			prompt += "\n\n" + b.Body
		}
		if cp, err := s.agents.ReadCheckpoint(ctx, a.BeadID); err == nil && cp != "" {
			prompt += "\n\nResume from checkpoint:\n" + cp
		}

		var gitURL string
		if s.registry != nil {
			if rig, rerr := s.registry.GetRig(ctx, a.RigID); rerr == nil {
				gitURL = rig.GitURL
			} else if s.log != nil {
				s.log.Printf("dispatch: resolving rig %s for agent %s: %v", a.RigID, a.BeadID, rerr)
			}
		}

		resp, err := s.container.StartAgent(ctx, containerclient.StartAgentRequest{
			AgentID:       a.BeadID,
			RigID:         a.RigID,
			TownID:        s.townID,
			Role:          string(a.Role),
			Name:          a.Name,
			Identity:      a.Identity,
			Prompt:        prompt,
			GitURL:        gitURL,
			Branch:        "gt/" + slugify(a.Name),
			DefaultBranch: "main",
			EnvVars:       map[string]string{"GASTOWN_SESSION_TOKEN": token},
		})
		if err != nil {
			// Leave status idle and the already-incremented attempts
			// counter in place; the next tick retries until the
			// circuit breaker trips.
			if s.log != nil {
				s.log.Printf("dispatch: StartAgent failed for agent %s bead %s: %v", a.BeadID, b.ID, err)
			}
			continue
		}

		if err := s.agents.SetContainerProcessID(ctx, a.BeadID, resp.ProcessID); err != nil {
			return dispatched, fmt.Errorf("recording container process for %s: %w", a.BeadID, err)
		}
		if err := s.agents.UpdateAgentStatus(ctx, a.BeadID, agentstore.StatusWorking); err != nil {
			return dispatched, fmt.Errorf("marking agent %s working: %w", a.BeadID, err)
		}
		if err := s.agents.ResetDispatchAttempts(ctx, a.BeadID); err != nil {
			return dispatched, fmt.Errorf("resetting dispatch attempts for %s: %w", a.BeadID, err)
		}
		dispatched++
	}
	return dispatched, nil
}

// passCReview recovers abandoned in-progress reviews, then pops and
// starts at most one merge per tick, per spec.md §4.6.2 Pass C.
func (s *Scheduler) passCReview(ctx context.Context) (recovered int, popped int, err error) {
	recovered, err = s.queue.RecoverStuckReviews(ctx)
	if err != nil {
		return recovered, 0, fmt.Errorf("recovering stuck reviews: %w", err)
	}

	refinery, err := s.agents.GetOrCreateAgent(ctx, agentstore.RoleRefinery, "", s.townID)
	if err != nil {
		return recovered, 0, fmt.Errorf("resolving refinery agent: %w", err)
	}

	entry, err := s.queue.PopReviewQueue(ctx, refinery.BeadID)
	if err != nil {
		return recovered, 0, fmt.Errorf("popping review queue: %w", err)
	}
	if entry == nil {
		return recovered, 0, nil
	}

	token, err := s.auth.MintAgentToken(s.townID, entry.RigID, refinery.BeadID)
	if err != nil {
		return recovered, 0, fmt.Errorf("minting refinery token: %w", err)
	}
	if _, err := s.container.StartMerge(ctx, containerclient.StartMergeRequest{
		EntryID: entry.BeadID, RigID: entry.RigID, Branch: entry.Branch, TargetBranch: entry.TargetBranch,
		BeadID: entry.SourceBeadID, AgentID: refinery.BeadID,
		EnvVars: map[string]string{"GASTOWN_SESSION_TOKEN": token},
	}); err != nil {
		if _, ferr := s.queue.FailReview(ctx, entry.BeadID, refinery.BeadID, err.Error()); ferr != nil {
			return recovered, 0, fmt.Errorf("failing review after StartMerge error: %w", ferr)
		}
		return recovered, 0, nil
	}
	return recovered, 1, nil
}

// hasActiveWork reports whether a working/blocked agent, any
// in_progress bead (which includes a running review), or a pending
// (open) review remains — the condition that justifies re-arming the
// alarm. Other open beads, such as idle agent beads, do not count.
func (s *Scheduler) hasActiveWork(ctx context.Context) (bool, error) {
	for _, st := range []agentstore.Status{agentstore.StatusWorking, agentstore.StatusBlocked} {
		busy, err := s.agents.ListAgents(ctx, agentstore.ListFilter{Status: st})
		if err != nil {
			return false, err
		}
		if len(busy) > 0 {
			return true, nil
		}
	}
	pending, err := s.beads.ListBeads(ctx, beads.ListFilter{Type: beads.TypeMergeRequest, Status: beads.StatusOpen, Limit: 1})
	if err != nil {
		return false, err
	}
	if len(pending) > 0 {
		return true, nil
	}
	inProgress, err := s.beads.ListBeads(ctx, beads.ListFilter{Status: beads.StatusInProgress, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(inProgress) > 0, nil
}

// slugify lowercases name and replaces anything but letters, digits,
// and hyphens with a hyphen, for use in container branch names
// ("gt/" + slugify(agent.name)).
func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
