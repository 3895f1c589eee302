// Package sling is the C7 component: SlingBead creates a bead and
// immediately assigns it to an agent in one orchestrated operation,
// avoiding the time-of-check-to-time-of-use gap between "create the
// bead" and "hook an agent to it" that a caller doing both steps
// itself would be exposed to.
package sling

import (
	"context"
	"fmt"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/mrqueue"
)

// Orchestrator slings beads onto agents and carries the two other
// agent-lifecycle operations that cut across beads, agents, and the
// review queue: AgentDone (self-reported completion) and
// AgentCompleted (the container runtime's own completion callback).
type Orchestrator struct {
	beads  *beads.Repository
	agents *agentstore.Repository
	queue  *mrqueue.Queue
}

// New creates an Orchestrator over the given repositories.
func New(beadsRepo *beads.Repository, agentsRepo *agentstore.Repository, queue *mrqueue.Queue) *Orchestrator {
	return &Orchestrator{beads: beadsRepo, agents: agentsRepo, queue: queue}
}

// Result is the outcome of a successful SlingBead.
type Result struct {
	Bead  *beads.Bead
	Agent *agentstore.Agent
}

// SlingBead creates a bead from in, obtains (or reuses) an agent of
// role for rigID, hooks the agent to the new bead, and returns both
// freshly re-read from storage so the caller sees the post-hook state
// (assignee, status) rather than the pre-hook snapshot.
func (o *Orchestrator) SlingBead(ctx context.Context, in beads.CreateInput, role agentstore.Role, townID string) (*Result, error) {
	b, err := o.beads.CreateBead(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("slinging bead: creating bead: %w", err)
	}

	agent, err := o.agents.GetOrCreateAgent(ctx, role, in.RigID, townID)
	if err != nil {
		return nil, fmt.Errorf("slinging bead: resolving agent: %w", err)
	}

	if err := o.agents.HookBead(ctx, agent.BeadID, b.ID); err != nil {
		return nil, fmt.Errorf("slinging bead: hooking agent: %w", err)
	}

	b, err = o.beads.GetBead(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("slinging bead: re-reading bead: %w", err)
	}
	agent, err = o.agents.GetAgent(ctx, agent.BeadID)
	if err != nil {
		return nil, fmt.Errorf("slinging bead: re-reading agent: %w", err)
	}

	return &Result{Bead: b, Agent: agent}, nil
}

// AgentDone reports that agentBeadID has finished its hooked bead and
// is ready for review: submits the work to the review queue and
// releases the hook. Distinct from AgentCompleted, which is the
// container runtime's own exit callback rather than a self-report.
func (o *Orchestrator) AgentDone(ctx context.Context, agentBeadID, branch, targetBranch string) (*mrqueue.Entry, error) {
	hookID, err := o.agents.GetHookedBead(ctx, agentBeadID)
	if err != nil {
		return nil, fmt.Errorf("agent done: reading hook: %w", err)
	}
	if hookID == "" {
		return nil, fmt.Errorf("agent done: %s has no hooked bead", agentBeadID)
	}

	entry, err := o.queue.SubmitToReviewQueue(ctx, agentBeadID, hookID, branch, targetBranch)
	if err != nil {
		return nil, fmt.Errorf("agent done: submitting to review: %w", err)
	}
	if err := o.agents.UnhookBead(ctx, agentBeadID); err != nil {
		return nil, fmt.Errorf("agent done: unhooking: %w", err)
	}
	return entry, nil
}

// AgentCompleted is the container runtime's completion callback: it
// closes the agent's hooked bead (closed on "completed", failed on
// any other status) and unhooks. UnhookBead already returns the agent
// to idle and resets dispatch_attempts.
func (o *Orchestrator) AgentCompleted(ctx context.Context, agentBeadID, status, reason string) error {
	hookID, err := o.agents.GetHookedBead(ctx, agentBeadID)
	if err != nil {
		return fmt.Errorf("agent completed: reading hook: %w", err)
	}
	if hookID != "" {
		if status == "completed" {
			if _, err := o.beads.CloseBead(ctx, hookID, agentBeadID); err != nil {
				return fmt.Errorf("agent completed: closing bead: %w", err)
			}
		} else {
			if _, err := o.beads.UpdateBeadStatus(ctx, hookID, beads.StatusFailed, agentBeadID); err != nil {
				return fmt.Errorf("agent completed: failing bead: %w", err)
			}
		}
	}
	if err := o.agents.UnhookBead(ctx, agentBeadID); err != nil {
		return fmt.Errorf("agent completed: unhooking: %w", err)
	}
	return nil
}
