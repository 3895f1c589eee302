// Package molecule is the C4b component: a molecule is a parent bead of
// type "molecule" chaining an ordered formula of step beads (type
// "issue", parent_bead_id = the molecule) linked by "blocks" entries in
// bead_dependencies. Current step and status are derived by walking the
// step beads rather than stored redundantly on the molecule itself.
package molecule

import (
	"context"
	"fmt"
	"sort"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/beads"
)

// Manager creates and advances molecules.
type Manager struct {
	beads  *beads.Repository
	agents *agentstore.Repository
}

// New creates a Manager over the given bead and agent repositories.
// Advancing a step is resolved from the calling agent's current hook,
// so the agent repository is a required dependency here too.
func New(beadsRepo *beads.Repository, agentsRepo *agentstore.Repository) *Manager {
	return &Manager{beads: beadsRepo, agents: agentsRepo}
}

// Status is a molecule's derived progress state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Molecule is a linear step chain derived from its bead's step children.
type Molecule struct {
	BeadID      string
	Title       string
	StepBeadIDs []string
	CurrentStep int
	Status      Status
}

// CreateMolecule creates a molecule bead plus one child step bead per
// formula entry, chains the steps with "blocks" dependency edges, and
// JSON-patches metadata.molecule_bead_id onto sourceBeadID so the
// source work item can be traced to the molecule it spawned.
func (m *Manager) CreateMolecule(ctx context.Context, sourceBeadID string, formula []string, createdBy string) (*Molecule, error) {
	if len(formula) == 0 {
		return nil, fmt.Errorf("creating molecule: at least one formula step is required")
	}

	molBead, err := m.beads.CreateBead(ctx, beads.CreateInput{
		Type:      beads.TypeMolecule,
		Title:     fmt.Sprintf("molecule: %s", formula[0]),
		CreatedBy: createdBy,
		Metadata:  map[string]any{"source_bead_id": sourceBeadID},
	})
	if err != nil {
		return nil, fmt.Errorf("creating molecule: %w", err)
	}

	stepIDs := make([]string, len(formula))
	for i, title := range formula {
		step, err := m.beads.CreateBead(ctx, beads.CreateInput{
			Type:      beads.TypeIssue,
			Title:     title,
			ParentID:  molBead.ID,
			CreatedBy: createdBy,
			Metadata:  map[string]any{"molecule_step_index": float64(i)},
		})
		if err != nil {
			return nil, fmt.Errorf("creating molecule step %d: %w", i, err)
		}
		stepIDs[i] = step.ID
		if i > 0 {
			if err := m.beads.AddDependency(ctx, step.ID, stepIDs[i-1], beads.DependencyBlocks); err != nil {
				return nil, fmt.Errorf("chaining molecule step %d: %w", i, err)
			}
		}
	}

	if err := m.beads.PatchMetadata(ctx, sourceBeadID, map[string]any{"molecule_bead_id": molBead.ID}); err != nil {
		return nil, fmt.Errorf("linking molecule to source bead %s: %w", sourceBeadID, err)
	}

	return &Molecule{BeadID: molBead.ID, Title: molBead.Title, StepBeadIDs: stepIDs, CurrentStep: 0, Status: StatusActive}, nil
}

// GetMolecule reads a molecule bead and derives its current step and
// status from its step children's bead statuses: failed if any step
// failed, completed if every step is closed, active otherwise.
func (m *Manager) GetMolecule(ctx context.Context, beadID string) (*Molecule, error) {
	molBead, err := m.beads.GetBead(ctx, beadID)
	if err != nil {
		return nil, fmt.Errorf("getting molecule: %w", err)
	}
	if molBead.Type != beads.TypeMolecule {
		return nil, fmt.Errorf("bead %s is not a molecule", beadID)
	}

	steps, err := m.orderedSteps(ctx, beadID)
	if err != nil {
		return nil, err
	}
	stepIDs := make([]string, len(steps))
	for i, s := range steps {
		stepIDs[i] = s.ID
	}
	current, status := deriveProgress(steps)

	return &Molecule{BeadID: molBead.ID, Title: molBead.Title, StepBeadIDs: stepIDs, CurrentStep: current, Status: status}, nil
}

// AdvanceMoleculeStep closes the molecule step currently hooked to
// agentBeadID, releases the agent's hook so it can be hooked to the next
// step, and, once every step is closed, closes the molecule bead
// itself. The molecule is resolved from the agent's own hook rather
// than an explicit molecule id, so the caller need only know which
// agent is reporting in. summary is accepted for parity with the
// agent-facing report call but carries no stored effect here.
func (m *Manager) AdvanceMoleculeStep(ctx context.Context, agentBeadID, summary string) (*Molecule, error) {
	hookID, err := m.agents.GetHookedBead(ctx, agentBeadID)
	if err != nil {
		return nil, fmt.Errorf("advancing molecule step: reading hook: %w", err)
	}
	if hookID == "" {
		return nil, fmt.Errorf("advancing molecule step: agent %s has no hooked bead", agentBeadID)
	}

	step, err := m.beads.GetBead(ctx, hookID)
	if err != nil {
		return nil, fmt.Errorf("advancing molecule step: %w", err)
	}
	if step.ParentBeadID == "" {
		return nil, fmt.Errorf("advancing molecule step: hooked bead %s is not a molecule step", hookID)
	}
	molBead, err := m.beads.GetBead(ctx, step.ParentBeadID)
	if err != nil {
		return nil, fmt.Errorf("advancing molecule step: loading molecule: %w", err)
	}
	if molBead.Type != beads.TypeMolecule {
		return nil, fmt.Errorf("advancing molecule step: hooked bead %s's parent is not a molecule", hookID)
	}

	if _, err := m.beads.CloseBead(ctx, hookID, agentBeadID); err != nil {
		return nil, fmt.Errorf("closing molecule step %s: %w", hookID, err)
	}
	if err := m.agents.UnhookBead(ctx, agentBeadID); err != nil {
		return nil, fmt.Errorf("advancing molecule step: unhooking: %w", err)
	}

	mol, err := m.GetMolecule(ctx, molBead.ID)
	if err != nil {
		return nil, err
	}
	if mol.Status == StatusCompleted {
		if _, err := m.beads.CloseBead(ctx, molBead.ID, agentBeadID); err != nil {
			return nil, fmt.Errorf("closing completed molecule %s: %w", molBead.ID, err)
		}
	}
	return mol, nil
}

// orderedSteps returns molBeadID's step children sorted by their
// molecule_step_index metadata (ListBeads itself only orders by
// created_at, which the formula order need not match if steps are ever
// retried or recreated).
func (m *Manager) orderedSteps(ctx context.Context, molBeadID string) ([]*beads.Bead, error) {
	children, err := m.beads.ListBeads(ctx, beads.ListFilter{Parent: molBeadID, Type: beads.TypeIssue, Limit: 1000})
	if err != nil {
		return nil, fmt.Errorf("listing molecule steps: %w", err)
	}
	sort.Slice(children, func(i, j int) bool {
		return stepIndex(children[i]) < stepIndex(children[j])
	})
	return children, nil
}

func stepIndex(b *beads.Bead) int {
	if v, ok := b.Metadata["molecule_step_index"].(float64); ok {
		return int(v)
	}
	return 0
}

func deriveProgress(steps []*beads.Bead) (current int, status Status) {
	anyFailed := false
	closed := 0
	for _, s := range steps {
		switch s.Status {
		case beads.StatusClosed:
			closed++
		case beads.StatusFailed:
			anyFailed = true
		}
	}
	status = StatusActive
	switch {
	case anyFailed:
		status = StatusFailed
	case len(steps) > 0 && closed == len(steps):
		status = StatusCompleted
	}
	return closed, status
}
