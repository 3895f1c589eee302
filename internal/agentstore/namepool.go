package agentstore

import (
	"context"
	"fmt"
)

// shortID returns the first 8 characters of id, or id itself if shorter,
// matching the "<rigId[:8]>@<townId[:8]>" identity scheme.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// polecatNames is the fixed pool of polecat names, assigned in order;
// once exhausted, AllocatePolecatName falls back to "Polecat-N".
var polecatNames = []string{
	"Ringtail", "Sagebrush", "Dustdevil", "Mesquite", "Coyote",
	"Tumbleweed", "Prickly", "Badger", "Roadrunner", "Yucca",
	"Cholla", "Javelina", "Ocotillo", "Creosote", "Saguaro",
	"Gila", "Mirage", "Arroyo", "Caldera", "Switchback",
}

// AllocatePolecatName returns the next unused name from the fixed pool,
// or "Polecat-N" once the pool is exhausted. The pool is town-global:
// a name taken by a polecat on one rig is unavailable on every other
// rig in the same town.
func (r *Repository) AllocatePolecatName(ctx context.Context) (string, error) {
	existing, err := r.ListAgents(ctx, ListFilter{Role: RolePolecat})
	if err != nil {
		return "", fmt.Errorf("listing existing polecats: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, a := range existing {
		taken[a.Name] = true
	}
	for _, name := range polecatNames {
		if !taken[name] {
			return name, nil
		}
	}
	return fmt.Sprintf("Polecat-%d", len(existing)+1), nil
}

// GetOrCreateAgent returns the existing singleton agent for role
// (witness, refinery, mayor always have at most one live instance per
// town, never per rig) or registers a new one. Polecats are not
// singletons: an idle, currently-unhooked polecat on rigID is reused
// if one exists, otherwise a new one is registered with a freshly
// allocated name. A newly registered agent's identity is
// "<name>-<role>-<rigId[:8]>@<townId[:8]>".
func (r *Repository) GetOrCreateAgent(ctx context.Context, role Role, rigID, townID string) (*Agent, error) {
	switch role {
	case RoleWitness, RoleRefinery, RoleMayor:
		existing, err := r.ListAgents(ctx, ListFilter{Role: role})
		if err != nil {
			return nil, fmt.Errorf("listing singleton agents: %w", err)
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
		name := string(role)
		identity := fmt.Sprintf("%s-%s-%s@%s", name, role, shortID(rigID), shortID(townID))
		return r.RegisterAgent(ctx, RegisterInput{Role: role, Identity: identity, Name: name})

	case RolePolecat:
		idle, err := r.ListAgents(ctx, ListFilter{Role: RolePolecat, Status: StatusIdle, RigID: rigID})
		if err != nil {
			return nil, fmt.Errorf("listing idle polecats: %w", err)
		}
		for _, a := range idle {
			if a.CurrentHookBeadID == "" {
				return a, nil
			}
		}
		name, err := r.AllocatePolecatName(ctx)
		if err != nil {
			return nil, err
		}
		identity := fmt.Sprintf("%s-%s-%s@%s", name, role, shortID(rigID), shortID(townID))
		return r.RegisterAgent(ctx, RegisterInput{Role: RolePolecat, Identity: identity, RigID: rigID, Name: name})

	default:
		return nil, fmt.Errorf("unknown agent role %q", role)
	}
}
