// Package registry defines the narrow interface town-core uses to
// reach the external user/town/rig registry. The registry itself
// (accounts, billing, rig provisioning) lives outside this module's
// scope (spec.md §1 Non-goals); town-core only ever needs to look rigs
// up, never to mutate them.
package registry

import "context"

// Rig describes a rig as the registry reports it.
type Rig struct {
	ID      string
	TownID  string
	Name    string
	GitURL  string
	Default bool
}

// Client is implemented by whatever transport reaches the external
// registry; town-core code depends only on this interface so it can be
// faked in tests without spinning up the registry itself.
type Client interface {
	ListRigs(ctx context.Context, townID string) ([]Rig, error)
	GetRig(ctx context.Context, rigID string) (*Rig, error)
}
