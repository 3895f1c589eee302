// Package town wires C1-C8 into a single Town instance: one SQLite
// store, the bead/agent repositories over it, and the subsystems built
// on top of them. One Town exists per tenant; the flock guard in
// cmd/townd ensures at most one process holds a given town's database.
package town

import (
	"context"
	"fmt"
	"log"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/auth"
	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/config"
	"github.com/steveyegge/gastown-townd/internal/containerclient"
	"github.com/steveyegge/gastown-townd/internal/mail"
	"github.com/steveyegge/gastown-townd/internal/mayor"
	"github.com/steveyegge/gastown-townd/internal/molecule"
	"github.com/steveyegge/gastown-townd/internal/mrqueue"
	"github.com/steveyegge/gastown-townd/internal/registry"
	"github.com/steveyegge/gastown-townd/internal/scheduler"
	"github.com/steveyegge/gastown-townd/internal/sling"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

// Town is one tenant's fully wired instance of the control plane.
type Town struct {
	ID string

	Store  *sqlstore.Store
	Beads  *beads.Repository
	Agents *agentstore.Repository
	Mail   *mail.Mailbox
	Molecules *molecule.Manager
	Reviews   *mrqueue.Queue
	Scheduler *scheduler.Scheduler
	Sling     *sling.Orchestrator
	Mayor     *mayor.Manager
	Config    *config.Store
	Auth      *auth.Minter
	Registry  registry.Client

	log *log.Logger
}

// Options configures New.
type Options struct {
	TownID        string
	DBPath        string
	ContainerBase string
	Registry      registry.Client
	SecretResolve auth.SecretResolver
	Logger        *log.Logger
}

// New opens the town's SQLite store and wires every component on top
// of it.
func New(opts Options) (*Town, error) {
	store, err := sqlstore.Open(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening town store: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	beadsRepo := beads.New(store)
	mailbox := mail.New(beadsRepo)
	cfgStore := config.NewStore(store)
	minter := auth.NewMinter(opts.SecretResolve)
	containerClient := containerclient.New(opts.ContainerBase)
	mayorMgr := mayor.New(store, containerClient, opts.TownID)

	// scheduler needs agents/queue, which need armer == scheduler: wire
	// agents/queue first with a nil armer, then hand the scheduler back
	// in once constructed (Go has no forward references across values,
	// so the armer is set via a small indirection instead of a cycle).
	armerSlot := &armerHolder{}
	agentsRepo := agentstore.New(store, beadsRepo, armerSlot)
	reviews := mrqueue.New(store, beadsRepo, armerSlot)
	molecules := molecule.New(beadsRepo, agentsRepo)

	sched := scheduler.New(store, beadsRepo, agentsRepo, reviews, mailbox, containerClient, minter, opts.Registry, opts.TownID, logger)
	armerSlot.set(sched)

	slingOrch := sling.New(beadsRepo, agentsRepo, reviews)

	return &Town{
		ID:        opts.TownID,
		Store:     store,
		Beads:     beadsRepo,
		Agents:    agentsRepo,
		Mail:      mailbox,
		Molecules: molecules,
		Reviews:   reviews,
		Scheduler: sched,
		Sling:     slingOrch,
		Mayor:     mayorMgr,
		Config:    cfgStore,
		Auth:      minter,
		Registry:  opts.Registry,
		log:       logger,
	}, nil
}

// Close releases the town's underlying database handle.
func (t *Town) Close() error {
	return t.Store.Close()
}

// Tick runs one reconciliation pass over the town's scheduler and
// mayor liveness cadence.
func (t *Town) Tick(ctx context.Context) error {
	if err := t.Scheduler.Tick(ctx); err != nil {
		return fmt.Errorf("town %s: scheduler tick: %w", t.ID, err)
	}
	if err := t.Mayor.Tick(ctx); err != nil {
		return fmt.Errorf("town %s: mayor tick: %w", t.ID, err)
	}
	return nil
}

// armerHolder breaks the construction cycle between agentstore/mrqueue
// (which need an Armer) and scheduler.Scheduler (which needs the
// repositories those packages expose). It forwards ArmAlarm to
// whichever Armer is set once construction completes.
type armerHolder struct {
	armer interface {
		ArmAlarm(ctx context.Context) error
	}
}

func (h *armerHolder) set(a interface {
	ArmAlarm(ctx context.Context) error
}) {
	h.armer = a
}

func (h *armerHolder) ArmAlarm(ctx context.Context) error {
	if h.armer == nil {
		return nil
	}
	return h.armer.ArmAlarm(ctx)
}
