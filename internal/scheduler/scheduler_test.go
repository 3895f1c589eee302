package scheduler_test

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steveyegge/gastown-townd/internal/agentstore"
	"github.com/steveyegge/gastown-townd/internal/auth"
	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/containerclient"
	"github.com/steveyegge/gastown-townd/internal/mail"
	"github.com/steveyegge/gastown-townd/internal/mrqueue"
	"github.com/steveyegge/gastown-townd/internal/scheduler"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

func newTestScheduler(t *testing.T, runtimeURL string) (*scheduler.Scheduler, *beads.Repository, *agentstore.Repository) {
	t.Helper()
	store, err := sqlstore.OpenMemory()
	if err != nil {
		t.Fatalf("opening memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	beadsRepo := beads.New(store)
	agentsRepo := agentstore.New(store, beadsRepo, nil)
	queue := mrqueue.New(store, beadsRepo, nil)
	mailbox := mail.New(beadsRepo)
	minter := auth.NewMinter(func(string) ([]byte, error) { return []byte("test-secret"), nil })
	container := containerclient.New(runtimeURL)
	logger := log.New(io.Discard, "", 0)
	return scheduler.New(store, beadsRepo, agentsRepo, queue, mailbox, container, minter, nil, "town-1", logger), beadsRepo, agentsRepo
}

func fakeRuntime(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/agents/start":
			_ = json.NewEncoder(w).Encode(containerclient.StartAgentResponse{ProcessID: "proc-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestArmAlarmIsIdempotentAndMovesEarlierOnly(t *testing.T) {
	srv := fakeRuntime(t)
	defer srv.Close()
	sched, _, _ := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	if err := sched.ArmAlarm(ctx); err != nil {
		t.Fatalf("ArmAlarm: %v", err)
	}
	first, err := sched.NextFireAt(ctx)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if first.IsZero() {
		t.Fatal("expected an armed alarm")
	}

	if err := sched.ArmAlarm(ctx); err != nil {
		t.Fatalf("ArmAlarm (second call): %v", err)
	}
	second, err := sched.NextFireAt(ctx)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if !second.Equal(first) {
		t.Errorf("second arm moved fire time from %v to %v, want unchanged", first, second)
	}
}

func TestTickDisarmsWhenNoActiveWork(t *testing.T) {
	srv := fakeRuntime(t)
	defer srv.Close()
	sched, _, _ := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	if err := sched.ArmAlarm(ctx); err != nil {
		t.Fatalf("ArmAlarm: %v", err)
	}
	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	fireAt, err := sched.NextFireAt(ctx)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if !fireAt.IsZero() {
		t.Errorf("alarm still armed at %v after tick with no active work", fireAt)
	}
}

// TestTickDispatchesHookedIdleAgent mirrors S1: a polecat is hooked to
// a bead (by HookBead, as Sling would do) while still idle; one tick
// should start its container and flip it to working.
func TestTickDispatchesHookedIdleAgent(t *testing.T) {
	srv := fakeRuntime(t)
	defer srv.Close()
	sched, beadsRepo, agentsRepo := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	agent, err := agentsRepo.RegisterAgent(ctx, agentstore.RegisterInput{
		Role: agentstore.RolePolecat, Identity: "id-1", RigID: "rig-1", Name: "Toast",
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	b, err := beadsRepo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "do work", RigID: "rig-1"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if err := agentsRepo.HookBead(ctx, agent.BeadID, b.ID); err != nil {
		t.Fatalf("HookBead: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	gotAgent, err := agentsRepo.GetAgent(ctx, agent.BeadID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAgent.Status != agentstore.StatusWorking {
		t.Errorf("agent status = %q, want working after successful dispatch", gotAgent.Status)
	}
	if gotAgent.ContainerProcessID != "proc-1" {
		t.Errorf("ContainerProcessID = %q, want proc-1", gotAgent.ContainerProcessID)
	}

	fireAt, err := sched.NextFireAt(ctx)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if fireAt.IsZero() {
		t.Error("alarm should re-arm while a hooked bead remains in_progress")
	}
}

// TestCircuitBreakerTripsAfterMaxDispatchAttempts mirrors S2: a
// container runtime that always fails StartAgent should eventually
// fail the bead and release the agent's hook rather than retry forever.
func TestCircuitBreakerTripsAfterMaxDispatchAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	sched, beadsRepo, agentsRepo := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	agent, err := agentsRepo.RegisterAgent(ctx, agentstore.RegisterInput{
		Role: agentstore.RolePolecat, Identity: "id-1", RigID: "rig-1", Name: "Toast",
	})
	if err != nil {
		t.Fatalf("RegisterAgent: %v", err)
	}
	b, err := beadsRepo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "do work", RigID: "rig-1"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if err := agentsRepo.HookBead(ctx, agent.BeadID, b.ID); err != nil {
		t.Fatalf("HookBead: %v", err)
	}

	for i := 0; i < scheduler.MaxDispatchAttempts+1; i++ {
		if err := sched.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}

	gotBead, err := beadsRepo.GetBead(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBead: %v", err)
	}
	if gotBead.Status != beads.StatusFailed {
		t.Errorf("bead status = %q, want failed after circuit breaker trip", gotBead.Status)
	}
	gotAgent, err := agentsRepo.GetAgent(ctx, agent.BeadID)
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if gotAgent.CurrentHookBeadID != "" {
		t.Errorf("agent should be unhooked after circuit breaker trip, still holds %q", gotAgent.CurrentHookBeadID)
	}
	if gotAgent.Status != agentstore.StatusIdle {
		t.Errorf("agent status = %q, want idle after circuit breaker trip", gotAgent.Status)
	}
}

func TestTickDoesNotReArmWhenAllWorkClosed(t *testing.T) {
	srv := fakeRuntime(t)
	defer srv.Close()
	sched, beadsRepo, _ := newTestScheduler(t, srv.URL)
	ctx := context.Background()

	b, err := beadsRepo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "closed already"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if _, err := beadsRepo.CloseBead(ctx, b.ID, ""); err != nil {
		t.Fatalf("CloseBead: %v", err)
	}

	if err := sched.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	fireAt, err := sched.NextFireAt(ctx)
	if err != nil {
		t.Fatalf("NextFireAt: %v", err)
	}
	if !fireAt.IsZero() {
		t.Error("alarm should stay disarmed when no active work exists")
	}
}

func TestStaleThresholdConstantsAreSane(t *testing.T) {
	if scheduler.GUPPThreshold <= scheduler.StaleThreshold {
		t.Error("GUPPThreshold should exceed StaleThreshold so an agent counts as stale before it is sent a GUPP_CHECK")
	}
	if scheduler.ArmDelay <= 0 || scheduler.ArmDelay > time.Minute {
		t.Errorf("ArmDelay = %v, expected a short positive delay", scheduler.ArmDelay)
	}
	if scheduler.MaxDispatchAttempts != 5 {
		t.Errorf("MaxDispatchAttempts = %d, want 5 per spec", scheduler.MaxDispatchAttempts)
	}
}
