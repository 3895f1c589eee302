package beads_test

import (
	"context"
	"testing"

	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

func newRepo(t *testing.T) *beads.Repository {
	t.Helper()
	store, err := sqlstore.OpenMemory()
	if err != nil {
		t.Fatalf("opening memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return beads.New(store)
}

func TestCreateAndGetBead(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	b, err := repo.CreateBead(ctx, beads.CreateInput{
		Type:  beads.TypeIssue,
		Title: "fix the thing",
	})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if b.Status != beads.StatusOpen {
		t.Errorf("new bead status = %q, want %q", b.Status, beads.StatusOpen)
	}
	if b.Priority != beads.PriorityMedium {
		t.Errorf("new bead priority = %q, want %q", b.Priority, beads.PriorityMedium)
	}

	got, err := repo.GetBead(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBead: %v", err)
	}
	if got.Title != "fix the thing" {
		t.Errorf("got.Title = %q, want %q", got.Title, "fix the thing")
	}
}

func TestGetBeadNotFound(t *testing.T) {
	repo := newRepo(t)
	if _, err := repo.GetBead(context.Background(), "does-not-exist"); err != beads.ErrNotFound {
		t.Errorf("GetBead on missing id: got %v, want ErrNotFound", err)
	}
}

func TestUpdateBeadStatusClosesAndStampsClosedAt(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	b, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "x"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}

	closed, err := repo.CloseBead(ctx, b.ID, "agent-1")
	if err != nil {
		t.Fatalf("CloseBead: %v", err)
	}
	if closed.Status != beads.StatusClosed {
		t.Errorf("status = %q, want closed", closed.Status)
	}
	if closed.ClosedAt == nil {
		t.Error("ClosedAt is nil after closing")
	}

	reopened, err := repo.UpdateBeadStatus(ctx, b.ID, beads.StatusOpen, "agent-1")
	if err != nil {
		t.Fatalf("UpdateBeadStatus: %v", err)
	}
	if reopened.ClosedAt != nil {
		t.Error("ClosedAt should be cleared after reopening")
	}
}

func TestListBeadsFiltersByStatusAndType(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	open, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "open one"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	closed, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "closed one"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if _, err := repo.CloseBead(ctx, closed.ID, ""); err != nil {
		t.Fatalf("CloseBead: %v", err)
	}
	if _, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeMessage, Title: "a message"}); err != nil {
		t.Fatalf("CreateBead: %v", err)
	}

	got, err := repo.ListBeads(ctx, beads.ListFilter{Status: beads.StatusOpen, Type: beads.TypeIssue})
	if err != nil {
		t.Fatalf("ListBeads: %v", err)
	}
	if len(got) != 1 || got[0].ID != open.ID {
		t.Errorf("ListBeads(open, issue) = %v, want only %s", got, open.ID)
	}
}

func TestCreateBeadAssigneeIsFilterable(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	mine, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeMessage, Title: "for me", Assignee: "agent-a"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if mine.AssigneeAgentBeadID != "agent-a" {
		t.Errorf("AssigneeAgentBeadID = %q, want agent-a", mine.AssigneeAgentBeadID)
	}
	if _, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeMessage, Title: "for someone else", Assignee: "agent-b"}); err != nil {
		t.Fatalf("CreateBead: %v", err)
	}

	got, err := repo.ListBeads(ctx, beads.ListFilter{Type: beads.TypeMessage, Assignee: "agent-a"})
	if err != nil {
		t.Fatalf("ListBeads: %v", err)
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Errorf("ListBeads(assignee=agent-a) = %v, want only %s", got, mine.ID)
	}
}

func TestDeleteBeadCascadesToChildren(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	parent, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "parent"})
	if err != nil {
		t.Fatalf("CreateBead parent: %v", err)
	}
	child, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "child", ParentID: parent.ID})
	if err != nil {
		t.Fatalf("CreateBead child: %v", err)
	}

	if err := repo.DeleteBead(ctx, parent.ID); err != nil {
		t.Fatalf("DeleteBead: %v", err)
	}

	if _, err := repo.GetBead(ctx, parent.ID); err != beads.ErrNotFound {
		t.Errorf("parent should be gone, got err=%v", err)
	}
	if _, err := repo.GetBead(ctx, child.ID); err != beads.ErrNotFound {
		t.Errorf("child should cascade-delete, got err=%v", err)
	}
}

func TestDeleteBeadIsIdempotent(t *testing.T) {
	repo := newRepo(t)
	if err := repo.DeleteBead(context.Background(), "never-existed"); err != nil {
		t.Errorf("deleting an absent bead should be a no-op, got %v", err)
	}
}

func TestBeadEventsRecordedInOrder(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	b, err := repo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "x"})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if _, err := repo.UpdateBeadStatus(ctx, b.ID, beads.StatusInProgress, "agent-1"); err != nil {
		t.Fatalf("UpdateBeadStatus: %v", err)
	}
	if _, err := repo.CloseBead(ctx, b.ID, "agent-1"); err != nil {
		t.Fatalf("CloseBead: %v", err)
	}

	events, err := repo.ListBeadEvents(ctx, beads.ListEventsFilter{BeadID: b.ID})
	if err != nil {
		t.Fatalf("ListBeadEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	// ListBeadEvents orders created_at DESC, so the most recent event (the
	// second status_changed, to closed) comes first.
	if events[0].EventType != beads.EventStatusChanged || events[0].NewValue != string(beads.StatusClosed) {
		t.Errorf("most recent event = %+v, want status_changed -> closed", events[0])
	}
	if events[len(events)-1].EventType != beads.EventCreated {
		t.Errorf("oldest event = %+v, want created", events[len(events)-1])
	}
}

func TestPatchMetadataMergesKeys(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	b, err := repo.CreateBead(ctx, beads.CreateInput{
		Type: beads.TypeIssue, Title: "x", Metadata: map[string]any{"a": "1"},
	})
	if err != nil {
		t.Fatalf("CreateBead: %v", err)
	}
	if err := repo.PatchMetadata(ctx, b.ID, map[string]any{"b": "2"}); err != nil {
		t.Fatalf("PatchMetadata: %v", err)
	}

	got, err := repo.GetBead(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBead: %v", err)
	}
	if got.Metadata["a"] != "1" || got.Metadata["b"] != "2" {
		t.Errorf("metadata = %v, want a=1 b=2", got.Metadata)
	}
}
