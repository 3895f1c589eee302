package mrqueue_test

import (
	"context"
	"testing"

	"github.com/steveyegge/gastown-townd/internal/beads"
	"github.com/steveyegge/gastown-townd/internal/mrqueue"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

func newQueue(t *testing.T) (*mrqueue.Queue, *beads.Repository) {
	t.Helper()
	store, err := sqlstore.OpenMemory()
	if err != nil {
		t.Fatalf("opening memory store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	beadsRepo := beads.New(store)
	return mrqueue.New(store, beadsRepo, nil), beadsRepo
}

func newSourceBead(t *testing.T, ctx context.Context, beadsRepo *beads.Repository) *beads.Bead {
	t.Helper()
	b, err := beadsRepo.CreateBead(ctx, beads.CreateInput{Type: beads.TypeIssue, Title: "ship it"})
	if err != nil {
		t.Fatalf("CreateBead (source): %v", err)
	}
	return b
}

func TestSubmitAndPopReviewQueue(t *testing.T) {
	queue, beadsRepo := newQueue(t)
	ctx := context.Background()
	source := newSourceBead(t, ctx, beadsRepo)

	entry, err := queue.SubmitToReviewQueue(ctx, "agent-1", source.ID, "feature/x", "")
	if err != nil {
		t.Fatalf("SubmitToReviewQueue: %v", err)
	}
	if entry.TargetBranch != "main" {
		t.Errorf("default target branch = %q, want main", entry.TargetBranch)
	}
	if entry.Status != beads.StatusOpen {
		t.Errorf("submitted entry status = %q, want open (pending)", entry.Status)
	}
	if entry.SourceBeadID != source.ID {
		t.Errorf("SourceBeadID = %q, want %q", entry.SourceBeadID, source.ID)
	}

	popped, err := queue.PopReviewQueue(ctx, "reviewer-1")
	if err != nil {
		t.Fatalf("PopReviewQueue: %v", err)
	}
	if popped == nil {
		t.Fatal("PopReviewQueue returned nil, want the submitted entry")
	}
	if popped.BeadID != entry.BeadID {
		t.Errorf("popped %s, want %s", popped.BeadID, entry.BeadID)
	}
	if popped.Status != beads.StatusInProgress {
		t.Errorf("popped entry status = %q, want in_progress (running)", popped.Status)
	}
}

func TestPopReviewQueueEmptyReturnsNil(t *testing.T) {
	queue, _ := newQueue(t)
	popped, err := queue.PopReviewQueue(context.Background(), "reviewer-1")
	if err != nil {
		t.Fatalf("PopReviewQueue: %v", err)
	}
	if popped != nil {
		t.Errorf("expected nil on empty queue, got %+v", popped)
	}
}

func TestCompleteReviewMarksMergedAndClosesSourceBead(t *testing.T) {
	queue, beadsRepo := newQueue(t)
	ctx := context.Background()
	source := newSourceBead(t, ctx, beadsRepo)

	entry, err := queue.SubmitToReviewQueue(ctx, "agent-1", source.ID, "feature/x", "main")
	if err != nil {
		t.Fatalf("SubmitToReviewQueue: %v", err)
	}
	if _, err := queue.PopReviewQueue(ctx, "reviewer-1"); err != nil {
		t.Fatalf("PopReviewQueue: %v", err)
	}

	done, err := queue.CompleteReview(ctx, entry.BeadID, "reviewer-1", "abc123", "https://example.com/pr/1")
	if err != nil {
		t.Fatalf("CompleteReview: %v", err)
	}
	if done.Status != beads.StatusClosed {
		t.Errorf("completed entry status = %q, want closed (merged)", done.Status)
	}
	if done.MergeCommit != "abc123" {
		t.Errorf("merge commit = %q, want abc123", done.MergeCommit)
	}

	refreshedSource, err := beadsRepo.GetBead(ctx, source.ID)
	if err != nil {
		t.Fatalf("GetBead (source): %v", err)
	}
	if refreshedSource.Status != beads.StatusClosed {
		t.Errorf("source bead status = %q, want closed after merge", refreshedSource.Status)
	}
}

func TestCompleteReviewWithConflictRaisesEscalationOnSourceBead(t *testing.T) {
	queue, beadsRepo := newQueue(t)
	ctx := context.Background()
	source := newSourceBead(t, ctx, beadsRepo)

	entry, err := queue.SubmitToReviewQueue(ctx, "agent-1", source.ID, "feature/x", "main")
	if err != nil {
		t.Fatalf("SubmitToReviewQueue: %v", err)
	}

	result, err := queue.CompleteReviewWithResult(ctx, entry.BeadID, "reviewer-1", "conflict", "merge conflict in foo.go")
	if err != nil {
		t.Fatalf("CompleteReviewWithResult: %v", err)
	}
	if result.Status != beads.StatusFailed {
		t.Errorf("conflicted review status = %q, want failed", result.Status)
	}

	children, err := beadsRepo.ListBeads(ctx, beads.ListFilter{Type: beads.TypeEscalation, Parent: source.ID})
	if err != nil {
		t.Fatalf("ListBeads(escalations): %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("got %d escalation beads parented to the source bead, want 1", len(children))
	}
	esc := children[0]
	if esc.Title != "Merge conflict: merge conflict in foo.go" {
		t.Errorf("escalation title = %q, want %q", esc.Title, "Merge conflict: merge conflict in foo.go")
	}
	if esc.Metadata["source_bead_id"] != source.ID {
		t.Errorf("escalation metadata.source_bead_id = %v, want %q", esc.Metadata["source_bead_id"], source.ID)
	}
	if esc.Metadata["conflict"] != true {
		t.Errorf("escalation metadata.conflict = %v, want true", esc.Metadata["conflict"])
	}
	if esc.Metadata["branch"] != "feature/x" {
		t.Errorf("escalation metadata.branch = %v, want feature/x", esc.Metadata["branch"])
	}
}
