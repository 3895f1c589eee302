// Package mrqueue is the C4c component: the review queue. Each entry
// is a bead of type "merge_request" with a review_metadata satellite.
// Bead status maps onto queue state: open -> pending, in_progress ->
// running, closed -> merged, failed -> failed (spec.md §4.4).
//
// The teacher stores merge requests as JSON files under .beads/mq/; we
// instead persist them as beads with a SQL satellite, in keeping with
// the rest of the town core's storage model (see DESIGN.md).
package mrqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/gastown-townd/internal/beads"
)

// reviewRunningTimeout is how long an entry may sit in_progress before
// RecoverStuckReviews resets it to pending.
const reviewRunningTimeout = 5 * time.Minute

// Armer mirrors agentstore.Armer; defined locally per consumer-owned
// interface convention to avoid importing internal/scheduler.
type Armer interface {
	ArmAlarm(ctx context.Context) error
}

type db interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Entry is one review queue item.
type Entry struct {
	BeadID       string
	RigID        string
	Branch       string
	TargetBranch string
	MergeCommit  string
	PRURL        string
	RetryCount   int
	Status       beads.Status
	AgentBeadID  string
	SourceBeadID string
	UpdatedAt    time.Time
}

// Queue implements the review queue over a bead repository and its
// review_metadata satellite.
type Queue struct {
	db    db
	beads *beads.Repository
	armer Armer
}

// New creates a Queue. armer may be nil in tests.
func New(database db, beadsRepo *beads.Repository, armer Armer) *Queue {
	return &Queue{db: database, beads: beadsRepo, armer: armer}
}

// SubmitToReviewQueue creates a pending merge_request bead and its
// review_metadata row, recording sourceBeadID (the work-item bead the
// merge resolves) in metadata.source_bead_id so CompleteReview's merged
// path can close it back out, then arms the town alarm so pass C picks
// the entry up.
func (q *Queue) SubmitToReviewQueue(ctx context.Context, agentBeadID, sourceBeadID, branch, targetBranch string) (*Entry, error) {
	if targetBranch == "" {
		targetBranch = "main"
	}
	b, err := q.beads.CreateBead(ctx, beads.CreateInput{
		Type:      beads.TypeMergeRequest,
		Title:     fmt.Sprintf("merge %s -> %s", branch, targetBranch),
		CreatedBy: agentBeadID,
		Metadata:  map[string]any{"source_bead_id": sourceBeadID},
	})
	if err != nil {
		return nil, fmt.Errorf("submitting review: %w", err)
	}
	if _, err := q.db.Exec(ctx, `
		INSERT INTO review_metadata (bead_id, branch, target_branch) VALUES (?,?,?)`,
		b.ID, branch, targetBranch); err != nil {
		return nil, fmt.Errorf("inserting review metadata: %w", err)
	}
	if err := q.beads.LogBeadEvent(ctx, b.ID, agentBeadID, beads.EventReviewSubmitted, "", branch, nil); err != nil {
		return nil, fmt.Errorf("logging review_submitted event: %w", err)
	}
	if q.armer != nil {
		if err := q.armer.ArmAlarm(ctx); err != nil {
			return nil, fmt.Errorf("arming alarm after submit: %w", err)
		}
	}
	return &Entry{BeadID: b.ID, Branch: branch, TargetBranch: targetBranch, Status: beads.StatusOpen, AgentBeadID: agentBeadID, SourceBeadID: sourceBeadID}, nil
}

// PopReviewQueue atomically claims the oldest pending entry, marking it
// in_progress (running), or returns nil if the queue is empty.
func (q *Queue) PopReviewQueue(ctx context.Context, reviewerAgentBeadID string) (*Entry, error) {
	var id string
	err := q.db.QueryRow(ctx, `
		SELECT bead_id FROM beads WHERE type = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		string(beads.TypeMergeRequest), string(beads.StatusOpen)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing pending reviews: %w", err)
	}
	if _, err := q.beads.UpdateBeadStatus(ctx, id, beads.StatusInProgress, reviewerAgentBeadID); err != nil {
		return nil, fmt.Errorf("claiming review: %w", err)
	}
	return q.entryFor(ctx, id)
}

// CompleteReview marks an entry merged (closed), stamps its merge
// commit and PR URL, and closes the source bead referenced in
// metadata.source_bead_id, if any, so the original work item doesn't
// stay in_progress forever after a successful merge.
func (q *Queue) CompleteReview(ctx context.Context, beadID, agentBeadID, mergeCommit, prURL string) (*Entry, error) {
	if _, err := q.db.Exec(ctx, `UPDATE review_metadata SET merge_commit = ?, pr_url = ? WHERE bead_id = ?`, mergeCommit, prURL, beadID); err != nil {
		return nil, fmt.Errorf("stamping review result: %w", err)
	}
	b, err := q.beads.GetBead(ctx, beadID)
	if err != nil {
		return nil, fmt.Errorf("loading review before completing: %w", err)
	}
	if _, err := q.beads.CloseBead(ctx, beadID, agentBeadID); err != nil {
		return nil, fmt.Errorf("closing merged review: %w", err)
	}
	if err := q.beads.LogBeadEvent(ctx, beadID, agentBeadID, beads.EventReviewCompleted, "", "merged", nil); err != nil {
		return nil, fmt.Errorf("logging review_completed event: %w", err)
	}
	if sourceBeadID, _ := b.Metadata["source_bead_id"].(string); sourceBeadID != "" {
		if _, err := q.beads.CloseBead(ctx, sourceBeadID, agentBeadID); err != nil {
			return nil, fmt.Errorf("closing source bead %s after merge: %w", sourceBeadID, err)
		}
	}
	return q.entryFor(ctx, beadID)
}

// CompleteReviewWithResult completes a review with an explicit outcome.
// A "conflict" outcome fails the review and raises an escalation bead
// parented to the source work item (not the merge_request) instead of
// silently retrying.
func (q *Queue) CompleteReviewWithResult(ctx context.Context, beadID, agentBeadID, outcome, detail string) (*Entry, error) {
	switch outcome {
	case "merged":
		return q.CompleteReview(ctx, beadID, agentBeadID, detail, "")
	case "conflict":
		before, err := q.entryFor(ctx, beadID)
		if err != nil {
			return nil, fmt.Errorf("loading review before failing: %w", err)
		}
		if _, err := q.beads.UpdateBeadStatus(ctx, beadID, beads.StatusFailed, agentBeadID); err != nil {
			return nil, fmt.Errorf("failing conflicted review: %w", err)
		}
		esc, err := q.beads.CreateBead(ctx, beads.CreateInput{
			Type:      beads.TypeEscalation,
			Title:     fmt.Sprintf("Merge conflict: %s", detail),
			Body:      detail,
			ParentID:  before.SourceBeadID,
			Priority:  beads.PriorityHigh,
			CreatedBy: agentBeadID,
			Metadata: map[string]any{
				"source_bead_id": before.SourceBeadID,
				"conflict":       true,
				"branch":         before.Branch,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("raising conflict escalation: %w", err)
		}
		if _, err := q.db.Exec(ctx, `
			INSERT INTO escalation_metadata (bead_id, severity, category) VALUES (?,?,?)`,
			esc.ID, string(beads.PriorityHigh), "merge_conflict"); err != nil {
			return nil, fmt.Errorf("inserting escalation metadata: %w", err)
		}
		if err := q.beads.LogBeadEvent(ctx, beadID, agentBeadID, beads.EventEscalated, "", esc.ID, nil); err != nil {
			return nil, fmt.Errorf("logging escalated event: %w", err)
		}
		return q.entryFor(ctx, beadID)
	default:
		return nil, fmt.Errorf("unknown review outcome %q", outcome)
	}
}

// RecoverStuckReviews resets any in_progress entry older than
// reviewRunningTimeout back to pending, so a crashed reviewer doesn't
// strand work forever.
func (q *Queue) RecoverStuckReviews(ctx context.Context) (int, error) {
	running, err := q.beads.ListBeads(ctx, beads.ListFilter{
		Type: beads.TypeMergeRequest, Status: beads.StatusInProgress, Limit: 1000,
	})
	if err != nil {
		return 0, fmt.Errorf("listing running reviews: %w", err)
	}
	cutoff := time.Now().UTC().Add(-reviewRunningTimeout)
	recovered := 0
	for _, b := range running {
		if b.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := q.beads.UpdateBeadStatus(ctx, b.ID, beads.StatusOpen, ""); err != nil {
			return recovered, fmt.Errorf("recovering stuck review %s: %w", b.ID, err)
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) entryFor(ctx context.Context, beadID string) (*Entry, error) {
	b, err := q.beads.GetBead(ctx, beadID)
	if err != nil {
		return nil, err
	}
	row := q.db.QueryRow(ctx, `SELECT branch, target_branch, merge_commit, pr_url, retry_count FROM review_metadata WHERE bead_id = ?`, beadID)
	var branch, target string
	var mergeCommit, prURL sql.NullString
	var retryCount int
	if err := row.Scan(&branch, &target, &mergeCommit, &prURL, &retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("review metadata missing for %s", beadID)
		}
		return nil, err
	}
	sourceBeadID, _ := b.Metadata["source_bead_id"].(string)
	return &Entry{
		BeadID: b.ID, RigID: b.RigID, Branch: branch, TargetBranch: target,
		MergeCommit: mergeCommit.String, PRURL: prURL.String, RetryCount: retryCount,
		Status: b.Status, AgentBeadID: b.AssigneeAgentBeadID, SourceBeadID: sourceBeadID, UpdatedAt: b.UpdatedAt,
	}, nil
}

// FailReview marks entry beadID failed without raising an escalation,
// used by the scheduler's Pass C when StartMerge itself could not be
// reached (distinct from a reported merge conflict, see
// CompleteReviewWithResult).
func (q *Queue) FailReview(ctx context.Context, beadID, agentBeadID, reason string) (*Entry, error) {
	if _, err := q.beads.UpdateBeadStatus(ctx, beadID, beads.StatusFailed, agentBeadID); err != nil {
		return nil, fmt.Errorf("failing review: %w", err)
	}
	if err := q.beads.LogBeadEvent(ctx, beadID, agentBeadID, beads.EventReviewCompleted, "", "failed: "+reason, nil); err != nil {
		return nil, fmt.Errorf("logging review failure: %w", err)
	}
	return q.entryFor(ctx, beadID)
}
