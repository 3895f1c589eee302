// Package beads is the C2 component: bead CRUD, the event log, the
// dependency graph, and satellite metadata. Agents (package
// agentstore), mail, molecules, and the review queue are all modeled
// as beads with a type-specific satellite row; this package owns the
// bead table itself and the satellites that don't have a dedicated
// repository of their own (escalation, convoy).
package beads

import "time"

// Type enumerates the bead types. Each determines which satellite row
// must exist, per spec.md §3.
type Type string

const (
	TypeIssue        Type = "issue"
	TypeMessage      Type = "message"
	TypeEscalation   Type = "escalation"
	TypeMergeRequest Type = "merge_request"
	TypeAgent        Type = "agent"
	TypeMolecule     Type = "molecule"
	TypeConvoy       Type = "convoy"
)

// Status enumerates bead lifecycle states.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusClosed     Status = "closed"
	StatusFailed     Status = "failed"
)

// Priority enumerates bead priority levels.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Bead is the universal work unit described in spec.md §3.
type Bead struct {
	ID                  string
	Type                Type
	Status              Status
	Title               string
	Body                string
	RigID               string
	ParentBeadID        string
	AssigneeAgentBeadID string
	Priority            Priority
	Labels              []string
	Metadata            map[string]any
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ClosedAt            *time.Time
}

// EventType enumerates bead event kinds appended to the event log.
type EventType string

const (
	EventCreated         EventType = "created"
	EventAssigned        EventType = "assigned"
	EventHooked          EventType = "hooked"
	EventUnhooked        EventType = "unhooked"
	EventStatusChanged   EventType = "status_changed"
	EventClosed          EventType = "closed"
	EventEscalated       EventType = "escalated"
	EventMailSent        EventType = "mail_sent"
	EventReviewSubmitted EventType = "review_submitted"
	EventReviewCompleted EventType = "review_completed"
	EventAgentSpawned    EventType = "agent_spawned"
	EventAgentExited     EventType = "agent_exited"
)

// Event is one row of the append-only bead_events log.
type Event struct {
	ID        int64
	BeadID    string
	AgentID   string
	EventType EventType
	OldValue  string
	NewValue  string
	Metadata  map[string]any
	CreatedAt time.Time
}

// DependencyType enumerates the edge kinds in bead_dependencies.
type DependencyType string

const (
	DependencyBlocks      DependencyType = "blocks"
	DependencyTracks      DependencyType = "tracks"
	DependencyParentChild DependencyType = "parent-child"
)

// EscalationSatellite mirrors escalation_metadata.
type EscalationSatellite struct {
	BeadID            string
	Severity          Priority
	Category          string
	Acknowledged      bool
	ReEscalationCount int
	AcknowledgedAt    *time.Time
}

// ConvoySatellite mirrors convoy_metadata. Convoy operations proper are
// out of core scope (spec.md §3); this is a read-only accessor so a
// future convoy component has somewhere to attach, per SPEC_FULL.md §D.
type ConvoySatellite struct {
	BeadID      string
	TotalBeads  int
	ClosedBeads int
	LandedAt    *time.Time
}

// CreateInput is the argument to CreateBead.
type CreateInput struct {
	Type      Type
	Title     string
	Body      string
	RigID     string
	ParentID  string
	Assignee  string
	Priority  Priority
	Labels    []string
	Metadata  map[string]any
	CreatedBy string
}

// ListFilter is the argument to ListBeads.
type ListFilter struct {
	Status   Status
	Type     Type
	Assignee string
	Parent   string
	Rig      string
	Limit    int
	Offset   int
}

// ListEventsFilter is the argument to ListBeadEvents.
type ListEventsFilter struct {
	BeadID string
	Since  *time.Time
	Limit  int
}

const defaultListLimit = 100
