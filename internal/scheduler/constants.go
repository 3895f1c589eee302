package scheduler

import "time"

// These mirror the named thresholds in spec.md §4.6/§6.
const (
	// StaleThreshold is how long an agent may go without activity
	// before it counts as stale. No pass of Tick reads it; Pass A's
	// inactivity check uses GUPPThreshold.
	StaleThreshold = 10 * time.Minute

	// GUPPThreshold is how long a working agent may go without activity
	// before Pass A sends it a GUPP_CHECK mail (unless one is already
	// undelivered).
	GUPPThreshold = 30 * time.Minute

	// MaxDispatchAttempts bounds how many times Pass B will try to
	// dispatch the same bead before failing it and unhooking the agent.
	MaxDispatchAttempts = 5

	// ReviewRunningTimeout is how long a review may sit in_progress
	// before Pass C resets it to pending.
	ReviewRunningTimeout = 5 * time.Minute

	// ActiveAlarmInterval is the re-arm delay used while the town has
	// active work.
	ActiveAlarmInterval = 30 * time.Second

	// ArmDelay is the minimum delay before a freshly armed alarm fires,
	// giving the caller's own transaction time to commit first.
	ArmDelay = 5 * time.Second

	// AgentEventCap bounds the per-agent agent_events log (spec.md §3/§6).
	AgentEventCap = 2000
)
