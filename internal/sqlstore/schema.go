package sqlstore

// schemaStatements creates every table and index in dependency order:
// beads -> bead_events -> bead_dependencies -> satellites, then the
// agent-event log and the KV table. Every statement is idempotent
// (IF NOT EXISTS) so Open can run it unconditionally on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS beads (
		bead_id TEXT PRIMARY KEY,
		type TEXT NOT NULL CHECK(type IN ('issue','message','escalation','merge_request','agent','molecule','convoy')),
		status TEXT NOT NULL DEFAULT 'open' CHECK(status IN ('open','in_progress','closed','failed')),
		title TEXT NOT NULL,
		body TEXT,
		rig_id TEXT,
		parent_bead_id TEXT REFERENCES beads(bead_id),
		assignee_agent_bead_id TEXT REFERENCES beads(bead_id),
		priority TEXT NOT NULL DEFAULT 'medium' CHECK(priority IN ('low','medium','high','critical')),
		labels TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		closed_at TEXT,
		CHECK ((status = 'closed' AND closed_at IS NOT NULL) OR (status != 'closed' AND closed_at IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_status ON beads(status)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_type ON beads(type)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_assignee ON beads(assignee_agent_bead_id)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_parent ON beads(parent_bead_id)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_rig ON beads(rig_id)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_created_at ON beads(created_at)`,

	`CREATE TABLE IF NOT EXISTS bead_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bead_id TEXT NOT NULL REFERENCES beads(bead_id) ON DELETE CASCADE,
		agent_id TEXT,
		event_type TEXT NOT NULL CHECK(event_type IN (
			'created','assigned','hooked','unhooked','status_changed',
			'closed','escalated','mail_sent','review_submitted',
			'review_completed','agent_spawned','agent_exited'
		)),
		old_value TEXT,
		new_value TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bead_events_bead ON bead_events(bead_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_bead_events_created_at ON bead_events(created_at)`,

	`CREATE TABLE IF NOT EXISTS bead_dependencies (
		bead_id TEXT NOT NULL REFERENCES beads(bead_id) ON DELETE CASCADE,
		depends_on_bead_id TEXT NOT NULL REFERENCES beads(bead_id) ON DELETE CASCADE,
		type TEXT NOT NULL CHECK(type IN ('blocks','tracks','parent-child')),
		PRIMARY KEY (bead_id, depends_on_bead_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bead_deps_depends_on ON bead_dependencies(depends_on_bead_id)`,

	`CREATE TABLE IF NOT EXISTS agent_metadata (
		bead_id TEXT PRIMARY KEY REFERENCES beads(bead_id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		identity TEXT NOT NULL UNIQUE,
		container_process_id TEXT,
		status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle','working','blocked','stalled','dead')),
		current_hook_bead_id TEXT REFERENCES beads(bead_id),
		dispatch_attempts INTEGER NOT NULL DEFAULT 0 CHECK(dispatch_attempts >= 0),
		checkpoint TEXT,
		last_activity_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_metadata_status ON agent_metadata(status)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_metadata_hook ON agent_metadata(current_hook_bead_id)`,

	`CREATE TABLE IF NOT EXISTS review_metadata (
		bead_id TEXT PRIMARY KEY REFERENCES beads(bead_id) ON DELETE CASCADE,
		branch TEXT NOT NULL,
		target_branch TEXT NOT NULL DEFAULT 'main',
		merge_commit TEXT,
		pr_url TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0
	)`,

	`CREATE TABLE IF NOT EXISTS escalation_metadata (
		bead_id TEXT PRIMARY KEY REFERENCES beads(bead_id) ON DELETE CASCADE,
		severity TEXT NOT NULL CHECK(severity IN ('low','medium','high','critical')),
		category TEXT,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		re_escalation_count INTEGER NOT NULL DEFAULT 0,
		acknowledged_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS convoy_metadata (
		bead_id TEXT PRIMARY KEY REFERENCES beads(bead_id) ON DELETE CASCADE,
		total_beads INTEGER NOT NULL DEFAULT 0,
		closed_beads INTEGER NOT NULL DEFAULT 0,
		landed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS agent_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_events_agent ON agent_events(agent_id, id)`,

	`CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alarm (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		scope TEXT NOT NULL DEFAULT 'town',
		fire_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS mayor_alarm (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		fire_at TEXT
	)`,
}
