package state

// Timestamps are RFC3339Nano text except the wakeup scheduling columns, which
// are unix milliseconds so due ordering and lease comparisons stay numeric.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL,
  model TEXT,
  context TEXT,
  tick INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL,
  parent_task_id TEXT,
  error TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threads_agent ON threads(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_threads_state ON threads(state);

CREATE TABLE IF NOT EXISTS thread_events (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  seq INTEGER NOT NULL,
  kind TEXT NOT NULL,
  payload TEXT,
  metadata TEXT,
  created_at TEXT NOT NULL,
  UNIQUE(thread_id, seq)
);

CREATE TABLE IF NOT EXISTS wakeups (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
  wait_ms INTEGER NOT NULL DEFAULT 0,
  due_at_ms INTEGER NOT NULL,
  reason TEXT,
  claimed_at TEXT,
  claimed_by TEXT,
  lease_until_ms INTEGER,
  attempts INTEGER NOT NULL DEFAULT 0,
  woken INTEGER NOT NULL DEFAULT 0,
  error TEXT,
  cancelled INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_wakeups_due ON wakeups(woken, cancelled, due_at_ms);
CREATE INDEX IF NOT EXISTS idx_wakeups_thread ON wakeups(thread_id);
`
