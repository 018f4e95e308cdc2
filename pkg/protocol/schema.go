package protocol

// SchemaDDL defines the SQLite schema for the deaddrop server database.
// Tables: users, agents, endpoints, task_results, messages, credentials,
// files, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Operators who initiate tasks
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Installed agent packages; commands.json etc. live under package_path
CREATE TABLE IF NOT EXISTS agents (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    version TEXT NOT NULL,
    package_path TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    UNIQUE (name, version)
);

-- Registered agent instances
CREATE TABLE IF NOT EXISTS endpoints (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    hostname TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    agent_id INTEGER NOT NULL,
    protocol TEXT NOT NULL DEFAULT 'package',
    agent_cfg TEXT NOT NULL DEFAULT '{}',
    protocol_state TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- One row per scheduled unit of work, created before the unit runs
CREATE TABLE IF NOT EXISTS task_results (
    seq INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL UNIQUE,
    task_name TEXT NOT NULL,
    task_args TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'PENDING',
    result TEXT,
    creator_id INTEGER,
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    started_at TEXT,
    done_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_task_results_status ON task_results(status, seq);

-- Every message sent or received; message_id guards against replays
CREATE TABLE IF NOT EXISTS messages (
    message_id TEXT PRIMARY KEY,
    user_id INTEGER,
    source_id TEXT,
    destination_id TEXT,
    timestamp TEXT NOT NULL,
    message_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    digest BLOB
);

-- Credentials reported by endpoints
CREATE TABLE IF NOT EXISTS credentials (
    credential_id TEXT PRIMARY KEY,
    source_id TEXT,
    task_id TEXT,
    credential_type TEXT NOT NULL,
    credential_value TEXT NOT NULL,
    expiry TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Files reported by endpoints
CREATE TABLE IF NOT EXISTS files (
    file_id TEXT PRIMARY KEY,
    source_id TEXT,
    task_id TEXT,
    remote_path TEXT,
    compression TEXT NOT NULL DEFAULT 'zstd',
    size INTEGER NOT NULL,
    data BLOB NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Operational journal: task lifecycle, duplicates, transport diagnostics
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    endpoint_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
`
