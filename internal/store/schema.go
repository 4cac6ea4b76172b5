package store

// schemaVersion is bumped whenever stored derivations change shape or
// meaning. A mismatch on open drops derived state so the next sync
// rebuilds it from the logs.
const schemaVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id                 TEXT PRIMARY KEY,
    project            TEXT NOT NULL,
    project_name       TEXT NOT NULL DEFAULT '',
    cwd                TEXT NOT NULL DEFAULT '',
    branch             TEXT NOT NULL DEFAULT '',
    first_seen_ns      INTEGER,
    last_seen_ns       INTEGER,
    message_count      INTEGER NOT NULL DEFAULT 0,
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    output_tokens      INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens INTEGER NOT NULL DEFAULT 0,
    cost               INTEGER NOT NULL DEFAULT 0,
    unpriced           INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id                 TEXT PRIMARY KEY,
    session_id         TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    ordinal            INTEGER NOT NULL,
    role               TEXT NOT NULL,
    content            TEXT NOT NULL DEFAULT '',
    blocks             TEXT NOT NULL DEFAULT '[]',
    model              TEXT NOT NULL DEFAULT '',
    request_id         TEXT NOT NULL DEFAULT '',
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    output_tokens      INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens INTEGER NOT NULL DEFAULT 0,
    ts_ns              INTEGER,
    parent_id          TEXT NOT NULL DEFAULT '',
    parent_resolved    INTEGER NOT NULL DEFAULT 0,
    cost               INTEGER NOT NULL DEFAULT 0,
    cost_status        TEXT NOT NULL DEFAULT '',
    billed             INTEGER NOT NULL DEFAULT 0,
    source_path        TEXT NOT NULL DEFAULT '',
    source_offset      INTEGER NOT NULL DEFAULT 0,
    UNIQUE (session_id, ordinal)
);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    content,
    content=messages,
    content_rowid=rowid,
    tokenize='unicode61'
);

-- triggers keep the text index in the same transaction as the base row
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
END;

CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE OF content ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, content) VALUES('delete', old.rowid, old.content);
    INSERT INTO messages_fts(rowid, content) VALUES (new.rowid, new.content);
END;

CREATE TABLE IF NOT EXISTS tool_calls (
    id          TEXT PRIMARY KEY,
    message_id  TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
    session_id  TEXT NOT NULL,
    phase       TEXT NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0,
    files       TEXT NOT NULL DEFAULT '[]',
    is_error    INTEGER NOT NULL DEFAULT 0,
    ts_ns       INTEGER
);

CREATE TABLE IF NOT EXISTS cost_rollups (
    date               TEXT NOT NULL,
    project            TEXT NOT NULL,
    model              TEXT NOT NULL,
    input_tokens       INTEGER NOT NULL DEFAULT 0,
    output_tokens      INTEGER NOT NULL DEFAULT 0,
    cache_read_tokens  INTEGER NOT NULL DEFAULT 0,
    cache_write_tokens INTEGER NOT NULL DEFAULT 0,
    cost               INTEGER NOT NULL DEFAULT 0,
    messages           INTEGER NOT NULL DEFAULT 0,
    unpriced           INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (date, project, model)
);

CREATE TABLE IF NOT EXISTS attribution_links (
    project       TEXT NOT NULL,
    commit_hash   TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    basis         TEXT NOT NULL,
    commit_ns     INTEGER NOT NULL,
    distance_secs INTEGER NOT NULL,
    PRIMARY KEY (project, commit_hash)
);

CREATE TABLE IF NOT EXISTS churn_events (
    project         TEXT NOT NULL,
    original_commit TEXT NOT NULL,
    churn_commit    TEXT NOT NULL,
    session_id      TEXT NOT NULL,
    file            TEXT NOT NULL,
    original_start  INTEGER NOT NULL,
    original_end    INTEGER NOT NULL,
    churn_start     INTEGER NOT NULL,
    churn_end       INTEGER NOT NULL,
    original_ns     INTEGER NOT NULL,
    churn_ns        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS health_snapshots (
    id      TEXT PRIMARY KEY,
    project TEXT NOT NULL,
    ts_ns   INTEGER NOT NULL,
    metrics TEXT NOT NULL,
    UNIQUE (project, ts_ns)
);

CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);
CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts_ns);
CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(session_id, request_id) WHERE billed = 1;
CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id);
CREATE INDEX IF NOT EXISTS idx_churn_project ON churn_events(project, churn_ns);
`
