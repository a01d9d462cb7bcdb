package store

const schema = `
CREATE TABLE IF NOT EXISTS zones (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    confidence_threshold REAL NOT NULL,
    actions TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_matched TIMESTAMP,
    match_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS zone_fingerprints (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    zone_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    networks TEXT NOT NULL,
    confidence REAL NOT NULL,
    captured_at TIMESTAMP NOT NULL,
    FOREIGN KEY (zone_id) REFERENCES zones(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS zone_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    from_zone_id TEXT,
    to_zone_id TEXT NOT NULL,
    confidence REAL NOT NULL,
    manual BOOLEAN NOT NULL DEFAULT 0,
    changed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_zone ON zone_fingerprints(zone_id);
CREATE INDEX IF NOT EXISTS idx_changes_to ON zone_changes(to_zone_id);
CREATE INDEX IF NOT EXISTS idx_changes_time ON zone_changes(changed_at);
`
