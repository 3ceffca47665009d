package storage

const initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time DATETIME NOT NULL,
    source     TEXT NOT NULL,
    device_id  TEXT NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS fixes (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id   INTEGER NOT NULL REFERENCES sessions (id),
    received_at  DATETIME NOT NULL,
    ts           DATETIME NOT NULL,
    source       TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    lat          REAL NOT NULL,
    lon          REAL NOT NULL,
    alt_m        REAL,
    h_accuracy_m REAL NOT NULL,
    v_accuracy_m REAL NOT NULL,
    speed_mps    REAL NOT NULL,
    course_deg   REAL NOT NULL,
    heading_deg  REAL,
    battery      REAL NOT NULL
);`

// Indexes are created on Close, keeping inserts cheap while a session is
// being recorded.
const initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_fixes_session ON fixes (session_id, id);
CREATE INDEX IF NOT EXISTS idx_fixes_received ON fixes (session_id, received_at);`

const (
	insertSessionSQL = `
INSERT INTO sessions (
                      start_time,
                      source,
                      device_id,
                      config)
VALUES (CURRENT_TIMESTAMP, ?, ?, ?)`

	selectSessionSQL = `
SELECT
    id,
    start_time,
    source,
    device_id,
    config
FROM sessions
WHERE
    id = ?`

	selectSessionsSQL = `
SELECT
    id,
    start_time,
    source,
    device_id,
    config
FROM sessions
ORDER BY start_time`

	insertFixSQL = `
INSERT INTO fixes (session_id,
                   received_at,
                   ts,
                   source,
                   seq,
                   lat,
                   lon,
                   alt_m,
                   h_accuracy_m,
                   v_accuracy_m,
                   speed_mps,
                   course_deg,
                   heading_deg,
                   battery)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectFixesSQL = `
SELECT
    id,
    session_id,
    received_at,
    ts,
    source,
    seq,
    lat,
    lon,
    alt_m,
    h_accuracy_m,
    v_accuracy_m,
    speed_mps,
    course_deg,
    heading_deg,
    battery
FROM fixes
WHERE
    session_id = ?
    AND id > ?
    AND received_at >= ?
    AND received_at <= ?
ORDER BY id
LIMIT ?`
)
