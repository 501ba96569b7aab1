package state

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	identity    TEXT PRIMARY KEY,
	folder      TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	folder       TEXT PRIMARY KEY,
	last_uid     INTEGER NOT NULL DEFAULT 0,
	uid_validity INTEGER NOT NULL DEFAULT 0,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
