package sqlstore

// Dialect carries the statements that differ between the SQL engines behind Store
type Dialect struct {
	Name string

	// Schema is applied statement by statement when the store opens
	Schema []string

	// InsertIgnore is the INSERT form that skips rows hitting a unique key
	InsertIgnore string
}

var mysqlDialect = Dialect{
	Name: "mysql",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			owner       VARCHAR(191) NOT NULL,
			id          VARCHAR(64)  NOT NULL,
			version     BIGINT       NOT NULL,
			deleted     BOOLEAN      NOT NULL DEFAULT FALSE,
			updated_at  BIGINT       NOT NULL,
			data        LONGTEXT     NOT NULL,
			PRIMARY KEY (owner, id),
			INDEX idx_conversations_owner_updated (owner, updated_at)
		)`,
		`CREATE TABLE IF NOT EXISTS owner_usage (
			owner            VARCHAR(191) NOT NULL PRIMARY KEY,
			last_request_at  BIGINT       NOT NULL DEFAULT 0
		)`,
	},
	InsertIgnore: "INSERT IGNORE INTO",
}

var sqliteDialect = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			owner       TEXT    NOT NULL,
			id          TEXT    NOT NULL,
			version     INTEGER NOT NULL,
			deleted     INTEGER NOT NULL DEFAULT 0,
			updated_at  INTEGER NOT NULL,
			data        TEXT    NOT NULL,
			PRIMARY KEY (owner, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations (owner, updated_at)`,
		`CREATE TABLE IF NOT EXISTS owner_usage (
			owner            TEXT    NOT NULL PRIMARY KEY,
			last_request_at  INTEGER NOT NULL DEFAULT 0
		)`,
	},
	InsertIgnore: "INSERT OR IGNORE INTO",
}
