package database

import (
	"database/sql"

	_ "modernc.org/sqlite" // SQLite driver
)

// New creates a new database connection pool.
func New(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across callers.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate runs the SQL statements to set up the database schema.
func Migrate(db *sql.DB) error {
	const sqlStmt = `
	CREATE TABLE IF NOT EXISTS credentials (
		slot TEXT NOT NULL PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cookies (
		host TEXT NOT NULL,
		name TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL,
		value TEXT NOT NULL,
		domain TEXT NOT NULL DEFAULT '',
		expires_at DATETIME,
		secure BOOLEAN NOT NULL DEFAULT 0,
		http_only BOOLEAN NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (host, name, path)
	);
	`
	_, err := db.Exec(sqlStmt)
	return err
}
