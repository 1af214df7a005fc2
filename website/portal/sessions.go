package portal

import (
	"database/sql"
	"fmt"

	"github.com/alexedwards/scs/sqlite3store"
)

// NewSQLiteSessionStore keeps portal sessions in db, creating the sessions
// table if needed.
func NewSQLiteSessionStore(db *sql.DB) (*sqlite3store.SQLite3Store, error) {
	stmt := `
			CREATE TABLE IF NOT EXISTS sessions (
					token CHAR(43) PRIMARY KEY,
					data BLOB NOT NULL,
					expiry TIMESTAMP(6) NOT NULL
			);
			CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (expiry);
	`
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return sqlite3store.New(db), nil
}
