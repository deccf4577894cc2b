package relica

import (
	"database/sql"

	"github.com/coregx/eventbus"
)

// DefaultTablePrefix is prepended to every table name.
const DefaultTablePrefix = "eventbus_"

// Repositories holds all repository implementations.
type Repositories struct {
	DeadLetters eventbus.DeadLetterRepository
	Payloads    eventbus.PayloadRepository
}

// NewRepositories creates all repository implementations using Relica.
//
// The db parameter should be an *sql.DB connected to MySQL, PostgreSQL, or SQLite.
// The driverName should be "mysql", "postgres", or "sqlite3".
func NewRepositories(db *sql.DB, driverName string) *Repositories {
	return NewRepositoriesWithPrefix(db, driverName, DefaultTablePrefix)
}

// NewRepositoriesWithPrefix creates all repository implementations with a custom table prefix.
// Migrate only creates tables under DefaultTablePrefix.
func NewRepositoriesWithPrefix(db *sql.DB, driverName, prefix string) *Repositories {
	return &Repositories{
		DeadLetters: NewDeadLetterRepositoryWithPrefix(db, driverName, prefix),
		Payloads:    NewPayloadRepositoryWithPrefix(db, driverName, prefix),
	}
}
