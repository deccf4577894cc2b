// Package relica provides repository implementations using Relica query builder.
//
// Relica (github.com/coregx/relica) is a lightweight, type-safe database query builder
// for Go with zero production dependencies.
//
// This package provides the SQL implementations of the event bus repositories:
//   - DeadLetterRepository (eventbus_dead_letters)
//   - PayloadRepository (eventbus_payloads)
//
// Example usage:
//
//	import (
//	    "database/sql"
//	    "github.com/coregx/eventbus"
//	    "github.com/coregx/eventbus/adapters/relica"
//	    _ "github.com/go-sql-driver/mysql"
//	)
//
//	db, err := sql.Open("mysql", "user:pass@tcp(localhost:3306)/eventbus?parseTime=true")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Create tables (driverName should be "mysql", "postgres", or "sqlite3")
//	if _, err := relica.Migrate(ctx, db, "mysql"); err != nil {
//	    log.Fatal(err)
//	}
//
//	repos := relica.NewRepositories(db, "mysql")
//	bus, err := eventbus.New(
//	    eventbus.WithConnector(connector),
//	    eventbus.WithDeadLetterRepository(repos.DeadLetters),
//	)
package relica
