package eventbus

import "embed"

// MigrationFiles contains the SQL migrations for the dead-letter and payload
// tables, applied in file name order. adapters/relica.Migrate applies them
// and records each version; other tools can read them directly.
//
// Example with goose:
//
//	goose.SetBaseFS(eventbus.MigrationFiles)
//	if err := goose.Up(db, "migrations"); err != nil {
//	    log.Fatal(err)
//	}
//
//go:embed migrations/*.sql
var MigrationFiles embed.FS
