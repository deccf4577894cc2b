package relica

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/coregx/eventbus"
	"github.com/coregx/relica"
)

const migrationsTable = DefaultTablePrefix + "schema_migrations"

type migrationRecord struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
}

// Migrate applies the embedded migrations that have not run yet and returns
// the names of the files it applied. Each file is recorded in
// eventbus_schema_migrations under the number its name starts with.
func Migrate(ctx context.Context, sqlDB *sql.DB, driverName string) ([]string, error) {
	_, err := sqlDB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+migrationsTable+
		" (id BIGINT NOT NULL PRIMARY KEY, name VARCHAR(255) NOT NULL, applied_at TIMESTAMP NOT NULL)")
	if err != nil {
		return nil, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to create migrations table", err)
	}

	files, err := fs.Glob(eventbus.MigrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	db := relica.WrapDB(sqlDB, driverName)
	var applied []string

	for _, file := range files {
		name := path.Base(file)
		version, err := migrationVersion(name)
		if err != nil {
			return applied, err
		}

		var n int64
		err = db.WithContext(ctx).Select("COUNT(*)").From(migrationsTable).Where("id = ?", version).One(&n)
		if err != nil {
			return applied, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase, "failed to read migration state", err)
		}
		if n > 0 {
			continue
		}

		data, err := fs.ReadFile(eventbus.MigrationFiles, file)
		if err != nil {
			return applied, err
		}
		for _, stmt := range splitStatements(string(data)) {
			if _, err := sqlDB.ExecContext(ctx, stmt); err != nil {
				return applied, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase,
					fmt.Sprintf("migration %s failed", name), err)
			}
		}

		rec := migrationRecord{ID: version, Name: name, AppliedAt: time.Now().UTC()}
		if err := db.WithContext(ctx).Model(&rec).Table(migrationsTable).Insert(); err != nil {
			return applied, eventbus.NewErrorWithCause(eventbus.ErrCodeDatabase,
				fmt.Sprintf("failed to record migration %s", name), err)
		}
		applied = append(applied, name)
	}

	return applied, nil
}

func migrationVersion(name string) (int64, error) {
	prefix, _, _ := strings.Cut(name, "_")
	v, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("migration %s has no numeric prefix", name)
	}
	return v, nil
}

// splitStatements splits a migration file on semicolons. Migration files
// contain no semicolons inside literals.
func splitStatements(sqlText string) []string {
	var stmts []string
	for _, s := range strings.Split(sqlText, ";") {
		if s = strings.TrimSpace(s); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
