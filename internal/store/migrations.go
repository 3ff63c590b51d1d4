package store

import (
	"context"
	"embed"
	"strings"

	"supertask/internal/errors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate creates the schema, job table and execution table if missing.
// Statements run one at a time since not every backend accepts batches.
func (s *SQLStore) Migrate(ctx context.Context) error {
	content, err := migrationFiles.ReadFile("migrations/" + s.dialect.migration)
	if err != nil {
		return errors.Wrapf(err, "read migration %s", s.dialect.migration)
	}
	script := strings.NewReplacer(
		"{{schema}}", s.schema,
		"{{table}}", s.table,
		"{{jobs}}", s.jobs,
		"{{executions}}", s.execs,
	).Replace(string(content))

	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.fail(err, "exec migration "+s.dialect.migration)
		}
	}
	return nil
}
