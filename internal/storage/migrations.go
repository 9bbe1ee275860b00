package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// migration is one schema version step
type migration struct {
	version int
	name    string
	up      func(ctx context.Context, q *queries) error
}

var migrations = []migration{
	{version: 1, name: "initial schema", up: migrateInitialSchema},
	{version: 2, name: "lineage indexes", up: migrateLineageIndexes},
}

// Migrate brings the schema up to the latest version. Each version runs in
// its own transaction and is recorded in schema_migrations.
func (ss *SQLStore) Migrate(ctx context.Context) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if _, err := ss.exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
		    version INTEGER PRIMARY KEY,
		    applied_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	row := ss.sql.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("checking migration version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := ss.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (ss *SQLStore) applyMigration(ctx context.Context, m migration) error {
	tx, err := ss.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := &queries{db: tx, dialect: ss.dialect}
	if err := m.up(ctx, q); err != nil {
		return err
	}
	if _, err := q.exec(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().UTC()); err != nil {
		return fmt.Errorf("recording version: %w", err)
	}
	return tx.Commit()
}

func migrateInitialSchema(ctx context.Context, q *queries) error {
	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("reading schema: %w", err)
	}

	for _, stmt := range strings.Split(string(schema), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := q.exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

func migrateLineageIndexes(ctx context.Context, q *queries) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_discovery_rules_host ON discovery_rules(host_id)",
		"CREATE INDEX IF NOT EXISTS idx_discovery_rules_lineage ON discovery_rules(lineage_id)",
		"CREATE INDEX IF NOT EXISTS idx_host_prototypes_rule ON host_prototypes(discovery_rule_id)",
		"CREATE INDEX IF NOT EXISTS idx_host_prototypes_lineage ON host_prototypes(lineage_id)",
		"CREATE INDEX IF NOT EXISTS idx_group_prototypes_host_prototype ON group_prototypes(host_prototype_id)",
		"CREATE INDEX IF NOT EXISTS idx_group_prototypes_lineage ON group_prototypes(lineage_id)",
		"CREATE INDEX IF NOT EXISTS idx_host_templates_template ON host_templates(template_id)",
		"CREATE INDEX IF NOT EXISTS idx_hosts_prototype ON hosts(prototype_id)",
	}
	for _, stmt := range stmts {
		if _, err := q.exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating index: %w", err)
		}
	}
	return nil
}
