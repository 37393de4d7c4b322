package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sites (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    UNIQUE(latitude, longitude)
);

CREATE TABLE IF NOT EXISTS parameters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    is_numeric BOOLEAN NOT NULL DEFAULT FALSE,
    units TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS report_statuses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL,
    is_valid BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    site_id INTEGER NOT NULL REFERENCES sites(id),
    date TEXT NOT NULL,
    is_valid BOOLEAN NOT NULL DEFAULT FALSE,
    UNIQUE(site_id, date)
);

CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id INTEGER NOT NULL REFERENCES events(id),
    user_ref TEXT NOT NULL DEFAULT '',
    status_id INTEGER NOT NULL REFERENCES report_statuses(id),
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS report_values (
    report_id INTEGER NOT NULL REFERENCES reports(id),
    parameter_id INTEGER NOT NULL REFERENCES parameters(id),
    value_numeric REAL,
    value_text TEXT,
    PRIMARY KEY (report_id, parameter_id)
);

CREATE TABLE IF NOT EXISTS event_results (
    event_id INTEGER NOT NULL REFERENCES events(id),
    parameter_id INTEGER NOT NULL REFERENCES parameters(id),
    report_id INTEGER NOT NULL REFERENCES reports(id),
    value_numeric REAL,
    value_text TEXT,
    PRIMARY KEY (event_id, parameter_id)
);

CREATE INDEX IF NOT EXISTS idx_reports_event ON reports(event_id);
CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);
`,
	},
	{
		Version:     2,
		Description: "Index report lookups by status and values by parameter",
		SQL: `
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status_id);
CREATE INDEX IF NOT EXISTS idx_report_values_parameter ON report_values(parameter_id);
`,
	},
}

// Migrate applies every migration not yet recorded in schema_migrations, each
// in its own transaction.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationsTable(ctx); err != nil {
		return eris.Wrap(err, "sqlite: create migrations table")
	}

	applied, err := s.getAppliedMigrations(ctx)
	if err != nil {
		return eris.Wrap(err, "sqlite: get applied migrations")
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		s.log.Info("migrations: applying", zap.Int("version", m.Version), zap.String("description", m.Description))

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return eris.Wrapf(err, "sqlite: begin tx for migration %d", m.Version)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return eris.Wrapf(err, "sqlite: execute migration %d", m.Version)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return eris.Wrapf(err, "sqlite: record migration %d", m.Version)
		}

		if err := tx.Commit(); err != nil {
			return eris.Wrapf(err, "sqlite: commit migration %d", m.Version)
		}

		s.log.Info("migrations: completed", zap.Int("version", m.Version))
	}

	return nil
}

func (s *SQLiteStore) ensureMigrationsTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *SQLiteStore) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (s *SQLiteStore) MigrationVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: migration version")
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
