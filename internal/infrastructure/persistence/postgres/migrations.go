package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Pool().Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns applied versions with their timestamps.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.Pool().Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName),
				mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}
	return nil
}

// Rollback reverts the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var last int
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	return m.conn.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// EMBEDDED MIGRATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_ledger", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_streaks_and_unlocks", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_retention", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

const migration001Up = `
-- Append-only XP ledger. Rows are never updated or deleted.
CREATE TABLE IF NOT EXISTS ledger_events (
    id UUID PRIMARY KEY,
    user_id TEXT NOT NULL,
    event_type VARCHAR(40) NOT NULL,
    base_amount BIGINT NOT NULL,
    multiplier INTEGER NOT NULL,
    awarded_amount BIGINT NOT NULL,
    source VARCHAR(20) NOT NULL,
    idempotency_key VARCHAR(128) NOT NULL,
    fingerprint TEXT NOT NULL,
    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
    total_before BIGINT NOT NULL,
    total_after BIGINT NOT NULL,
    level_before INTEGER NOT NULL,
    level_after INTEGER NOT NULL,

    CONSTRAINT uq_ledger_user_key UNIQUE (user_id, idempotency_key),
    CONSTRAINT valid_base_amount CHECK (base_amount > 0),
    CONSTRAINT valid_awarded_amount CHECK (awarded_amount >= 0),
    CONSTRAINT monotonic_total CHECK (total_after = total_before + awarded_amount),
    CONSTRAINT monotonic_level CHECK (level_after >= level_before)
);

CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_events(user_id, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_ledger_time ON ledger_events(occurred_at);

-- Running totals, maintained in the same transaction as the append.
CREATE TABLE IF NOT EXISTS user_totals (
    user_id TEXT PRIMARY KEY,
    total_xp BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_total CHECK (total_xp >= 0)
);

CREATE INDEX IF NOT EXISTS idx_user_totals_xp ON user_totals(total_xp DESC, user_id);
`

const migration001Down = `
DROP TABLE IF EXISTS user_totals;
DROP TABLE IF EXISTS ledger_events;
`

const migration002Up = `
CREATE TABLE IF NOT EXISTS streak_states (
    user_id TEXT PRIMARY KEY,
    current_streak INTEGER NOT NULL DEFAULT 0,
    longest_streak INTEGER NOT NULL DEFAULT 0,
    last_activity_date DATE,
    streak_start_date DATE,
    time_zone TEXT NOT NULL DEFAULT 'UTC',
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_streaks CHECK (current_streak >= 0 AND longest_streak >= current_streak)
);

CREATE INDEX IF NOT EXISTS idx_streak_last_activity ON streak_states(last_activity_date);

CREATE TABLE IF NOT EXISTS achievement_unlocks (
    user_id TEXT NOT NULL,
    achievement_id VARCHAR(64) NOT NULL,
    unlocked_at TIMESTAMP WITH TIME ZONE NOT NULL,
    trigger_event_id TEXT,

    PRIMARY KEY (user_id, achievement_id)
);

CREATE INDEX IF NOT EXISTS idx_unlocks_trigger ON achievement_unlocks(user_id, trigger_event_id)
    WHERE trigger_event_id IS NOT NULL;
`

const migration002Down = `
DROP TABLE IF EXISTS achievement_unlocks;
DROP TABLE IF EXISTS streak_states;
`

const migration003Up = `
CREATE TABLE IF NOT EXISTS submissions (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    difficulty VARCHAR(10) NOT NULL,
    passed BOOLEAN NOT NULL,
    submitted_at TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_user_topic ON submissions(user_id, topic, submitted_at DESC);

CREATE TABLE IF NOT EXISTS retention_records (
    user_id TEXT NOT NULL,
    topic TEXT NOT NULL,
    difficulty VARCHAR(10) NOT NULL,
    last_practiced_at TIMESTAMP WITH TIME ZONE NOT NULL,
    retention_score DOUBLE PRECISION NOT NULL,
    review_urgency VARCHAR(10) NOT NULL,
    recommended_review_date TIMESTAMP WITH TIME ZONE NOT NULL,
    scored_at TIMESTAMP WITH TIME ZONE NOT NULL,

    PRIMARY KEY (user_id, topic),
    CONSTRAINT valid_score CHECK (retention_score >= 0 AND retention_score <= 1)
);
`

const migration003Down = `
DROP TABLE IF EXISTS retention_records;
DROP TABLE IF EXISTS submissions;
`
