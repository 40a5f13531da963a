package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the tables this module reads and writes. Alerts and
// notifications are owned by the CRUD layer; the definitions here match it so a
// fresh database is usable on its own.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rates_current (
        asset         TEXT        NOT NULL,
        platform      TEXT        NOT NULL,
        chain         TEXT        NOT NULL,
        lock_period   TEXT        NOT NULL,
        platform_type TEXT        NOT NULL,
        apr           NUMERIC     NOT NULL CHECK (apr >= 0 AND apr <= 1000),
        apy           NUMERIC,
        min_stake     NUMERIC,
        risk_level    TEXT,
        source        TEXT        NOT NULL,
        last_updated  TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (asset, platform, chain, lock_period)
    );`,
	`CREATE TABLE IF NOT EXISTS rate_history (
        id          BIGSERIAL   PRIMARY KEY,
        asset       TEXT        NOT NULL,
        platform    TEXT        NOT NULL,
        chain       TEXT        NOT NULL,
        lock_period TEXT        NOT NULL,
        apr         NUMERIC     NOT NULL,
        apy         NUMERIC,
        recorded_at TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS rate_history_key_idx
        ON rate_history (asset, platform, chain, lock_period, recorded_at);`,
	`CREATE TABLE IF NOT EXISTS alerts (
        id             TEXT        PRIMARY KEY,
        user_id        TEXT        NOT NULL,
        asset          TEXT        NOT NULL,
        platform       TEXT        NOT NULL,
        alert_type     TEXT        NOT NULL CHECK (alert_type IN ('above', 'below')),
        threshold      NUMERIC     NOT NULL,
        is_active      BOOLEAN     NOT NULL DEFAULT TRUE,
        last_triggered TIMESTAMPTZ,
        created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE TABLE IF NOT EXISTS notifications (
        id         TEXT        PRIMARY KEY,
        user_id    TEXT        NOT NULL,
        alert_id   TEXT        NOT NULL,
        type       TEXT        NOT NULL,
        title      TEXT        NOT NULL,
        message    TEXT        NOT NULL,
        data       JSONB       NOT NULL,
        read       BOOLEAN     NOT NULL DEFAULT FALSE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`,
	`CREATE INDEX IF NOT EXISTS notifications_created_at_idx ON notifications (created_at);`,
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range schemaStatements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
