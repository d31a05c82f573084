package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var migrations = []struct {
	name string
	sql  string
}{
	{
		name: "users table",
		sql: `
			CREATE TABLE IF NOT EXISTS users (
				user_id BIGINT PRIMARY KEY,
				display_name VARCHAR(255) NOT NULL,
				balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
	},
	{
		name: "ledger_entries table",
		sql: `
			CREATE TABLE IF NOT EXISTS ledger_entries (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL REFERENCES users(user_id),
				kind VARCHAR(32) NOT NULL,
				direction VARCHAR(8) NOT NULL,
				amount BIGINT NOT NULL CHECK (amount >= 0),
				balance_after BIGINT NOT NULL,
				round_ref VARCHAR(64),
				reason TEXT NOT NULL DEFAULT '',
				refund_of BIGINT REFERENCES ledger_entries(id),
				withdraw_status VARCHAR(16),
				bank VARCHAR(64),
				account_number VARCHAR(64),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE INDEX IF NOT EXISTS idx_ledger_user_time ON ledger_entries(user_id, id DESC);
			CREATE INDEX IF NOT EXISTS idx_ledger_kind_time ON ledger_entries(kind, id DESC);
			CREATE INDEX IF NOT EXISTS idx_ledger_round ON ledger_entries(round_ref);
			CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_refund_of ON ledger_entries(refund_of)
				WHERE refund_of IS NOT NULL;
			CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_payout_round ON ledger_entries(round_ref)
				WHERE kind = 'payout_credit';
			CREATE UNIQUE INDEX IF NOT EXISTS uq_ledger_open_withdrawal ON ledger_entries(user_id)
				WHERE withdraw_status IN ('pending', 'processing');
		`,
	},
	{
		name: "rounds table",
		sql: `
			CREATE TABLE IF NOT EXISTS rounds (
				round_ref VARCHAR(64) PRIMARY KEY,
				tier BIGINT NOT NULL,
				round_number BIGINT NOT NULL,
				players INT NOT NULL,
				pot BIGINT NOT NULL,
				winner_id BIGINT,
				winning_number INT,
				called_count INT NOT NULL,
				status VARCHAR(16) NOT NULL,
				finished_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
			CREATE UNIQUE INDEX IF NOT EXISTS uq_rounds_tier_number ON rounds(tier, round_number);
		`,
	},
}

// Migrate creates the schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	log.Info().Msg("Running database migrations...")

	for i, m := range migrations {
		if _, err := pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %d (%s): %w", i+1, m.name, err)
		}
		log.Info().Int("migration", i+1).Str("name", m.name).Msg("Migration applied")
	}

	log.Info().Msg("All migrations completed successfully")
	return nil
}
