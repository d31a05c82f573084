package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-bingo/internal/model"
)

// RoundRepository persists finished round outcomes.
type RoundRepository struct {
	pool *pgxpool.Pool
}

// NewRoundRepository creates a new RoundRepository instance.
func NewRoundRepository(pool *pgxpool.Pool) *RoundRepository {
	return &RoundRepository{pool: pool}
}

// Save records a round outcome. Saving the same reference twice keeps the
// first record.
func (r *RoundRepository) Save(ctx context.Context, res *model.RoundResult) error {
	const query = `
		INSERT INTO rounds
			(round_ref, tier, round_number, players, pot, winner_id, winning_number,
			 called_count, status, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (round_ref) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query,
		res.RoundRef, res.Tier, res.RoundNumber, res.Players, res.Pot,
		res.WinnerID, res.WinningNumber, res.CalledCount, res.Status, res.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

// Get retrieves a round outcome by reference.
func (r *RoundRepository) Get(ctx context.Context, roundRef string) (*model.RoundResult, error) {
	const query = `
		SELECT round_ref, tier, round_number, players, pot, winner_id, winning_number,
		       called_count, status, finished_at
		FROM rounds
		WHERE round_ref = $1
	`

	var res model.RoundResult
	err := r.pool.QueryRow(ctx, query, roundRef).Scan(
		&res.RoundRef,
		&res.Tier,
		&res.RoundNumber,
		&res.Players,
		&res.Pot,
		&res.WinnerID,
		&res.WinningNumber,
		&res.CalledCount,
		&res.Status,
		&res.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoundNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return &res, nil
}

// ListByStatus returns the outcomes with status, oldest first.
func (r *RoundRepository) ListByStatus(ctx context.Context, status model.RoundStatus) ([]*model.RoundResult, error) {
	const query = `
		SELECT round_ref, tier, round_number, players, pot, winner_id, winning_number,
		       called_count, status, finished_at
		FROM rounds
		WHERE status = $1
		ORDER BY finished_at, round_ref
	`

	rows, err := r.pool.Query(ctx, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var out []*model.RoundResult
	for rows.Next() {
		var res model.RoundResult
		if err := rows.Scan(
			&res.RoundRef,
			&res.Tier,
			&res.RoundNumber,
			&res.Players,
			&res.Pot,
			&res.WinnerID,
			&res.WinningNumber,
			&res.CalledCount,
			&res.Status,
			&res.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		out = append(out, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rounds: %w", err)
	}
	return out, nil
}

// SetStatus changes the status of a stored outcome.
func (r *RoundRepository) SetStatus(ctx context.Context, roundRef string, status model.RoundStatus) error {
	tag, err := r.pool.Exec(ctx, `UPDATE rounds SET status = $2 WHERE round_ref = $1`, roundRef, status)
	if err != nil {
		return fmt.Errorf("failed to update round status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRoundNotFound
	}
	return nil
}

// LastRoundNumber returns the highest round number stored for the tier,
// or zero when the tier has never finished a round.
func (r *RoundRepository) LastRoundNumber(ctx context.Context, tier int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(round_number), 0) FROM rounds WHERE tier = $1`, tier,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to get last round number: %w", err)
	}
	return n, nil
}
