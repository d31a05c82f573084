package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"telegram-bingo/internal/model"
)

// Movement describes one balance change to apply atomically together
// with its ledger entry.
type Movement struct {
	UserID    int64
	Kind      model.EntryKind
	Direction model.Direction
	Amount    int64
	RoundRef  *string
	Reason    string
	// RefundOf links a compensating entry to the entry it reverses.
	// At most one entry may reference a given id.
	RefundOf *int64
	// Bank and AccountNumber are set on withdrawal requests.
	Bank          *string
	AccountNumber *string
}

// opensWithdrawal reports whether the movement is a new withdrawal request.
func (m Movement) opensWithdrawal() bool {
	return m.Kind == model.KindWithdrawal && m.Direction == model.DirectionDebit
}

func (m Movement) delta() int64 {
	if m.Direction == model.DirectionDebit {
		return -m.Amount
	}
	return m.Amount
}

// WithdrawalTransition moves a withdrawal entry between states. When
// Refund is set the locked amount is credited back in the same unit.
type WithdrawalTransition struct {
	EntryID int64
	// UserID restricts the transition to the owner when non-zero.
	UserID int64
	From   []model.WithdrawStatus
	To     model.WithdrawStatus
	Refund bool
	Reason string
}

func (t WithdrawalTransition) allowed(s model.WithdrawStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

const entryColumns = `id, user_id, kind, direction, amount, balance_after, round_ref, reason,
	refund_of, withdraw_status, bank, account_number, created_at, updated_at`

// LedgerRepository persists balances and ledger entries in PostgreSQL.
// Each mutation runs in one transaction holding the user's row lock.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// Apply changes the user's balance and appends the entry, or does nothing.
func (r *LedgerRepository) Apply(ctx context.Context, m Movement) (*model.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entry, err := applyMovement(ctx, tx, m)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit ledger entry: %w", err)
	}
	return entry, nil
}

func applyMovement(ctx context.Context, tx pgx.Tx, m Movement) (*model.LedgerEntry, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE user_id = $1 FOR UPDATE`, m.UserID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}

	var status *model.WithdrawStatus
	if m.opensWithdrawal() {
		var open bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM ledger_entries
				WHERE user_id = $1 AND withdraw_status IN ('pending', 'processing')
			)`, m.UserID).Scan(&open)
		if err != nil {
			return nil, fmt.Errorf("failed to check open withdrawals: %w", err)
		}
		if open {
			return nil, ErrPendingWithdrawalExists
		}
		pending := model.WithdrawPending
		status = &pending
	}

	after := balance + m.delta()
	if after < 0 {
		return nil, ErrInsufficientBalance
	}

	if _, err := tx.Exec(ctx,
		`UPDATE users SET balance = $2, updated_at = NOW() WHERE user_id = $1`,
		m.UserID, after,
	); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries
			(user_id, kind, direction, amount, balance_after, round_ref, reason,
			 refund_of, withdraw_status, bank, account_number)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+entryColumns,
		m.UserID, m.Kind, m.Direction, m.Amount, after, m.RoundRef, m.Reason,
		m.RefundOf, status, m.Bank, m.AccountNumber,
	)
	entry, err := scanEntry(row)
	if err != nil {
		if isUniqueViolation(err) {
			if m.opensWithdrawal() {
				return nil, ErrPendingWithdrawalExists
			}
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return entry, nil
}

// TransitionWithdrawal changes a withdrawal's status, crediting the
// locked amount back when t.Refund is set.
func (r *LedgerRepository) TransitionWithdrawal(ctx context.Context, t WithdrawalTransition) (*model.LedgerEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE id = $1 AND kind = 'withdrawal' AND withdraw_status IS NOT NULL
		FOR UPDATE`, t.EntryID)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to lock withdrawal: %w", err)
	}
	if t.UserID != 0 && entry.UserID != t.UserID {
		return nil, ErrEntryNotFound
	}
	if !t.allowed(*entry.WithdrawStatus) {
		return nil, ErrInvalidWithdrawalState
	}

	if t.Refund {
		refundOf := entry.ID
		_, err := applyMovement(ctx, tx, Movement{
			UserID:    entry.UserID,
			Kind:      model.KindWithdrawal,
			Direction: model.DirectionCredit,
			Amount:    entry.Amount,
			Reason:    t.Reason,
			RefundOf:  &refundOf,
		})
		if err != nil {
			return nil, err
		}
	}

	row = tx.QueryRow(ctx, `
		UPDATE ledger_entries SET withdraw_status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+entryColumns, entry.ID, t.To)
	entry, err = scanEntry(row)
	if err != nil {
		return nil, fmt.Errorf("failed to update withdrawal status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit withdrawal transition: %w", err)
	}
	return entry, nil
}

// GetEntry retrieves a ledger entry by id.
func (r *LedgerRepository) GetEntry(ctx context.Context, id int64) (*model.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return entry, nil
}

// ListByUser returns a user's entries, newest first.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
}

// ListByKind returns the latest entries of one kind across all users.
func (r *LedgerRepository) ListByKind(ctx context.Context, kind model.EntryKind, limit int) ([]*model.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE kind = $1
		ORDER BY id DESC
		LIMIT $2`, kind, limit)
}

// ListByRound returns every entry tagged with the round reference, oldest first.
func (r *LedgerRepository) ListByRound(ctx context.Context, roundRef string) ([]*model.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE round_ref = $1
		ORDER BY id`, roundRef)
}

// OrphanedStakes returns stake debits that were never refunded and whose
// round has no payout and no outcome other than "interrupted".
func (r *LedgerRepository) OrphanedStakes(ctx context.Context) ([]*model.LedgerEntry, error) {
	return r.query(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries d
		WHERE d.kind = 'stake_debit'
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries r WHERE r.refund_of = d.id)
		  AND NOT EXISTS (
			SELECT 1 FROM rounds o
			WHERE o.round_ref = d.round_ref AND o.status <> 'interrupted'
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_entries p
			WHERE p.kind = 'payout_credit' AND p.round_ref = d.round_ref
		  )
		ORDER BY d.id`)
}

// UnrecordedRounds returns the references that tag ledger entries but have
// no stored outcome.
func (r *LedgerRepository) UnrecordedRounds(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT l.round_ref
		FROM ledger_entries l
		WHERE l.round_ref IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM rounds o WHERE o.round_ref = l.round_ref)
		ORDER BY l.round_ref`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unrecorded rounds: %w", err)
	}
	refs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan unrecorded rounds: %w", err)
	}
	return refs, nil
}

func (r *LedgerRepository) query(ctx context.Context, sql string, args ...any) ([]*model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

func scanEntry(row pgx.Row) (*model.LedgerEntry, error) {
	var e model.LedgerEntry
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Kind,
		&e.Direction,
		&e.Amount,
		&e.BalanceAfter,
		&e.RoundRef,
		&e.Reason,
		&e.RefundOf,
		&e.WithdrawStatus,
		&e.Bank,
		&e.AccountNumber,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
