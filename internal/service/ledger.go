package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"telegram-bingo/internal/metrics"
	"telegram-bingo/internal/model"
	"telegram-bingo/internal/pkg/lock"
	"telegram-bingo/internal/repository"
)

// Ledger errors. Domain errors from the store are passed through unchanged.
var (
	ErrInvalidAmount           = errors.New("invalid amount: must be positive")
	ErrInvalidOutcome          = errors.New("withdrawal outcome must be completed or rejected")
	ErrLedgerUnavailable       = errors.New("ledger unavailable")
	ErrInsufficientBalance     = repository.ErrInsufficientBalance
	ErrPendingWithdrawalExists = repository.ErrPendingWithdrawalExists
	ErrAlreadyRecorded         = repository.ErrDuplicateEntry
	ErrPayoutNotFound          = errors.New("round has no payout")
	ErrPayoutMismatch          = errors.New("round already paid out to another user or amount")
)

// Ledger entry reasons.
const (
	ReasonStake            = "Bingo stake"
	ReasonStakeRefund      = "Bingo stake refund"
	ReasonGameWin          = "game win"
	ReasonRoundInterrupted = "round interrupted"
	ReasonWithdrawRefund   = "withdrawal refund"
)

const (
	defaultHistoryLimit = 100
	defaultWinsLimit    = 5
)

// LedgerStore is the persistence collaborator of the ledger. Every
// mutation must be atomic: balance change and entry insert together.
type LedgerStore interface {
	Apply(ctx context.Context, m repository.Movement) (*model.LedgerEntry, error)
	TransitionWithdrawal(ctx context.Context, t repository.WithdrawalTransition) (*model.LedgerEntry, error)
	GetEntry(ctx context.Context, id int64) (*model.LedgerEntry, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error)
	ListByKind(ctx context.Context, kind model.EntryKind, limit int) ([]*model.LedgerEntry, error)
	ListByRound(ctx context.Context, roundRef string) ([]*model.LedgerEntry, error)
	OrphanedStakes(ctx context.Context) ([]*model.LedgerEntry, error)
	UnrecordedRounds(ctx context.Context) ([]string, error)
}

// RoundBook is the round outcome store used by startup recovery.
type RoundBook interface {
	Save(ctx context.Context, res *model.RoundResult) error
	ListByStatus(ctx context.Context, status model.RoundStatus) ([]*model.RoundResult, error)
	SetStatus(ctx context.Context, roundRef string, status model.RoundStatus) error
}

// LedgerOptions bounds how long a mutation may take.
type LedgerOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	LockTimeout  time.Duration
}

// LedgerService is the only path that changes user balances. Mutations on
// one user are serialized by the in-process user lock and, in the store,
// by the user's row lock.
type LedgerService struct {
	store LedgerStore
	locks *lock.UserLock
	opts  LedgerOptions
	log   zerolog.Logger
}

// NewLedgerService creates a new LedgerService instance.
func NewLedgerService(store LedgerStore, locks *lock.UserLock, opts LedgerOptions) *LedgerService {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	return &LedgerService{
		store: store,
		locks: locks,
		opts:  opts,
		log:   log.With().Str("component", "ledger").Logger(),
	}
}

// CreditRequest describes a balance increase.
type CreditRequest struct {
	UserID   int64
	Amount   int64
	Kind     model.EntryKind
	Reason   string
	RoundRef string
	RefundOf int64
}

// WithdrawalRequest describes a withdrawal to an external account.
type WithdrawalRequest struct {
	UserID        int64
	Amount        int64
	Bank          string
	AccountNumber string
	Note          string
}

// DebitStake takes a round stake from the user's balance.
func (s *LedgerService) DebitStake(ctx context.Context, userID, amount int64, roundRef string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, "debit_stake", repository.Movement{
		UserID:    userID,
		Kind:      model.KindStakeDebit,
		Direction: model.DirectionDebit,
		Amount:    amount,
		RoundRef:  optional(roundRef),
		Reason:    ReasonStake,
	})
}

// Credit increases the user's balance. It is used for refunds, payouts and
// deposits and only fails on persistence trouble or a duplicate refund
// or payout.
func (s *LedgerService) Credit(ctx context.Context, req CreditRequest) (*model.LedgerEntry, error) {
	if req.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	m := repository.Movement{
		UserID:    req.UserID,
		Kind:      req.Kind,
		Direction: model.DirectionCredit,
		Amount:    req.Amount,
		RoundRef:  optional(req.RoundRef),
		Reason:    req.Reason,
	}
	if req.RefundOf != 0 {
		m.RefundOf = &req.RefundOf
	}
	return s.apply(ctx, "credit_"+string(req.Kind), m)
}

// RefundStake reverses a stake debit. A second refund of the same debit
// fails with ErrAlreadyRecorded.
func (s *LedgerService) RefundStake(ctx context.Context, debit *model.LedgerEntry, reason string) (*model.LedgerEntry, error) {
	req := CreditRequest{
		UserID:   debit.UserID,
		Amount:   debit.Amount,
		Kind:     model.KindStakeRefund,
		Reason:   reason,
		RefundOf: debit.ID,
	}
	if debit.RoundRef != nil {
		req.RoundRef = *debit.RoundRef
	}
	return s.Credit(ctx, req)
}

// PayOut credits a round's pot to its winner. A round pays out at most once.
func (s *LedgerService) PayOut(ctx context.Context, userID, amount int64, roundRef string) (*model.LedgerEntry, error) {
	return s.Credit(ctx, CreditRequest{
		UserID:   userID,
		Amount:   amount,
		Kind:     model.KindPayoutCredit,
		Reason:   ReasonGameWin,
		RoundRef: roundRef,
	})
}

// PayoutOf returns the payout entry of a round, or ErrPayoutNotFound.
func (s *LedgerService) PayoutOf(ctx context.Context, roundRef string) (*model.LedgerEntry, error) {
	entries, err := s.store.ListByRound(ctx, roundRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list round entries: %w", err)
	}
	for _, e := range entries {
		if e.Kind == model.KindPayoutCredit {
			return e, nil
		}
	}
	return nil, ErrPayoutNotFound
}

// Deposit credits money received from an external payment channel.
func (s *LedgerService) Deposit(ctx context.Context, userID, amount int64, reference string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.Credit(ctx, CreditRequest{
		UserID: userID,
		Amount: amount,
		Kind:   model.KindExternalDeposit,
		Reason: reference,
	})
}

// AdjustBalance applies an administrative signed change. A decrease that
// would make the balance negative fails with ErrInsufficientBalance.
func (s *LedgerService) AdjustBalance(ctx context.Context, userID, delta int64, reason string) (*model.LedgerEntry, error) {
	if delta == 0 {
		return nil, ErrInvalidAmount
	}
	m := repository.Movement{
		UserID:    userID,
		Kind:      model.KindManualAdjustment,
		Direction: model.DirectionCredit,
		Amount:    delta,
		Reason:    reason,
	}
	if delta < 0 {
		m.Direction = model.DirectionDebit
		m.Amount = -delta
	}
	return s.apply(ctx, "adjust_balance", m)
}

// RequestWithdrawal locks the amount immediately and opens a pending
// withdrawal. A user may have only one open withdrawal.
func (s *LedgerService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.LedgerEntry, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.apply(ctx, "request_withdrawal", repository.Movement{
		UserID:        req.UserID,
		Kind:          model.KindWithdrawal,
		Direction:     model.DirectionDebit,
		Amount:        req.Amount,
		Reason:        req.Note,
		Bank:          optional(req.Bank),
		AccountNumber: optional(req.AccountNumber),
	})
}

// MarkWithdrawalProcessing records that an operator picked up a pending
// withdrawal.
func (s *LedgerService) MarkWithdrawalProcessing(ctx context.Context, txID int64) (*model.LedgerEntry, error) {
	return s.transition(ctx, "process_withdrawal", repository.WithdrawalTransition{
		EntryID: txID,
		From:    []model.WithdrawStatus{model.WithdrawPending},
		To:      model.WithdrawProcessing,
	})
}

// ResolveWithdrawal completes or rejects an open withdrawal. Rejection
// returns the locked amount to the user.
func (s *LedgerService) ResolveWithdrawal(ctx context.Context, txID int64, outcome model.WithdrawStatus) (*model.LedgerEntry, error) {
	if outcome != model.WithdrawCompleted && outcome != model.WithdrawRejected {
		return nil, ErrInvalidOutcome
	}
	return s.transition(ctx, "resolve_withdrawal", repository.WithdrawalTransition{
		EntryID: txID,
		From:    []model.WithdrawStatus{model.WithdrawPending, model.WithdrawProcessing},
		To:      outcome,
		Refund:  outcome == model.WithdrawRejected,
		Reason:  ReasonWithdrawRefund,
	})
}

// CancelWithdrawal lets the owner withdraw a request that nobody picked up yet.
func (s *LedgerService) CancelWithdrawal(ctx context.Context, txID, userID int64) (*model.LedgerEntry, error) {
	return s.transition(ctx, "cancel_withdrawal", repository.WithdrawalTransition{
		EntryID: txID,
		UserID:  userID,
		From:    []model.WithdrawStatus{model.WithdrawPending},
		To:      model.WithdrawCancelled,
		Refund:  true,
		Reason:  ReasonWithdrawRefund,
	})
}

// History returns the user's latest entries, newest first.
func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	entries, err := s.store.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return entries, nil
}

// RecentWins returns the latest payouts across all rooms.
func (s *LedgerService) RecentWins(ctx context.Context, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultWinsLimit
	}
	entries, err := s.store.ListByKind(ctx, model.KindPayoutCredit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent wins: %w", err)
	}
	return entries, nil
}

// RecoverOrphanedStakes refunds stakes of rounds that never finished,
// e.g. because the process stopped mid-round. It must run before any room
// starts. Returns how many stakes were refunded.
func (s *LedgerService) RecoverOrphanedStakes(ctx context.Context) (int, error) {
	orphans, err := s.store.OrphanedStakes(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find orphaned stakes: %w", err)
	}

	refunded := 0
	for _, debit := range orphans {
		_, err := s.RefundStake(ctx, debit, ReasonRoundInterrupted)
		switch {
		case err == nil:
			refunded++
		case errors.Is(err, ErrAlreadyRecorded):
		default:
			return refunded, fmt.Errorf("failed to refund stake %d: %w", debit.ID, err)
		}
	}

	if refunded > 0 {
		s.log.Warn().Int("refunded", refunded).Msg("Refunded stakes of interrupted rounds")
	}
	return refunded, nil
}

// RecordUnfinishedRounds stores an outcome for every round reference that
// tags ledger entries but was never recorded, so a restarted room does not
// reuse it. Paid rounds are recorded as won, the rest as interrupted. Run it
// after RecoverOrphanedStakes.
func (s *LedgerService) RecordUnfinishedRounds(ctx context.Context, rounds RoundBook) (int, error) {
	refs, err := s.store.UnrecordedRounds(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to find unrecorded rounds: %w", err)
	}

	recorded := 0
	for _, ref := range refs {
		tier, number, err := model.ParseRoundRef(ref)
		if err != nil {
			s.log.Warn().Err(err).Str("round_ref", ref).Msg("Skipping unrecorded round")
			continue
		}
		entries, err := s.store.ListByRound(ctx, ref)
		if err != nil {
			return recorded, fmt.Errorf("failed to list entries of round %s: %w", ref, err)
		}

		res := &model.RoundResult{
			RoundRef:    ref,
			Tier:        tier,
			RoundNumber: number,
			Status:      model.RoundInterrupted,
			FinishedAt:  time.Now(),
		}
		for _, e := range entries {
			switch {
			case e.Kind == model.KindStakeDebit:
				res.Players++
				res.Pot += e.Amount
			case e.Kind == model.KindStakeRefund && e.Reason == ReasonStakeRefund:
				// deselected before the round closed
				res.Players--
				res.Pot -= e.Amount
			case e.Kind == model.KindPayoutCredit:
				winner := e.UserID
				res.WinnerID = &winner
				res.Status = model.RoundWon
			}
		}
		if err := rounds.Save(ctx, res); err != nil {
			return recorded, fmt.Errorf("failed to record round %s: %w", ref, err)
		}
		recorded++
		s.log.Warn().Str("round_ref", ref).Str("status", string(res.Status)).Msg("Recorded unfinished round")
	}
	return recorded, nil
}

// SettleFailedPayouts retries the payout of every round stored as
// payout_failed and marks it won once the winner is credited. Returns how
// many rounds were settled; rounds that still fail are left for the next run.
func (s *LedgerService) SettleFailedPayouts(ctx context.Context, rounds RoundBook) (int, error) {
	failed, err := rounds.ListByStatus(ctx, model.RoundPayoutFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to list unpaid rounds: %w", err)
	}

	settled := 0
	for _, res := range failed {
		if res.WinnerID == nil {
			continue
		}
		_, err := s.PayOut(ctx, *res.WinnerID, res.Pot, res.RoundRef)
		if errors.Is(err, ErrAlreadyRecorded) {
			err = s.confirmPayout(ctx, *res.WinnerID, res.Pot, res.RoundRef)
		}
		if err != nil {
			s.log.Error().Err(err).
				Str("round_ref", res.RoundRef).
				Int64("user_id", *res.WinnerID).
				Int64("pot", res.Pot).
				Msg("Payout still failing")
			continue
		}
		if err := rounds.SetStatus(ctx, res.RoundRef, model.RoundWon); err != nil {
			return settled, fmt.Errorf("failed to mark round %s won: %w", res.RoundRef, err)
		}
		settled++
		s.log.Info().Str("round_ref", res.RoundRef).Int64("user_id", *res.WinnerID).Msg("Settled failed payout")
	}
	return settled, nil
}

func (s *LedgerService) confirmPayout(ctx context.Context, userID, amount int64, roundRef string) error {
	prior, err := s.PayoutOf(ctx, roundRef)
	if err != nil {
		return err
	}
	if prior.UserID != userID || prior.Amount != amount {
		return fmt.Errorf("%w: round %s", ErrPayoutMismatch, roundRef)
	}
	return nil
}

func (s *LedgerService) apply(ctx context.Context, op string, m repository.Movement) (*model.LedgerEntry, error) {
	return s.mutate(ctx, op, m.UserID, func(ctx context.Context) (*model.LedgerEntry, error) {
		return s.store.Apply(ctx, m)
	})
}

func (s *LedgerService) transition(ctx context.Context, op string, t repository.WithdrawalTransition) (*model.LedgerEntry, error) {
	entry, err := s.store.GetEntry(ctx, t.EntryID)
	if err != nil {
		if repository.IsDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, err)
	}
	return s.mutate(ctx, op, entry.UserID, func(ctx context.Context) (*model.LedgerEntry, error) {
		return s.store.TransitionWithdrawal(ctx, t)
	})
}

// mutate runs fn inside the user's exclusive section, retrying transient
// failures. Domain errors are returned as is and never retried.
func (s *LedgerService) mutate(ctx context.Context, op string, userID int64, fn func(context.Context) (*model.LedgerEntry, error)) (*model.LedgerEntry, error) {
	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		var entry *model.LedgerEntry
		err := s.locks.WithLockContext(ctx, userID, s.opts.LockTimeout, func() error {
			var err error
			entry, err = fn(ctx)
			return err
		})
		if err == nil {
			metrics.RecordLedger(op, metrics.ResultOK, started)
			return entry, nil
		}
		if repository.IsDomainError(err) {
			metrics.RecordLedger(op, metrics.ResultRejected, started)
			return nil, err
		}

		lastErr = err
		if ctx.Err() != nil {
			break
		}
		s.log.Warn().Err(err).
			Str("op", op).
			Int64("user_id", userID).
			Int("attempt", attempt).
			Msg("Ledger mutation failed, retrying")

		if attempt < s.opts.MaxAttempts && !sleep(ctx, s.opts.RetryBackoff*time.Duration(attempt)) {
			break
		}
	}

	metrics.RecordLedger(op, metrics.ResultFailed, started)
	s.log.Error().Err(lastErr).
		Str("op", op).
		Int64("user_id", userID).
		Msg("Ledger mutation abandoned")
	return nil, fmt.Errorf("%w: %s: %w", ErrLedgerUnavailable, op, lastErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
