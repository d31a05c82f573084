// Package model defines the persistent data models of the bingo engine.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// User is a player account. Balance is in minor units.
type User struct {
	ID          int64     `db:"user_id" json:"user_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Balance     int64     `db:"balance" json:"balance"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// EntryKind categorizes a ledger entry.
type EntryKind string

// Ledger entry kinds.
const (
	KindStakeDebit       EntryKind = "stake_debit"
	KindStakeRefund      EntryKind = "stake_refund"
	KindPayoutCredit     EntryKind = "payout_credit"
	KindManualAdjustment EntryKind = "manual_adjustment"
	KindExternalDeposit  EntryKind = "external_deposit"
	KindWithdrawal       EntryKind = "withdrawal"
)

// Direction tells whether an entry added to or removed from the balance.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// WithdrawStatus is the lifecycle state of a withdrawal request.
type WithdrawStatus string

const (
	WithdrawPending    WithdrawStatus = "pending"
	WithdrawProcessing WithdrawStatus = "processing"
	WithdrawCompleted  WithdrawStatus = "completed"
	WithdrawRejected   WithdrawStatus = "rejected"
	WithdrawCancelled  WithdrawStatus = "cancelled"
)

// Open reports whether the withdrawal still holds locked funds.
func (s WithdrawStatus) Open() bool {
	return s == WithdrawPending || s == WithdrawProcessing
}

// LedgerEntry is an immutable record of one balance movement.
// Only WithdrawStatus may change after creation.
type LedgerEntry struct {
	ID             int64           `db:"id" json:"id"`
	UserID         int64           `db:"user_id" json:"user_id"`
	Kind           EntryKind       `db:"kind" json:"kind"`
	Direction      Direction       `db:"direction" json:"direction"`
	Amount         int64           `db:"amount" json:"amount"`
	BalanceAfter   int64           `db:"balance_after" json:"balance_after"`
	RoundRef       *string         `db:"round_ref" json:"round_ref,omitempty"`
	Reason         string          `db:"reason" json:"reason"`
	RefundOf       *int64          `db:"refund_of" json:"refund_of,omitempty"`
	WithdrawStatus *WithdrawStatus `db:"withdraw_status" json:"withdraw_status,omitempty"`
	Bank           *string         `db:"bank" json:"bank,omitempty"`
	AccountNumber  *string         `db:"account_number" json:"account_number,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Signed returns the entry amount with the sign of its direction.
func (e *LedgerEntry) Signed() int64 {
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

// RoundStatus is the outcome of a finished round.
type RoundStatus string

const (
	RoundWon          RoundStatus = "won"
	RoundNoWinner     RoundStatus = "no_winner"
	RoundNoPlayers    RoundStatus = "no_players"
	RoundPayoutFailed RoundStatus = "payout_failed"
	RoundInterrupted  RoundStatus = "interrupted"
)

// RoundResult is the persisted outcome of one round.
type RoundResult struct {
	RoundRef      string      `db:"round_ref" json:"round_ref"`
	Tier          int64       `db:"tier" json:"tier"`
	RoundNumber   int64       `db:"round_number" json:"round_number"`
	Players       int         `db:"players" json:"players"`
	Pot           int64       `db:"pot" json:"pot"`
	WinnerID      *int64      `db:"winner_id" json:"winner_id,omitempty"`
	WinningNumber *int        `db:"winning_number" json:"winning_number,omitempty"`
	CalledCount   int         `db:"called_count" json:"called_count"`
	Status        RoundStatus `db:"status" json:"status"`
	FinishedAt    time.Time   `db:"finished_at" json:"finished_at"`
}

// RoundRef formats the reference that tags every ledger entry of a round.
func RoundRef(tier, roundNumber int64) string {
	return fmt.Sprintf("%d-%06d", tier, roundNumber)
}

// ParseRoundRef splits a reference made by RoundRef.
func ParseRoundRef(ref string) (tier, roundNumber int64, err error) {
	t, n, ok := strings.Cut(ref, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed round reference %q", ref)
	}
	if tier, err = strconv.ParseInt(t, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed round reference %q: %w", ref, err)
	}
	if roundNumber, err = strconv.ParseInt(n, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed round reference %q: %w", ref, err)
	}
	return tier, roundNumber, nil
}
