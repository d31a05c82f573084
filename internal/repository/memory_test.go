package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"telegram-bingo/internal/model"
)

func TestMemoryStore_ApplyRules(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, 1, "p1", 2000)
	require.NoError(t, err)

	_, err = s.Apply(ctx, Movement{UserID: 2, Kind: model.KindExternalDeposit, Direction: model.DirectionCredit, Amount: 1})
	assert.ErrorIs(t, err, ErrUserNotFound)

	debit, err := s.Apply(ctx, Movement{
		UserID: 1, Kind: model.KindStakeDebit, Direction: model.DirectionDebit,
		Amount: 2000, RoundRef: ptr("10-000001"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), debit.BalanceAfter)

	_, err = s.Apply(ctx, Movement{UserID: 1, Kind: model.KindStakeDebit, Direction: model.DirectionDebit, Amount: 1})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = s.Apply(ctx, Movement{
		UserID: 1, Kind: model.KindPayoutCredit, Direction: model.DirectionCredit,
		Amount: 4000, RoundRef: ptr("10-000001"),
	})
	require.NoError(t, err)
	_, err = s.Apply(ctx, Movement{
		UserID: 1, Kind: model.KindPayoutCredit, Direction: model.DirectionCredit,
		Amount: 4000, RoundRef: ptr("10-000001"),
	})
	assert.ErrorIs(t, err, ErrDuplicateEntry, "one payout per round")

	u, err := s.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4000), u.Balance)
}

func TestMemoryStore_FailNext(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Create(ctx, 1, "p1", 100)
	require.NoError(t, err)

	s.FailNext(1)
	_, err = s.Apply(ctx, Movement{UserID: 1, Kind: model.KindExternalDeposit, Direction: model.DirectionCredit, Amount: 5})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsDomainError(err))

	_, err = s.Apply(ctx, Movement{UserID: 1, Kind: model.KindExternalDeposit, Direction: model.DirectionCredit, Amount: 5})
	require.NoError(t, err)
}

func TestMemoryStore_WithdrawalOwnerCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Create(ctx, 1, "p1", 100)
	_, _ = s.Create(ctx, 2, "p2", 100)

	w, err := s.Apply(ctx, Movement{UserID: 1, Kind: model.KindWithdrawal, Direction: model.DirectionDebit, Amount: 50})
	require.NoError(t, err)

	_, err = s.TransitionWithdrawal(ctx, WithdrawalTransition{
		EntryID: w.ID, UserID: 2,
		From: []model.WithdrawStatus{model.WithdrawPending}, To: model.WithdrawCancelled, Refund: true,
	})
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = s.TransitionWithdrawal(ctx, WithdrawalTransition{
		EntryID: 99, From: []model.WithdrawStatus{model.WithdrawPending}, To: model.WithdrawCancelled,
	})
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestMemoryStore_OrphanedStakesIncludeInterruptedRounds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Create(ctx, 1, "p1", 5000)

	e, err := s.Apply(ctx, Movement{
		UserID: 1, Kind: model.KindStakeDebit, Direction: model.DirectionDebit,
		Amount: 1000, RoundRef: ptr("10-000004"),
	})
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, &model.RoundResult{
		RoundRef: "10-000004", Tier: 10, RoundNumber: 4, Status: model.RoundInterrupted, FinishedAt: time.Now(),
	}))

	orphans, err := s.OrphanedStakes(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, e.ID, orphans[0].ID)

	n, err := s.LastRoundNumber(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

func TestMemoryStore_RoundBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.Create(ctx, 1, "p1", 5000)

	for _, ref := range []string{"20-000002", "10-000009", "20-000002"} {
		_, err := s.Apply(ctx, Movement{
			UserID: 1, Kind: model.KindStakeDebit, Direction: model.DirectionDebit,
			Amount: 1000, RoundRef: ptr(ref),
		})
		require.NoError(t, err)
	}
	refs, err := s.UnrecordedRounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"10-000009", "20-000002"}, refs)

	winner := int64(1)
	require.NoError(t, s.Save(ctx, &model.RoundResult{
		RoundRef: "10-000009", Tier: 10, RoundNumber: 9, Pot: 1000, WinnerID: &winner,
		Status: model.RoundPayoutFailed, FinishedAt: time.Now(),
	}))
	refs, err = s.UnrecordedRounds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"20-000002"}, refs)

	failed, err := s.ListByStatus(ctx, model.RoundPayoutFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "10-000009", failed[0].RoundRef)

	require.NoError(t, s.SetStatus(ctx, "10-000009", model.RoundWon))
	failed, err = s.ListByStatus(ctx, model.RoundPayoutFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
	got, err := s.Get(ctx, "10-000009")
	require.NoError(t, err)
	assert.Equal(t, model.RoundWon, got.Status)

	assert.ErrorIs(t, s.SetStatus(ctx, "10-000010", model.RoundWon), ErrRoundNotFound)
	s.FailNext(1)
	assert.ErrorIs(t, s.SetStatus(ctx, "10-000009", model.RoundNoWinner), ErrStoreUnavailable)
}

// TestMemoryStoreConservationProperty checks that the final balance always
// equals the opening balance plus the signed sum of recorded entries, and
// that no entry is recorded for a rejected movement.
func TestMemoryStoreConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		s := NewMemoryStore()
		opening := rapid.Int64Range(0, 10000).Draw(t, "opening")
		if _, err := s.Create(ctx, 1, "p", opening); err != nil {
			t.Fatal(err)
		}

		ops := rapid.IntRange(1, 40).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			dir := rapid.SampledFrom([]model.Direction{model.DirectionCredit, model.DirectionDebit}).Draw(t, "dir")
			amount := rapid.Int64Range(0, 3000).Draw(t, "amount")
			before, _ := s.GetByID(ctx, 1)
			entriesBefore, _ := s.ListByUser(ctx, 1, 0)

			_, err := s.Apply(ctx, Movement{UserID: 1, Kind: model.KindManualAdjustment, Direction: dir, Amount: amount})

			entriesAfter, _ := s.ListByUser(ctx, 1, 0)
			if err != nil {
				if len(entriesAfter) != len(entriesBefore) {
					t.Fatalf("rejected movement recorded an entry")
				}
				if dir != model.DirectionDebit || amount <= before.Balance {
					t.Fatalf("unexpected rejection: %v", err)
				}
			}
		}

		u, _ := s.GetByID(ctx, 1)
		entries, _ := s.ListByUser(ctx, 1, 0)
		sum := opening
		for _, e := range entries {
			sum += e.Signed()
		}
		if u.Balance != sum || u.Balance < 0 {
			t.Fatalf("balance %d does not match ledger sum %d", u.Balance, sum)
		}
	})
}
