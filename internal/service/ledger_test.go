package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"telegram-bingo/internal/model"
	"telegram-bingo/internal/pkg/lock"
	"telegram-bingo/internal/repository"
)

func newTestLedger(t require.TestingT, balances map[int64]int64) (*LedgerService, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	for id, bal := range balances {
		_, err := store.Create(context.Background(), id, "player", bal)
		require.NoError(t, err)
	}
	svc := NewLedgerService(store, lock.NewUserLock(), LedgerOptions{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		LockTimeout:  time.Second,
	})
	return svc, store
}

func balanceOf(t require.TestingT, store *repository.MemoryStore, id int64) int64 {
	u, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

// ============================================================================
// Stakes and credits
// ============================================================================

func TestLedgerService_DebitStake(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 1500})

	entry, err := svc.DebitStake(ctx, 1, 1000, "10-000001")
	require.NoError(t, err)
	assert.Equal(t, model.KindStakeDebit, entry.Kind)
	assert.Equal(t, "10-000001", *entry.RoundRef)
	assert.Equal(t, int64(500), balanceOf(t, store, 1))

	_, err = svc.DebitStake(ctx, 1, 1000, "10-000002")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, int64(500), balanceOf(t, store, 1))

	_, err = svc.DebitStake(ctx, 1, 0, "10-000002")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedgerService_RefundStakeExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 1000})

	debit, err := svc.DebitStake(ctx, 1, 1000, "20-000003")
	require.NoError(t, err)

	refund, err := svc.RefundStake(ctx, debit, ReasonStakeRefund)
	require.NoError(t, err)
	assert.Equal(t, debit.ID, *refund.RefundOf)
	assert.Equal(t, "20-000003", *refund.RoundRef)

	_, err = svc.RefundStake(ctx, debit, ReasonStakeRefund)
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.Equal(t, int64(1000), balanceOf(t, store, 1))
}

func TestLedgerService_PayOutOncePerRound(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 0})

	entry, err := svc.PayOut(ctx, 1, 4000, "20-000007")
	require.NoError(t, err)
	assert.Equal(t, ReasonGameWin, entry.Reason)

	_, err = svc.PayOut(ctx, 1, 4000, "20-000007")
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
	assert.Equal(t, int64(4000), balanceOf(t, store, 1))
}

func TestLedgerService_DepositAndAdjust(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 100})

	_, err := svc.Deposit(ctx, 1, 900, "sms FT123")
	require.NoError(t, err)
	_, err = svc.Deposit(ctx, 1, 0, "sms")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.AdjustBalance(ctx, 1, -1500, "chargeback")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	adj, err := svc.AdjustBalance(ctx, 1, -400, "correction")
	require.NoError(t, err)
	assert.Equal(t, model.DirectionDebit, adj.Direction)
	assert.Equal(t, int64(400), adj.Amount)
	assert.Equal(t, int64(600), balanceOf(t, store, 1))

	_, err = svc.AdjustBalance(ctx, 1, 0, "noop")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

// ============================================================================
// Withdrawals
// ============================================================================

func TestLedgerService_WithdrawalOverBalanceCreatesNoEntry(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 500})

	_, err := svc.RequestWithdrawal(ctx, WithdrawalRequest{UserID: 1, Amount: 501, Bank: "CBE", AccountNumber: "1000"})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	history, err := svc.History(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, int64(500), balanceOf(t, store, 1))
}

func TestLedgerService_WithdrawalLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 5000, 2: 5000})

	w, err := svc.RequestWithdrawal(ctx, WithdrawalRequest{UserID: 1, Amount: 2000, Bank: "Telebirr", AccountNumber: "0911"})
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawPending, *w.WithdrawStatus)
	assert.Equal(t, "Telebirr", *w.Bank)
	assert.Equal(t, int64(3000), balanceOf(t, store, 1))

	_, err = svc.RequestWithdrawal(ctx, WithdrawalRequest{UserID: 1, Amount: 100})
	assert.ErrorIs(t, err, ErrPendingWithdrawalExists)

	_, err = svc.CancelWithdrawal(ctx, w.ID, 2)
	assert.ErrorIs(t, err, repository.ErrEntryNotFound, "only the owner may cancel")

	processing, err := svc.MarkWithdrawalProcessing(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawProcessing, *processing.WithdrawStatus)

	_, err = svc.CancelWithdrawal(ctx, w.ID, 1)
	assert.ErrorIs(t, err, repository.ErrInvalidWithdrawalState, "cancel only from pending")

	done, err := svc.ResolveWithdrawal(ctx, w.ID, model.WithdrawCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawCompleted, *done.WithdrawStatus)
	assert.Equal(t, int64(3000), balanceOf(t, store, 1))

	_, err = svc.ResolveWithdrawal(ctx, w.ID, model.WithdrawRejected)
	assert.ErrorIs(t, err, repository.ErrInvalidWithdrawalState)

	_, err = svc.ResolveWithdrawal(ctx, w.ID, model.WithdrawCancelled)
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestLedgerService_RejectAndCancelRefund(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 5000})

	w, err := svc.RequestWithdrawal(ctx, WithdrawalRequest{UserID: 1, Amount: 2000})
	require.NoError(t, err)
	_, err = svc.ResolveWithdrawal(ctx, w.ID, model.WithdrawRejected)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), balanceOf(t, store, 1))

	w, err = svc.RequestWithdrawal(ctx, WithdrawalRequest{UserID: 1, Amount: 1000})
	require.NoError(t, err, "a resolved withdrawal no longer blocks new ones")
	cancelled, err := svc.CancelWithdrawal(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.WithdrawCancelled, *cancelled.WithdrawStatus)
	assert.Equal(t, int64(5000), balanceOf(t, store, 1))

	_, err = svc.CancelWithdrawal(ctx, w.ID, 1)
	assert.ErrorIs(t, err, repository.ErrInvalidWithdrawalState)
}

// ============================================================================
// Failure handling and recovery
// ============================================================================

func TestLedgerService_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 0})

	store.FailNext(2)
	_, err := svc.PayOut(ctx, 1, 300, "10-000001")
	require.NoError(t, err)
	assert.Equal(t, int64(300), balanceOf(t, store, 1))
}

func TestLedgerService_ExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 0})

	store.FailNext(3)
	_, err := svc.PayOut(ctx, 1, 300, "10-000001")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, repository.ErrStoreUnavailable)
	assert.Equal(t, int64(0), balanceOf(t, store, 1))
}

func TestLedgerService_RecoverOrphanedStakes(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestLedger(t, map[int64]int64{1: 1000, 2: 1000, 3: 1000})

	_, err := svc.DebitStake(ctx, 1, 1000, "10-000005")
	require.NoError(t, err)
	_, err = svc.DebitStake(ctx, 2, 1000, "10-000005")
	require.NoError(t, err)
	_, err = svc.DebitStake(ctx, 3, 1000, "10-000004")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, &model.RoundResult{RoundRef: "10-000004", Tier: 10, RoundNumber: 4, Status: model.RoundWon}))

	n, err := svc.RecoverOrphanedStakes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1000), balanceOf(t, store, 1))
	assert.Equal(t, int64(1000), balanceOf(t, store, 2))
	assert.Equal(t, int64(0), balanceOf(t, store, 3))

	n, err = svc.RecoverOrphanedStakes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recovery is idempotent")
}

func TestLedgerService_RecentWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestLedger(t, map[int64]int64{1: 0, 2: 0})

	_, _ = svc.PayOut(ctx, 1, 100, "10-000001")
	_, _ = svc.Deposit(ctx, 2, 50, "sms")
	_, _ = svc.PayOut(ctx, 2, 200, "10-000002")

	wins, err := svc.RecentWins(ctx, 5)
	require.NoError(t, err)
	require.Len(t, wins, 2)
	assert.Equal(t, int64(2), wins[0].UserID)
	assert.Equal(t, int64(1), wins[1].UserID)
}

// TestConcurrentMutationsLinearizedProperty checks that stake debits and
// admin adjustments racing on one user never overdraw it and leave the
// balance equal to the opening balance plus the recorded entries.
func TestConcurrentMutationsLinearizedProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		opening := rapid.Int64Range(0, 5000).Draw(t, "opening")
		stakes := rapid.IntRange(1, 15).Draw(t, "stakes")
		adjustments := rapid.SliceOfN(rapid.Int64Range(-2000, 2000).Filter(func(v int64) bool { return v != 0 }), 0, 10).Draw(t, "adjustments")

		svc, store := newTestLedger(t, map[int64]int64{1: opening})
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 0; i < stakes; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = svc.DebitStake(ctx, 1, 1000, "10-000001")
			}()
		}
		for _, d := range adjustments {
			wg.Add(1)
			go func(d int64) {
				defer wg.Done()
				_, _ = svc.AdjustBalance(ctx, 1, d, "admin")
			}(d)
		}
		wg.Wait()

		entries, err := svc.History(ctx, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		sum := opening
		for _, e := range entries {
			sum += e.Signed()
		}
		final := balanceOf(t, store, 1)
		if final < 0 || final != sum {
			t.Fatalf("balance %d, ledger implies %d", final, sum)
		}
	})
}

func TestLedgerService_PayoutOf(t *testing.T) {
	svc, _ := newTestLedger(t, map[int64]int64{1: 5000})
	ctx := context.Background()

	_, err := svc.PayoutOf(ctx, "10-000001")
	assert.ErrorIs(t, err, ErrPayoutNotFound)

	_, err = svc.DebitStake(ctx, 1, 1000, "10-000001")
	require.NoError(t, err)
	paid, err := svc.PayOut(ctx, 1, 1000, "10-000001")
	require.NoError(t, err)

	got, err := svc.PayoutOf(ctx, "10-000001")
	require.NoError(t, err)
	assert.Equal(t, paid.ID, got.ID)
	assert.Equal(t, int64(1), got.UserID)
}

func TestLedgerService_RecordUnfinishedRounds(t *testing.T) {
	svc, store := newTestLedger(t, map[int64]int64{1: 5000, 2: 5000, 3: 5000})
	ctx := context.Background()

	// 10-000003 was paid out before the crash.
	for _, id := range []int64{1, 2} {
		_, err := svc.DebitStake(ctx, id, 1000, "10-000003")
		require.NoError(t, err)
	}
	_, err := svc.PayOut(ctx, 2, 2000, "10-000003")
	require.NoError(t, err)

	// 20-000007 was cut short; user 3 deselected before it closed.
	_, err = svc.DebitStake(ctx, 1, 2000, "20-000007")
	require.NoError(t, err)
	deselected, err := svc.DebitStake(ctx, 3, 2000, "20-000007")
	require.NoError(t, err)
	_, err = svc.RefundStake(ctx, deselected, ReasonStakeRefund)
	require.NoError(t, err)

	refunded, err := svc.RecoverOrphanedStakes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)

	recorded, err := svc.RecordUnfinishedRounds(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, recorded)

	won, err := store.Get(ctx, "10-000003")
	require.NoError(t, err)
	assert.Equal(t, model.RoundWon, won.Status)
	assert.Equal(t, int64(10), won.Tier)
	assert.Equal(t, int64(3), won.RoundNumber)
	assert.Equal(t, 2, won.Players)
	assert.Equal(t, int64(2000), won.Pot)
	require.NotNil(t, won.WinnerID)
	assert.Equal(t, int64(2), *won.WinnerID)

	cut, err := store.Get(ctx, "20-000007")
	require.NoError(t, err)
	assert.Equal(t, model.RoundInterrupted, cut.Status)
	assert.Equal(t, 1, cut.Players)
	assert.Equal(t, int64(2000), cut.Pot)
	assert.Nil(t, cut.WinnerID)

	last, err := store.LastRoundNumber(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	recorded, err = svc.RecordUnfinishedRounds(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, recorded)
}

func TestLedgerService_SettleFailedPayouts(t *testing.T) {
	svc, store := newTestLedger(t, map[int64]int64{1: 5000, 2: 5000, 3: 5000})
	ctx := context.Background()

	failedRound := func(ref string, winner, pot int64) {
		t.Helper()
		require.NoError(t, store.Save(ctx, &model.RoundResult{
			RoundRef: ref, Tier: 10, RoundNumber: int64(len(store.Rounds()) + 1),
			Players: 1, Pot: pot, WinnerID: &winner,
			Status: model.RoundPayoutFailed, FinishedAt: time.Now(),
		}))
	}

	// never credited
	failedRound("10-000001", 1, 1000)
	// credited after the round was stored
	_, err := svc.PayOut(ctx, 2, 1000, "10-000002")
	require.NoError(t, err)
	failedRound("10-000002", 2, 1000)
	// credited to someone else
	_, err = svc.PayOut(ctx, 1, 1000, "10-000003")
	require.NoError(t, err)
	failedRound("10-000003", 3, 1000)

	settled, err := svc.SettleFailedPayouts(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	assert.Equal(t, int64(7000), balanceOf(t, store, 1))
	assert.Equal(t, int64(6000), balanceOf(t, store, 2))
	assert.Equal(t, int64(5000), balanceOf(t, store, 3))

	for ref, want := range map[string]model.RoundStatus{
		"10-000001": model.RoundWon,
		"10-000002": model.RoundWon,
		"10-000003": model.RoundPayoutFailed,
	} {
		res, err := store.Get(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, want, res.Status, ref)
	}

	settled, err = svc.SettleFailedPayouts(ctx, store)
	require.NoError(t, err)
	assert.Zero(t, settled)
}
