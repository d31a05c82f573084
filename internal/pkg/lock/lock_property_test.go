package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestConcurrentBalanceSafetyProperty checks that read-modify-write updates
// of one user's balance under the lock equal their sequential sum.
func TestConcurrentBalanceSafetyProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.Int64Range(1000, 100000).Draw(t, "initial")
		amounts := rapid.SliceOfN(rapid.Int64Range(-500, 500), 2, 20).Draw(t, "amounts")
		userID := rapid.Int64Range(1, 1000000).Draw(t, "userID")

		expected := initial
		for _, a := range amounts {
			expected += a
		}

		ul := NewUserLock()
		balance := initial

		var wg sync.WaitGroup
		for _, a := range amounts {
			wg.Add(1)
			go func(amount int64) {
				defer wg.Done()
				ul.Lock(userID)
				defer ul.Unlock(userID)
				current := balance
				balance = current + amount
			}(a)
		}
		wg.Wait()

		if balance != expected {
			t.Fatalf("balance mismatch: expected %d, got %d", expected, balance)
		}
		if ul.Len() != 0 {
			t.Fatalf("expected all entries released, %d left", ul.Len())
		}
	})
}

// TestWithLockContextProperty checks that WithLockContext serializes
// concurrent callers on independent users.
func TestWithLockContextProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		users := rapid.IntRange(1, 5).Draw(t, "users")
		opsPerUser := rapid.IntRange(1, 15).Draw(t, "opsPerUser")

		ul := NewUserLock()
		balances := make([]int64, users)

		var wg sync.WaitGroup
		for u := 0; u < users; u++ {
			for i := 0; i < opsPerUser; i++ {
				wg.Add(1)
				go func(u int) {
					defer wg.Done()
					err := ul.WithLockContext(context.Background(), int64(u), time.Second, func() error {
						balances[u] += 10
						return nil
					})
					if err != nil {
						panic(err)
					}
				}(u)
			}
		}
		wg.Wait()

		for u, b := range balances {
			if b != int64(opsPerUser)*10 {
				t.Fatalf("user %d: expected %d, got %d", u, opsPerUser*10, b)
			}
		}
	})
}

func TestUserLock_TryLock(t *testing.T) {
	ul := NewUserLock()

	require.True(t, ul.TryLock(1))
	assert.True(t, ul.IsLocked(1))
	assert.False(t, ul.TryLock(1))
	assert.True(t, ul.TryLock(2), "other users are independent")

	ul.Unlock(1)
	ul.Unlock(2)
	assert.False(t, ul.IsLocked(1))
	assert.Equal(t, 0, ul.Len())
}

func TestUserLock_WithLockContextTimeout(t *testing.T) {
	ul := NewUserLock()
	ul.Lock(7)
	defer ul.Unlock(7)

	called := false
	err := ul.WithLockContext(context.Background(), 7, 20*time.Millisecond, func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called)
}

func TestUserLock_WithLockContextCancelled(t *testing.T) {
	ul := NewUserLock()
	ul.Lock(7)
	defer ul.Unlock(7)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ul.WithLockContext(ctx, 7, time.Second, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserLock_UnlockWithoutLock(t *testing.T) {
	ul := NewUserLock()
	ul.Unlock(99)
	assert.False(t, ul.IsLocked(99))
}
