package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"telegram-bingo/internal/model"
)

// ErrStoreUnavailable is returned by MemoryStore while injected failures
// are pending.
var ErrStoreUnavailable = errors.New("store unavailable")

// MemoryStore keeps users, ledger entries and rounds in process memory.
// It follows the same rules as the PostgreSQL repositories and serves the
// "memory" storage driver and tests.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[int64]*model.User
	entries  []*model.LedgerEntry
	rounds   map[string]*model.RoundResult
	failures int
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:  make(map[int64]*model.User),
		rounds: make(map[string]*model.RoundResult),
		now:    time.Now,
	}
}

// FailNext makes the next n mutating calls fail with ErrStoreUnavailable.
func (s *MemoryStore) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *MemoryStore) injectedFailure() error {
	if s.failures > 0 {
		s.failures--
		return ErrStoreUnavailable
	}
	return nil
}

// Create registers a user with an opening balance.
func (s *MemoryStore) Create(_ context.Context, userID int64, displayName string, balance int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		return nil, ErrUserExists
	}
	now := s.now()
	u := &model.User{ID: userID, DisplayName: displayName, Balance: balance, CreatedAt: now, UpdatedAt: now}
	s.users[userID] = u
	cp := *u
	return &cp, nil
}

// GetByID retrieves a user by id.
func (s *MemoryStore) GetByID(_ context.Context, userID int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Apply changes the user's balance and appends the entry, or does nothing.
func (s *MemoryStore) Apply(_ context.Context, m Movement) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return nil, err
	}
	return s.applyLocked(m)
}

func (s *MemoryStore) applyLocked(m Movement) (*model.LedgerEntry, error) {
	u, ok := s.users[m.UserID]
	if !ok {
		return nil, ErrUserNotFound
	}

	var status *model.WithdrawStatus
	if m.opensWithdrawal() {
		for _, e := range s.entries {
			if e.UserID == m.UserID && e.WithdrawStatus != nil && e.WithdrawStatus.Open() {
				return nil, ErrPendingWithdrawalExists
			}
		}
		pending := model.WithdrawPending
		status = &pending
	}

	after := u.Balance + m.delta()
	if after < 0 {
		return nil, ErrInsufficientBalance
	}

	for _, e := range s.entries {
		if m.RefundOf != nil && e.RefundOf != nil && *e.RefundOf == *m.RefundOf {
			return nil, ErrDuplicateEntry
		}
		if m.Kind == model.KindPayoutCredit && e.Kind == model.KindPayoutCredit &&
			m.RoundRef != nil && e.RoundRef != nil && *e.RoundRef == *m.RoundRef {
			return nil, ErrDuplicateEntry
		}
	}

	now := s.now()
	u.Balance = after
	u.UpdatedAt = now
	e := &model.LedgerEntry{
		ID:             int64(len(s.entries) + 1),
		UserID:         m.UserID,
		Kind:           m.Kind,
		Direction:      m.Direction,
		Amount:         m.Amount,
		BalanceAfter:   after,
		RoundRef:       m.RoundRef,
		Reason:         m.Reason,
		RefundOf:       m.RefundOf,
		WithdrawStatus: status,
		Bank:           m.Bank,
		AccountNumber:  m.AccountNumber,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.entries = append(s.entries, e)
	return copyEntry(e), nil
}

// TransitionWithdrawal changes a withdrawal's status, crediting the
// locked amount back when t.Refund is set.
func (s *MemoryStore) TransitionWithdrawal(_ context.Context, t WithdrawalTransition) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return nil, err
	}

	if t.EntryID < 1 || t.EntryID > int64(len(s.entries)) {
		return nil, ErrEntryNotFound
	}
	e := s.entries[t.EntryID-1]
	if e.Kind != model.KindWithdrawal || e.WithdrawStatus == nil {
		return nil, ErrEntryNotFound
	}
	if t.UserID != 0 && e.UserID != t.UserID {
		return nil, ErrEntryNotFound
	}
	if !t.allowed(*e.WithdrawStatus) {
		return nil, ErrInvalidWithdrawalState
	}

	if t.Refund {
		refundOf := e.ID
		if _, err := s.applyLocked(Movement{
			UserID:    e.UserID,
			Kind:      model.KindWithdrawal,
			Direction: model.DirectionCredit,
			Amount:    e.Amount,
			Reason:    t.Reason,
			RefundOf:  &refundOf,
		}); err != nil {
			return nil, err
		}
	}

	to := t.To
	e.WithdrawStatus = &to
	e.UpdatedAt = s.now()
	return copyEntry(e), nil
}

// GetEntry retrieves a ledger entry by id.
func (s *MemoryStore) GetEntry(_ context.Context, id int64) (*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > int64(len(s.entries)) {
		return nil, ErrEntryNotFound
	}
	return copyEntry(s.entries[id-1]), nil
}

// ListByUser returns a user's entries, newest first.
func (s *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	return s.filterNewest(limit, func(e *model.LedgerEntry) bool { return e.UserID == userID }), nil
}

// ListByKind returns the latest entries of one kind across all users.
func (s *MemoryStore) ListByKind(_ context.Context, kind model.EntryKind, limit int) ([]*model.LedgerEntry, error) {
	return s.filterNewest(limit, func(e *model.LedgerEntry) bool { return e.Kind == kind }), nil
}

// ListByRound returns every entry tagged with the round reference, oldest first.
func (s *MemoryStore) ListByRound(_ context.Context, roundRef string) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.LedgerEntry
	for _, e := range s.entries {
		if e.RoundRef != nil && *e.RoundRef == roundRef {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

// OrphanedStakes returns stake debits that were never refunded and whose
// round has no payout and no outcome other than "interrupted".
func (s *MemoryStore) OrphanedStakes(context.Context) ([]*model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	refunded := make(map[int64]bool)
	paid := make(map[string]bool)
	for _, e := range s.entries {
		if e.RefundOf != nil {
			refunded[*e.RefundOf] = true
		}
		if e.Kind == model.KindPayoutCredit && e.RoundRef != nil {
			paid[*e.RoundRef] = true
		}
	}

	var out []*model.LedgerEntry
	for _, e := range s.entries {
		if e.Kind != model.KindStakeDebit || refunded[e.ID] {
			continue
		}
		if e.RoundRef != nil {
			if paid[*e.RoundRef] {
				continue
			}
			if r, ok := s.rounds[*e.RoundRef]; ok && r.Status != model.RoundInterrupted {
				continue
			}
		}
		out = append(out, copyEntry(e))
	}
	return out, nil
}

// UnrecordedRounds returns the references that tag ledger entries but have
// no stored outcome.
func (s *MemoryStore) UnrecordedRounds(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range s.entries {
		if e.RoundRef == nil || seen[*e.RoundRef] {
			continue
		}
		seen[*e.RoundRef] = true
		if _, ok := s.rounds[*e.RoundRef]; !ok {
			out = append(out, *e.RoundRef)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) filterNewest(limit int, keep func(*model.LedgerEntry) bool) []*model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if keep(s.entries[i]) {
			out = append(out, copyEntry(s.entries[i]))
		}
	}
	return out
}

// Save records a round outcome. Saving the same reference twice keeps the
// first record.
func (s *MemoryStore) Save(_ context.Context, res *model.RoundResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return err
	}
	if _, ok := s.rounds[res.RoundRef]; !ok {
		cp := *res
		s.rounds[res.RoundRef] = &cp
	}
	return nil
}

// Get retrieves a round outcome by reference.
func (s *MemoryStore) Get(_ context.Context, roundRef string) (*model.RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundRef]
	if !ok {
		return nil, ErrRoundNotFound
	}
	cp := *r
	return &cp, nil
}

// ListByStatus returns the outcomes with status ordered by tier and number.
func (s *MemoryStore) ListByStatus(_ context.Context, status model.RoundStatus) ([]*model.RoundResult, error) {
	var out []*model.RoundResult
	for _, r := range s.Rounds() {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetStatus changes the status of a stored outcome.
func (s *MemoryStore) SetStatus(_ context.Context, roundRef string, status model.RoundStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injectedFailure(); err != nil {
		return err
	}
	r, ok := s.rounds[roundRef]
	if !ok {
		return ErrRoundNotFound
	}
	r.Status = status
	return nil
}

// LastRoundNumber returns the highest round number stored for the tier.
func (s *MemoryStore) LastRoundNumber(_ context.Context, tier int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rounds {
		if r.Tier == tier && r.RoundNumber > n {
			n = r.RoundNumber
		}
	}
	return n, nil
}

// Rounds returns all stored outcomes ordered by tier and round number.
func (s *MemoryStore) Rounds() []*model.RoundResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.RoundResult, 0, len(s.rounds))
	for _, r := range s.rounds {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].RoundNumber < out[j].RoundNumber
	})
	return out
}

func copyEntry(e *model.LedgerEntry) *model.LedgerEntry {
	cp := *e
	if e.WithdrawStatus != nil {
		s := *e.WithdrawStatus
		cp.WithdrawStatus = &s
	}
	return &cp
}
