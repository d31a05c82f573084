package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Domain errors returned by the stores. Callers must not retry them.
var (
	ErrUserNotFound            = errors.New("user not found")
	ErrUserExists              = errors.New("user already exists")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrPendingWithdrawalExists = errors.New("a withdrawal is already pending")
	ErrEntryNotFound           = errors.New("ledger entry not found")
	ErrInvalidWithdrawalState  = errors.New("withdrawal is not in a state that allows this transition")
	ErrDuplicateEntry          = errors.New("ledger entry already recorded")
	ErrRoundNotFound           = errors.New("round not found")
)

// IsDomainError reports whether err is a business rule rejection rather
// than a persistence failure.
func IsDomainError(err error) bool {
	for _, target := range []error{
		ErrUserNotFound,
		ErrUserExists,
		ErrInsufficientBalance,
		ErrPendingWithdrawalExists,
		ErrEntryNotFound,
		ErrInvalidWithdrawalState,
		ErrDuplicateEntry,
		ErrRoundNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
