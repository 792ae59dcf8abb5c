// errors.go defines the error taxonomy shared by every module.
// Handlers use these errors to tell an expected business condition apart from
// an infrastructure fault and to give the client the exact reason.

package common

import (
	"errors"
	"fmt"
)

// Voting errors
var (
	// ErrInvalidVoteCount: zero or negative number of votes
	ErrInvalidVoteCount = errors.New("vote count must be positive")
	// ErrVoteCountTooLarge: batch cost would not fit in an int64
	ErrVoteCountTooLarge = errors.New("vote count exceeds the per-batch limit")
	// ErrInvalidIssue: empty issue id
	ErrInvalidIssue = errors.New("issue id is required")
)

// Ledger errors
var (
	// ErrInsufficientCredit: not enough credits for the requested spend.
	// Concrete failures are *InsufficientCreditError and match it via errors.Is.
	ErrInsufficientCredit = errors.New("insufficient credits")
	// ErrInvalidAmount: zero or negative amount
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidUser: empty user id
	ErrInvalidUser = errors.New("user id is required")
	// ErrInvalidKind: transaction kind not allowed for the operation
	ErrInvalidKind = errors.New("transaction kind not allowed")
	// ErrLedgerMismatch: balance does not reconcile against the transaction log
	ErrLedgerMismatch = errors.New("ledger does not reconcile")
)

// Infrastructure errors
var (
	// ErrStorageFailure: the store is unavailable or the write failed; nothing was applied
	ErrStorageFailure = errors.New("storage failure")
	// ErrNotFound: the requested row does not exist
	ErrNotFound = errors.New("not found")
)

// Privacy errors
var (
	// ErrPrivacyUnavailable: private vote requested but the privacy layer cannot serve it
	ErrPrivacyUnavailable = errors.New("privacy service unavailable")
	// ErrWindowOpen: aggregate reveal requested before the voting window closed
	ErrWindowOpen = errors.New("voting window is still open")
	// ErrInvalidCommitment: malformed or foreign commitment
	ErrInvalidCommitment = errors.New("invalid commitment")
)

// Access errors
var (
	// ErrUnauthenticated: no valid credentials presented
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden: caller may not perform the operation
	ErrForbidden = errors.New("operation not permitted")
)

// InsufficientCreditError carries how many credits the user had and how many
// the operation needed. No state was changed when it is returned.
type InsufficientCreditError struct {
	Have int64
	Need int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credits: have %d, need %d", e.Have, e.Need)
}

// Is makes errors.Is(err, ErrInsufficientCredit) true.
func (e *InsufficientCreditError) Is(target error) bool {
	return target == ErrInsufficientCredit
}

// Short returns how many credits are missing.
func (e *InsufficientCreditError) Short() int64 {
	return e.Need - e.Have
}

// StorageError wraps a backend error so that it matches ErrStorageFailure
// while keeping the original cause reachable through errors.Unwrap.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageFailure, err)
}
