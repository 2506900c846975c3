package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"comandapos/internal/repository"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient tab balance")
	ErrTenderUnavailable   = errors.New("external tender processor unavailable")
	// ErrTenderOutcomeUnknown marks a charge that reached the processor but
	// got no answer; it may still be approved.
	ErrTenderOutcomeUnknown = errors.New("external tender outcome unknown")
	// ErrConflict is surfaced once the bounded compare-and-swap retries are exhausted.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrPersistence wraps durable-write failures after ledgers were mutated.
	ErrPersistence = errors.New("persistence failure")
	// ErrLedgerFrozen is returned for rows whose cached value disagrees with
	// their movement history. They refuse writes until reconciled.
	ErrLedgerFrozen      = errors.New("ledger row frozen pending reconciliation")
	ErrSessionClosed     = errors.New("cash session is not open")
	ErrSessionBusy       = errors.New("cash session has orders in flight")
	ErrSessionExists     = errors.New("register already has an open session")
	ErrNotesRequired     = errors.New("notes are required for a critical variance")
	ErrTabClosed         = errors.New("tab is closed")
	ErrTabBalanceNotZero = errors.New("tab balance must be zero to close")
	ErrNotInFlight       = errors.New("order is not in flight")
	ErrCancelTooLate     = errors.New("order is already committing")
	ErrInvalidState      = errors.New("operation not allowed in current state")
	ErrForbidden         = errors.New("resource belongs to another venue")
)

// isCents reports whether d is a money amount with at most two decimals.
func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// notFound maps the repository sentinel to the service one, leaving other
// errors untouched.
func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// RetryPolicy bounds compare-and-swap retries on ledger rows.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy matches the LEDGER_MAX_RETRIES / LEDGER_RETRY_BACKOFF_MS defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 5 * time.Millisecond}
}

// withCAS runs fn until it stops returning repository.ErrVersionConflict.
// After MaxAttempts conflicts it returns ErrConflict. Sleeps are jittered
// over [Backoff, 2*Backoff) and honour ctx.
func withCAS(ctx context.Context, p RetryPolicy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		if attempt >= p.MaxAttempts {
			return ErrConflict
		}
		wait := p.Backoff
		if wait > 0 {
			wait += time.Duration(rand.Int64N(int64(wait)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
