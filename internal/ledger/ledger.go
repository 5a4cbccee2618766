// Package ledger is the organization credit ledger interface used by the
// dispatch engine: a non-binding precheck before any upstream call, an
// idempotent debit once usage is known, and a rare idempotent refund.
//
// Two implementations are provided: a Redis-backed ledger (atomic Lua
// check-and-decrement, shared across replicas) and an in-process ledger for
// development and tests. Amounts are decimal USD.
package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCredits — the org balance cannot cover the amount.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")

	// ErrAlreadyDebited — a debit with the same request id already applied.
	// Callers treat this as success (the charge happened exactly once).
	ErrAlreadyDebited = errors.New("ledger: request already debited")
)

// Ledger is the single source of truth for org credits. Implementations must
// serialize writes per organization and collapse concurrent debits for the
// same request id to one effect.
type Ledger interface {
	// Precheck reports whether the org can afford the estimated cost.
	// It is a non-binding read: nothing is reserved.
	Precheck(ctx context.Context, orgID string, estimate decimal.Decimal) error

	// Debit subtracts amount from the org balance, idempotent on requestID.
	Debit(ctx context.Context, orgID, requestID string, amount decimal.Decimal) error

	// Refund returns a previously debited amount. Idempotent; a refund for an
	// unknown or already-refunded request id is a no-op.
	Refund(ctx context.Context, orgID, requestID string) error

	// Balance returns the current org balance.
	Balance(ctx context.Context, orgID string) (decimal.Decimal, error)

	// Credit adds amount to the org balance (top-ups, provisioning).
	Credit(ctx context.Context, orgID string, amount decimal.Decimal) error
}

// MemoryLedger is an in-process Ledger. Suitable for single-instance
// deployments and tests; use the Redis ledger when running replicas.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	debits   map[string]decimal.Decimal // "org\x00rid" → amount
	refunded map[string]bool
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]decimal.Decimal),
		debits:   make(map[string]decimal.Decimal),
		refunded: make(map[string]bool),
	}
}

func (l *MemoryLedger) Precheck(_ context.Context, orgID string, estimate decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[orgID].LessThan(estimate) {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *MemoryLedger) Debit(_ context.Context, orgID, requestID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := orgID + "\x00" + requestID
	if _, done := l.debits[key]; done {
		return ErrAlreadyDebited
	}
	bal := l.balances[orgID]
	if bal.LessThan(amount) {
		return ErrInsufficientCredits
	}
	l.balances[orgID] = bal.Sub(amount)
	l.debits[key] = amount
	return nil
}

func (l *MemoryLedger) Refund(_ context.Context, orgID, requestID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := orgID + "\x00" + requestID
	amount, ok := l.debits[key]
	if !ok || l.refunded[key] {
		return nil
	}
	l.balances[orgID] = l.balances[orgID].Add(amount)
	l.refunded[key] = true
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, orgID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[orgID], nil
}

func (l *MemoryLedger) Credit(_ context.Context, orgID string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[orgID] = l.balances[orgID].Add(amount)
	return nil
}
