package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ledgers returns both implementations so every test runs against each.
func ledgers(t *testing.T) map[string]Ledger {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]Ledger{
		"memory": NewMemoryLedger(),
		"redis":  NewRedisLedger(rdb),
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDebit_Idempotent(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Credit(ctx, "org-1", dec("10")); err != nil {
				t.Fatalf("Credit: %v", err)
			}

			if err := l.Debit(ctx, "org-1", "req-1", dec("2.5")); err != nil {
				t.Fatalf("first Debit: %v", err)
			}
			if err := l.Debit(ctx, "org-1", "req-1", dec("2.5")); !errors.Is(err, ErrAlreadyDebited) {
				t.Fatalf("second Debit = %v, want ErrAlreadyDebited", err)
			}

			bal, _ := l.Balance(ctx, "org-1")
			if !bal.Equal(dec("7.5")) {
				t.Errorf("balance = %s, want 7.5 (debited exactly once)", bal)
			}
		})
	}
}

func TestDebit_Insufficient(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Debit(ctx, "org-empty", "req-1", dec("0.01")); !errors.Is(err, ErrInsufficientCredits) {
				t.Fatalf("Debit = %v, want ErrInsufficientCredits", err)
			}
		})
	}
}

func TestPrecheck(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Precheck(ctx, "org-1", dec("1")); !errors.Is(err, ErrInsufficientCredits) {
				t.Fatalf("Precheck empty org = %v, want ErrInsufficientCredits", err)
			}

			_ = l.Credit(ctx, "org-1", dec("1"))
			if err := l.Precheck(ctx, "org-1", dec("1")); err != nil {
				t.Fatalf("Precheck funded org = %v, want nil", err)
			}

			// Precheck does not reserve: balance is untouched.
			bal, _ := l.Balance(ctx, "org-1")
			if !bal.Equal(dec("1")) {
				t.Errorf("balance = %s after precheck, want 1", bal)
			}
		})
	}
}

func TestRefund_IdempotentAndUnknownNoop(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Credit(ctx, "org-1", dec("5"))
			_ = l.Debit(ctx, "org-1", "req-1", dec("3"))

			if err := l.Refund(ctx, "org-1", "req-1"); err != nil {
				t.Fatalf("Refund: %v", err)
			}
			// Second refund is a no-op.
			if err := l.Refund(ctx, "org-1", "req-1"); err != nil {
				t.Fatalf("second Refund: %v", err)
			}
			// Refund for an unknown request id is a no-op.
			if err := l.Refund(ctx, "org-1", "req-never"); err != nil {
				t.Fatalf("unknown Refund: %v", err)
			}

			bal, _ := l.Balance(ctx, "org-1")
			if !bal.Equal(dec("5")) {
				t.Errorf("balance = %s, want 5 (one refund applied)", bal)
			}
		})
	}
}

func TestDebit_ConcurrentSameRequestID(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = l.Credit(ctx, "org-1", dec("100"))

			const workers = 16
			var wg sync.WaitGroup
			applied := make(chan error, workers)

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					applied <- l.Debit(ctx, "org-1", "req-race", dec("1"))
				}()
			}
			wg.Wait()
			close(applied)

			ok := 0
			for err := range applied {
				if err == nil {
					ok++
				} else if !errors.Is(err, ErrAlreadyDebited) {
					t.Errorf("unexpected error: %v", err)
				}
			}
			if ok != 1 {
				t.Errorf("%d debits applied, want exactly 1", ok)
			}

			bal, _ := l.Balance(ctx, "org-1")
			if !bal.Equal(dec("99")) {
				t.Errorf("balance = %s, want 99", bal)
			}
		})
	}
}

func TestRedisLedger_FractionalAmounts(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewRedisLedger(rdb)
	ctx := context.Background()

	// Token-level costs are tiny fractions; they must survive the nano scaling.
	_ = l.Credit(ctx, "org-1", dec("0.01"))
	if err := l.Debit(ctx, "org-1", "r1", dec("0.000042")); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	bal, _ := l.Balance(ctx, "org-1")
	if !bal.Equal(dec("0.009958")) {
		t.Errorf("balance = %s, want 0.009958", bal)
	}
}
