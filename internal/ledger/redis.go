package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Balances are stored as integer nano-credits (1 credit = 1e9) so that all
// Redis-side arithmetic is exact integer math.
const nanoScale = 9

// debitScript atomically checks the idempotency marker, verifies the balance,
// and decrements it.
// KEYS[1] = balance key
// KEYS[2] = debit marker key
// ARGV[1] = amount in nano-credits
// ARGV[2] = marker TTL in seconds
// Returns: "ok", "dup", or "insufficient".
var debitScript = redis.NewScript(`
		local bal_key = KEYS[1]
		local marker  = KEYS[2]
		local amount  = tonumber(ARGV[1])
		local ttl     = tonumber(ARGV[2])

		if redis.call('EXISTS', marker) == 1 then
			return 'dup'
		end

		local bal = tonumber(redis.call('GET', bal_key) or '0')
		if bal < amount then
			return 'insufficient'
		end

		redis.call('DECRBY', bal_key, amount)
		redis.call('SET', marker, amount, 'EX', ttl)
		return 'ok'
`)

// refundScript reverses a debit exactly once.
// KEYS[1] = balance key
// KEYS[2] = debit marker key
// KEYS[3] = refund marker key
// ARGV[1] = marker TTL in seconds
// Returns: "ok" or "noop".
var refundScript = redis.NewScript(`
		local bal_key = KEYS[1]
		local marker  = KEYS[2]
		local rmarker = KEYS[3]
		local ttl     = tonumber(ARGV[1])

		local amount = redis.call('GET', marker)
		if not amount or redis.call('EXISTS', rmarker) == 1 then
			return 'noop'
		end

		redis.call('INCRBY', bal_key, tonumber(amount))
		redis.call('SET', rmarker, 1, 'EX', ttl)
		return 'ok'
`)

// RedisLedger is a Redis-backed Ledger. Debits are serialized per org by
// Redis' single-threaded execution of the Lua scripts.
type RedisLedger struct {
	rdb       *redis.Client
	markerTTL time.Duration
}

// NewRedisLedger wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb, markerTTL: 24 * time.Hour}
}

func balanceKey(orgID string) string     { return "credits:" + orgID }
func debitKey(orgID, rid string) string  { return "debit:" + orgID + ":" + rid }
func refundKey(orgID, rid string) string { return "refund:" + orgID + ":" + rid }

func toNano(d decimal.Decimal) int64 {
	return d.Shift(nanoScale).IntPart()
}

func fromNano(n int64) decimal.Decimal {
	return decimal.New(n, -nanoScale)
}

func (l *RedisLedger) Precheck(ctx context.Context, orgID string, estimate decimal.Decimal) error {
	bal, err := l.Balance(ctx, orgID)
	if err != nil {
		return err
	}
	if bal.LessThan(estimate) {
		return ErrInsufficientCredits
	}
	return nil
}

func (l *RedisLedger) Debit(ctx context.Context, orgID, requestID string, amount decimal.Decimal) error {
	res, err := debitScript.Run(ctx, l.rdb,
		[]string{balanceKey(orgID), debitKey(orgID, requestID)},
		toNano(amount), int(l.markerTTL.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("ledger: debit: %w", err)
	}

	switch res {
	case "ok":
		return nil
	case "dup":
		return ErrAlreadyDebited
	case "insufficient":
		return ErrInsufficientCredits
	default:
		return fmt.Errorf("ledger: debit: unexpected script result %q", res)
	}
}

func (l *RedisLedger) Refund(ctx context.Context, orgID, requestID string) error {
	_, err := refundScript.Run(ctx, l.rdb,
		[]string{balanceKey(orgID), debitKey(orgID, requestID), refundKey(orgID, requestID)},
		int(l.markerTTL.Seconds()),
	).Text()
	if err != nil {
		return fmt.Errorf("ledger: refund: %w", err)
	}
	return nil
}

func (l *RedisLedger) Balance(ctx context.Context, orgID string) (decimal.Decimal, error) {
	n, err := l.rdb.Get(ctx, balanceKey(orgID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("ledger: balance: %w", err)
	}
	return fromNano(n), nil
}

func (l *RedisLedger) Credit(ctx context.Context, orgID string, amount decimal.Decimal) error {
	if err := l.rdb.IncrBy(ctx, balanceKey(orgID), toNano(amount)).Err(); err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	return nil
}
