package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"

	"github.com/richardliu001/coinledger/internal/model"
)

// RedisMirror publishes balances as balance:<uuid> keys with a TTL so other
// server nodes can read them without touching the database.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Mirror = (*RedisMirror)(nil)

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func balanceKey(uuid string) string { return "balance:" + uuid }

func (m *RedisMirror) Store(ctx context.Context, acc *model.Account) error {
	return m.rdb.Set(ctx, balanceKey(acc.UUID), acc.Balance.String(), m.ttl).Err()
}

// balance reads a mirrored balance; redis.Nil means it expired or was never set.
func (m *RedisMirror) balance(ctx context.Context, uuid string) (decimal.Decimal, error) {
	str, err := m.rdb.Get(ctx, balanceKey(uuid)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(str)
	if err != nil {
		return decimal.Zero, fmt.Errorf("cache: mirrored balance for %s: %w", uuid, err)
	}
	return d, nil
}
