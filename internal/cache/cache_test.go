package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/model"
)

const (
	alice = "069a79f444e94726a5befca90e38aaf5"
	bob   = "853c80ef3c3749fdaa49938b674adae6"
)

type staticSource map[string]*model.Account

func (s staticSource) ListAll(context.Context) (map[string]*model.Account, error) { return s, nil }

type failingSource struct{}

func (failingSource) ListAll(context.Context) (map[string]*model.Account, error) {
	return nil, errors.New("db down")
}

func TestCache_LoadAndCopies(t *testing.T) {
	ctx := context.Background()
	c := New(nil, logger.Nop())
	require.NoError(t, c.Load(ctx, staticSource{
		alice: {UUID: alice, Name: "Alice", Balance: decimal.NewFromInt(10)},
	}))

	a, ok := c.Get(alice)
	require.True(t, ok)
	a.Balance = decimal.NewFromInt(1_000_000)

	again, _ := c.Get(alice)
	assert.True(t, again.Balance.Equal(decimal.NewFromInt(10)), "returned copies do not alias cache state")

	_, ok = c.Get(bob)
	assert.False(t, ok)
	assert.Error(t, c.Load(ctx, failingSource{}))
	assert.Equal(t, 1, c.Len(), "failed reload keeps previous contents")
}

func TestCache_NameIndexFollowsRenames(t *testing.T) {
	ctx := context.Background()
	c := New(nil, logger.Nop())
	c.Put(ctx, &model.Account{UUID: alice, Name: "Alice"})

	id, ok := c.FindUUIDByName("ALICE")
	require.True(t, ok)
	assert.Equal(t, alice, id)

	c.Put(ctx, &model.Account{UUID: alice, Name: "Alicia"})
	_, ok = c.FindUUIDByName("alice")
	assert.False(t, ok)
	id, ok = c.FindUUIDByName("alicia")
	assert.True(t, ok)
	assert.Equal(t, alice, id)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	c := New(nil, logger.Nop())
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Put(ctx, &model.Account{UUID: alice, Name: "Alice", Balance: decimal.NewFromInt(int64(i))})
		}()
		go func() {
			defer wg.Done()
			c.Get(alice)
			c.FindUUIDByName("alice")
		}()
	}
	wg.Wait()
	assert.True(t, c.Exists(alice))
}

func TestCache_PutDropsOlderVersion(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	c := New(NewRedisMirror(rdb, time.Minute), logger.Nop())

	mock.ExpectSet("balance:"+alice, "120", time.Minute).SetVal("OK")
	c.Put(ctx, &model.Account{UUID: alice, Name: "Alice", Balance: decimal.NewFromInt(120), Version: 2})
	c.Put(ctx, &model.Account{UUID: alice, Name: "Alicia", Balance: decimal.NewFromInt(110), Version: 1})

	a, ok := c.Get(alice)
	require.True(t, ok)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(120)), "late write of an older version is ignored")
	assert.Equal(t, uint64(2), a.Version)
	_, ok = c.FindUUIDByName("alicia")
	assert.False(t, ok, "dropped write leaves the name index alone")
	assert.NoError(t, mock.ExpectationsWereMet(), "dropped write is not mirrored")

	mock.ExpectSet("balance:"+alice, "130", time.Minute).SetVal("OK")
	c.Put(ctx, &model.Account{UUID: alice, Name: "Alice", Balance: decimal.NewFromInt(130), Version: 2})
	a, _ = c.Get(alice)
	assert.True(t, a.Balance.Equal(decimal.NewFromInt(130)), "equal versions overwrite")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisMirror(t *testing.T) {
	ctx := context.Background()
	rdb, mock := redismock.NewClientMock()
	mirror := NewRedisMirror(rdb, time.Minute)
	c := New(mirror, logger.Nop())

	mock.ExpectSet("balance:"+alice, "70", time.Minute).SetVal("OK")
	mock.ExpectSet("balance:"+bob, "30", time.Minute).SetErr(errors.New("redis down"))
	mock.ExpectGet("balance:" + alice).SetVal("70")
	mock.ExpectGet("balance:" + bob).RedisNil()

	c.Put(ctx, &model.Account{UUID: alice, Balance: decimal.NewFromInt(70)})
	c.Put(ctx, &model.Account{UUID: bob, Balance: decimal.NewFromInt(30)})
	assert.True(t, c.Exists(bob), "mirror failures never fail the cache write")

	bal, err := mirror.balance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(70)))

	_, err = mirror.balance(ctx, bob)
	assert.ErrorIs(t, err, redis.Nil)
	assert.NoError(t, mock.ExpectationsWereMet())
}
