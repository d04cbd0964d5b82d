package shop_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/shop"
	"github.com/richardliu001/coinledger/internal/testutil"
)

const (
	alice = "069a79f444e94726a5befca90e38aaf5"
	bob   = "853c80ef3c3749fdaa49938b674adae6"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := shop.New(testutil.SetupDB(t), testutil.FastRetry(), logger.Nop())

	loc := model.Location{World: "world", X: 10, Y: 64, Z: -5}
	require.NoError(t, r.Put(ctx, model.Shop{World: loc.World, X: loc.X, Y: loc.Y, Z: loc.Z,
		Owner: "069a79f4-44e9-4726-a5be-fca90e38aaf5", CoOwner: model.StrPtr(bob)}))
	require.NoError(t, r.Put(ctx, model.Shop{World: "nether", X: 1, Y: 2, Z: 3, Owner: bob}))

	got, err := r.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, alice, got.Owner)
	assert.Equal(t, loc, got.Location())

	shops, err := r.ListByOwner(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, shops, 2, "co-owned shops count")

	require.NoError(t, r.MarkEmpty(ctx, loc, true))
	got, err = r.Get(ctx, loc)
	require.NoError(t, err)
	assert.True(t, got.Empty)
	assert.NotNil(t, got.EmptySince)

	require.NoError(t, r.MarkEmpty(ctx, loc, false))
	got, err = r.Get(ctx, loc)
	require.NoError(t, err)
	assert.False(t, got.Empty)
	assert.Nil(t, got.EmptySince)

	require.NoError(t, r.Delete(ctx, loc))
	_, err = r.Get(ctx, loc)
	assert.ErrorIs(t, err, model.ErrShopNotFound)
	assert.ErrorIs(t, r.Delete(ctx, loc), model.ErrShopNotFound)
	assert.ErrorIs(t, r.MarkEmpty(ctx, loc, true), model.ErrShopNotFound)

	assert.Error(t, r.Put(ctx, model.Shop{World: "w", Owner: "nobody"}))
}

func TestRegistry_EmptyMarkers(t *testing.T) {
	ctx := context.Background()
	r := shop.New(testutil.SetupDB(t), testutil.FastRetry(), logger.Nop())

	loc := model.Location{World: "world", X: 1, Y: 1, Z: 1}
	require.NoError(t, r.PutEmpty(ctx, model.EmptyShop{World: loc.World, X: 1, Y: 1, Z: 1, Owner: alice}))
	require.NoError(t, r.PutEmpty(ctx, model.EmptyShop{World: loc.World, X: 1, Y: 1, Z: 1, Owner: alice}), "re-marking is an upsert")
	require.NoError(t, r.PutEmpty(ctx, model.EmptyShop{World: "end", X: 0, Y: 0, Z: 0, Owner: bob}))

	mine, err := r.ListEmpty(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, loc, mine[0].Location())

	all, err := r.ListEmpty(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, r.DeleteEmpty(ctx, loc))
	all, err = r.ListEmpty(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
