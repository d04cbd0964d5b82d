package autopay_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/autopay"
	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/schema"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
	"github.com/richardliu001/coinledger/internal/testutil"
)

const (
	alice = "069a79f444e94726a5befca90e38aaf5"
	bob   = "853c80ef3c3749fdaa49938b674adae6"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*autopay.Service, *sqlstore.Store, *pool.Pool) {
	t.Helper()
	ctx := context.Background()
	p := testutil.SetupDB(t)
	log := logger.Nop()
	st := sqlstore.New(p, schema.New(p, testutil.FastRetry(), log), testutil.FastRetry(), log)
	for id, name := range map[string]string{alice: "Alice", bob: "Bob"} {
		_, err := st.Create(ctx, id, name)
		require.NoError(t, err)
	}
	_, err := st.SetBalance(ctx, alice, dec("10"))
	require.NoError(t, err)
	l := ledger.New(p, testutil.FastRetry(), nil, log)
	return autopay.New(p, testutil.FastRetry(), l, log), st, p
}

func TestTick_RunsDueAutopaysUntilExhausted(t *testing.T) {
	ctx := context.Background()
	svc, st, p := setup(t)

	ap, err := svc.Create(ctx, autopay.CreateRequest{
		Name: "rent", Source: model.StrPtr(alice), Destination: model.StrPtr(bob),
		Amount: dec("3"), InverseFrequency: 2, TimesLeft: 2,
	})
	require.NoError(t, err)

	rep, err := svc.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Due)

	rep, err = svc.Tick(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, autopay.TickReport{Due: 1, Ran: 1}, rep)

	rep, err = svc.Tick(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Exhausted)

	got, err := svc.Get(ctx, ap.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.EqualValues(t, 0, got.TimesLeft)

	rep, err = svc.Tick(ctx, 6)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Due, "exhausted autopays stop running")

	a, err := st.Get(ctx, alice)
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(dec("4")))

	var rows []model.Transaction
	require.NoError(t, p.With(ctx, func(db *gorm.DB) error { return db.Find(&rows).Error }))
	require.Len(t, rows, 2)
	assert.Equal(t, model.TxTypeAutopay, rows[0].Type)
	require.NotNil(t, rows[0].Induce.AutopayID)
	assert.Equal(t, ap.ID, *rows[0].Induce.AutopayID)
	assert.Equal(t, "rent", *rows[0].Message)
}

func TestTick_FailedRunKeepsAutopayAlive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	ap, err := svc.Create(ctx, autopay.CreateRequest{
		Name: "too much", Source: model.StrPtr(alice), Destination: model.StrPtr(bob),
		Amount: dec("11"), InverseFrequency: 1, TimesLeft: 1,
	})
	require.NoError(t, err)

	rep, err := svc.Tick(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	got, err := svc.Get(ctx, ap.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.EqualValues(t, 1, got.TimesLeft)
}

// interfering changes the autopay table right before each run.
type interfering struct {
	next   autopay.Executor
	before func(db *gorm.DB) error
	pool   *pool.Pool
}

func (e interfering) ExecuteWith(ctx context.Context, req model.TransferRequest, hook ledger.Hook) (*model.Transaction, error) {
	if err := e.pool.With(ctx, e.before); err != nil {
		return nil, err
	}
	return e.next.ExecuteWith(ctx, req, hook)
}

func TestTick_CountdownFailureRollsBackTransfer(t *testing.T) {
	cases := map[string]func(db *gorm.DB) error{
		"removed": func(db *gorm.DB) error {
			return db.Where("1 = 1").Delete(&model.Autopay{}).Error
		},
		"cancelled": func(db *gorm.DB) error {
			return db.Model(&model.Autopay{}).Where("1 = 1").Update("active", false).Error
		},
	}
	for name, before := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, st, p := setup(t)
			log := logger.Nop()
			l := ledger.New(p, testutil.FastRetry(), nil, log)
			svc := autopay.New(p, testutil.FastRetry(), interfering{next: l, before: before, pool: p}, log)

			_, err := svc.Create(ctx, autopay.CreateRequest{
				Name: "rent", Source: model.StrPtr(alice), Destination: model.StrPtr(bob),
				Amount: dec("3"), InverseFrequency: 1, TimesLeft: 2,
			})
			require.NoError(t, err)

			rep, err := svc.Tick(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, autopay.TickReport{Due: 1, Failed: 1}, rep)

			a, err := st.Get(ctx, alice)
			require.NoError(t, err)
			assert.True(t, a.Balance.Equal(dec("10")), "transfer rolled back with the countdown")
			b, err := st.Get(ctx, bob)
			require.NoError(t, err)
			assert.True(t, b.Balance.IsZero())

			var passed int64
			require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
				return db.Model(&model.Transaction{}).Where("passed = ?", true).Count(&passed).Error
			}))
			assert.Zero(t, passed)
		})
	}
}

func TestTick_UnlimitedAutopayKeepsRunning(t *testing.T) {
	ctx := context.Background()
	svc, st, _ := setup(t)

	ap, err := svc.Create(ctx, autopay.CreateRequest{
		Name: "tip", Source: model.StrPtr(alice), Destination: model.StrPtr(bob),
		Amount: dec("1"), InverseFrequency: 1,
	})
	require.NoError(t, err)
	for n := uint64(1); n <= 3; n++ {
		rep, err := svc.Tick(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, autopay.TickReport{Due: 1, Ran: 1}, rep)
	}

	got, err := svc.Get(ctx, ap.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)
	assert.EqualValues(t, 0, got.TimesLeft)
	b, err := st.Get(ctx, bob)
	require.NoError(t, err)
	assert.True(t, b.Balance.Equal(dec("3")))
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	base := autopay.CreateRequest{Source: model.StrPtr(alice), Destination: model.StrPtr(bob), Amount: dec("1"), InverseFrequency: 1}
	cases := map[string]struct {
		mut  func(r *autopay.CreateRequest)
		want error
	}{
		"zero amount":   {func(r *autopay.CreateRequest) { r.Amount = decimal.Zero }, model.ErrInvalidAmount},
		"sub-cent":      {func(r *autopay.CreateRequest) { r.Amount = dec("0.001") }, model.ErrInvalidAmount},
		"no frequency":  {func(r *autopay.CreateRequest) { r.InverseFrequency = 0 }, model.ErrInvalidTransfer},
		"self":          {func(r *autopay.CreateRequest) { r.Destination = model.StrPtr(alice) }, model.ErrSelfTransfer},
		"bad id":        {func(r *autopay.CreateRequest) { r.Source = model.StrPtr("bad") }, ident.ErrInvalidIdentifier},
		"neither side":  {func(r *autopay.CreateRequest) { r.Source, r.Destination = nil, nil }, model.ErrInvalidTransfer},
		"negative runs": {func(r *autopay.CreateRequest) { r.TimesLeft = -1 }, model.ErrInvalidTransfer},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := base
			tc.mut(&req)
			_, err := svc.Create(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCancelAndList(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := setup(t)

	ap, err := svc.Create(ctx, autopay.CreateRequest{
		Name: "allowance", Source: model.StrPtr("069a79f4-44e9-4726-a5be-fca90e38aaf5"),
		Destination: model.StrPtr(bob), Amount: dec("1"), InverseFrequency: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, alice, *ap.Source, "ids are stored canonical")

	list, err := svc.ListBySource(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, svc.Cancel(ctx, ap.ID))
	list, err = svc.ListBySource(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list)

	assert.ErrorIs(t, svc.Cancel(ctx, 999), model.ErrAutopayNotFound)
	_, err = svc.Get(ctx, 999)
	assert.ErrorIs(t, err, model.ErrAutopayNotFound)
}
