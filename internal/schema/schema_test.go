package schema_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/schema"
	"github.com/richardliu001/coinledger/internal/testutil"
)

const (
	alice = "069a79f444e94726a5befca90e38aaf5"
	bob   = "853c80ef3c3749fdaa49938b674adae6"
)

func TestEnsure_FreshInstallStampsLatest(t *testing.T) {
	ctx := context.Background()
	p := testutil.NewPool(t, testutil.OpenSQLite(t))
	m := schema.New(p, testutil.FastRetry(), logger.Nop())

	v, err := m.Version(ctx)
	require.Error(t, err, "meta table does not exist yet")
	assert.Empty(t, v)

	require.NoError(t, m.Ensure(ctx))
	require.NoError(t, m.Ensure(ctx), "second run is a no-op")

	v, err = m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.LatestVersion, v)

	require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
		mg := db.Migrator()
		for _, tbl := range []any{&model.Account{}, &model.Transaction{}, &model.Autopay{},
			&model.Shop{}, &model.EmptyShop{}, &model.OutboxEvent{}, &model.Meta{}} {
			assert.True(t, mg.HasTable(tbl), "%T", tbl)
		}
		return nil
	}))
}

func TestEnsure_UpgradesLegacyDatabase(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenSQLite(t)
	legacy := []string{
		`CREATE TABLE accounts (uuid varchar(32) PRIMARY KEY, name varchar(64) NOT NULL DEFAULT '',
			balance numeric(20,2) NOT NULL DEFAULT 0, created_at datetime NOT NULL)`,
		`CREATE TABLE transactions (id integer PRIMARY KEY AUTOINCREMENT, timestamp datetime NOT NULL,
			type varchar(32) NOT NULL, induce_kind varchar(16) NOT NULL DEFAULT 'command',
			source varchar(32), destination varchar(32), new_source_balance numeric(20,2),
			new_destination_balance numeric(20,2), amount numeric(20,2) NOT NULL,
			passed numeric NOT NULL DEFAULT 0)`,
		`CREATE TABLE shops (world varchar(64), x integer, y integer, z integer,
			owner varchar(32) NOT NULL, co_owner varchar(32), PRIMARY KEY (world, x, y, z))`,
	}
	for _, stmt := range legacy {
		require.NoError(t, db.Exec(stmt).Error)
	}
	require.NoError(t, db.Exec("INSERT INTO accounts (uuid, name, balance, created_at) VALUES (?, ?, ?, ?)",
		alice, "alice", "12.50", time.Now().UTC()).Error)

	p := testutil.NewPool(t, db)
	m := schema.New(p, testutil.FastRetry(), logger.Nop())
	require.NoError(t, m.Ensure(ctx))

	v, err := m.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, schema.LatestVersion, v)

	require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
		mg := db.Migrator()
		assert.True(t, mg.HasColumn(&model.Account{}, "pending_change"))
		assert.True(t, mg.HasColumn(&model.Account{}, "version"))
		assert.True(t, mg.HasColumn(&model.Transaction{}, "failure_reason"))
		assert.True(t, mg.HasColumn(&model.Transaction{}, "induce_autopay_id"))
		assert.True(t, mg.HasColumn(&model.Shop{}, "empty_since"))
		assert.True(t, mg.HasIndex(&model.Transaction{}, "Timestamp"))

		ok, err := m.ViewExists(db, alice)
		require.NoError(t, err)
		assert.True(t, ok, "existing accounts get their history view")

		var acc model.Account
		require.NoError(t, db.First(&acc, "uuid = ?", alice).Error)
		assert.True(t, acc.Balance.Equal(decimal.RequireFromString("12.5")))
		assert.True(t, acc.PendingChange.IsZero())
		return nil
	}))

	require.NoError(t, m.Ensure(ctx), "upgraded database is stable")
}

func TestEnsureAccountView(t *testing.T) {
	ctx := context.Background()
	p := testutil.SetupDB(t)
	m := schema.New(p, testutil.FastRetry(), logger.Nop())

	err := p.Tx(ctx, func(tx *gorm.DB) error {
		now := model.Now()
		for id, name := range map[string]string{alice: "alice", bob: "bob"} {
			if err := tx.Create(&model.Account{UUID: id, Name: name, CreatedAt: now}).Error; err != nil {
				return err
			}
			if err := m.EnsureAccountView(tx, id); err != nil {
				return err
			}
		}
		// dashed input resolves to the same view
		return m.EnsureAccountView(tx, "069a79f4-44e9-4726-a5be-fca90e38aaf5")
	})
	require.NoError(t, err)

	require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
		require.NoError(t, db.Create(&model.Transaction{
			Timestamp:   model.Now(),
			Type:        model.TxTypeP2P,
			Induce:      model.ByCommand(),
			Source:      model.StrPtr(alice),
			Destination: model.StrPtr(bob),
			Amount:      decimal.NewFromInt(5),
			Passed:      true,
		}).Error)

		var rows []struct {
			SourceName      string
			DestinationName string
		}
		view, _ := ident.ViewName(bob)
		require.NoError(t, db.Table(view).Select("source_name, destination_name").Scan(&rows).Error)
		require.Len(t, rows, 1)
		assert.Equal(t, "alice", rows[0].SourceName)
		assert.Equal(t, "bob", rows[0].DestinationName)
		return nil
	}))

	err = p.With(ctx, func(db *gorm.DB) error {
		return m.EnsureAccountView(db, "alice'; DROP TABLE accounts; --")
	})
	assert.ErrorIs(t, err, ident.ErrInvalidIdentifier)
}
