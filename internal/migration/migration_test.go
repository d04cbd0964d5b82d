package migration_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/migration"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/schema"
	"github.com/richardliu001/coinledger/internal/store/filestore"
	"github.com/richardliu001/coinledger/internal/store/sqlstore"
	"github.com/richardliu001/coinledger/internal/testutil"
)

const (
	alice = "069a79f444e94726a5befca90e38aaf5"
	bob   = "853c80ef3c3749fdaa49938b674adae6"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	file   *filestore.Store
	path   string
	pool   *pool.Pool
	sql    *sqlstore.Store
	schema *schema.Manager
	engine *migration.Engine
}

func setup(t *testing.T, yamlDoc string) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balances.yml")
	if yamlDoc != "" {
		require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))
	}
	log := logger.Nop()
	fs, err := filestore.Open(path, log)
	require.NoError(t, err)
	p := testutil.SetupDB(t)
	sm := schema.New(p, testutil.FastRetry(), log)
	sql := sqlstore.New(p, sm, testutil.FastRetry(), log)
	return &fixture{
		file: fs, path: path, pool: p, sql: sql, schema: sm,
		engine: migration.New(fs, p, sql, testutil.FastRetry(), log),
	}
}

func (f *fixture) accounts(t *testing.T) []model.Account {
	t.Helper()
	var accs []model.Account
	require.NoError(t, f.pool.With(context.Background(), func(db *gorm.DB) error {
		return db.Order("uuid").Find(&accs).Error
	}))
	return accs
}

const legacyDoc = `format: uuid
players:
  069a79f444e94726a5befca90e38aaf5:
    name: Alice
    balance: 120.25
    change: 4
    created: 2024-03-01T10:00:00Z
  853c80ef3c3749fdaa49938b674adae6:
    name: Bob
    balance: 0
    change: 0
  Notch:
    name: Notch
    balance: 99
  069a79f4-44e9-4726-a5be-fca90e38aaf5:
    name: dashed
    balance: 1
`

func TestFileToRelational_InsertsAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := setup(t, legacyDoc)

	rep, err := f.engine.FileToRelational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.Scanned)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 2, rep.Skipped, "non 32-char keys are skipped")

	first := f.accounts(t)
	require.Len(t, first, 2)
	assert.Equal(t, "Alice", first[0].Name)
	assert.True(t, first[0].Balance.Equal(dec("120.25")))
	assert.True(t, first[0].PendingChange.Equal(dec("4")))

	err = f.pool.With(ctx, func(db *gorm.DB) error {
		ok, err := f.schema.ViewExists(db, bob)
		assert.True(t, ok, "inserted accounts get their history view")
		return err
	})
	require.NoError(t, err)

	rep, err = f.engine.FileToRelational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Inserted)
	assert.Equal(t, 0, rep.Updated)
	assert.Equal(t, 2, rep.Unchanged)

	second := f.accounts(t)
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].UUID, second[i].UUID)
		assert.True(t, first[i].Balance.Equal(second[i].Balance))
		assert.True(t, first[i].PendingChange.Equal(second[i].PendingChange))
		assert.True(t, first[i].CreatedAt.Equal(second[i].CreatedAt))
	}
}

func TestFileToRelational_OverwritesChangedBalances(t *testing.T) {
	ctx := context.Background()
	f := setup(t, legacyDoc)
	_, err := f.sql.Create(ctx, alice, "Alice")
	require.NoError(t, err)
	_, err = f.sql.SetBalance(ctx, alice, dec("1"))
	require.NoError(t, err)

	rep, err := f.engine.FileToRelational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 1, rep.Inserted)

	acc, err := f.sql.Get(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("120.25")))
}

func TestFileToRelational_ManyBatches(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	recs := map[string]filestore.Record{}
	for i := range 250 {
		recs[fmt.Sprintf("%032x", i+1)] = filestore.Record{Name: fmt.Sprintf("p%d", i), Balance: filestore.Amount{Decimal: decimal.NewFromInt(int64(i))}}
	}
	require.NoError(t, f.file.PutBatch(recs))

	rep, err := f.engine.FileToRelational(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Batches)
	assert.Equal(t, 250, rep.Inserted)
	assert.Len(t, f.accounts(t), 250)
}

func TestRelationalToFile(t *testing.T) {
	ctx := context.Background()
	f := setup(t, "")
	for id, name := range map[string]string{alice: "Alice", bob: "Bob"} {
		_, err := f.sql.Create(ctx, id, name)
		require.NoError(t, err)
	}
	_, err := f.sql.SetBalance(ctx, alice, dec("42"))
	require.NoError(t, err)

	rep, err := f.engine.RelationalToFile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)

	reopened, err := filestore.Open(f.path, logger.Nop())
	require.NoError(t, err)
	acc, err := reopened.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", acc.Name)
	assert.True(t, acc.Balance.Equal(dec("42")))

	raw, err := os.ReadFile(f.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "format: uuid")

	rep, err = f.engine.RelationalToFile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Inserted+rep.Updated)
	assert.Equal(t, 2, rep.Unchanged)
}
