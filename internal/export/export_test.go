package export_test

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/export"
	"github.com/richardliu001/coinledger/internal/logger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/testutil"
)

func TestExportAll(t *testing.T) {
	ctx := context.Background()
	p := testutil.SetupDB(t)

	require.NoError(t, p.With(ctx, func(db *gorm.DB) error {
		accounts := make([]model.Account, 0, export.BatchSize+20)
		for i := range export.BatchSize + 20 {
			accounts = append(accounts, model.Account{
				UUID:      fmt.Sprintf("%032x", i+1),
				Name:      fmt.Sprintf("player%d", i),
				Balance:   decimal.NewFromInt(int64(i)),
				CreatedAt: model.Now(),
			})
		}
		accounts[0].Name = `Smith, "Jr"`
		if err := db.CreateInBatches(accounts, 100).Error; err != nil {
			return err
		}
		if err := db.Create(&model.Transaction{
			Timestamp: model.Now(), Type: model.TxTypeDeposit, Induce: model.ByAdmin(),
			Destination: model.StrPtr(accounts[1].UUID), Amount: decimal.NewFromInt(5),
			NewDestinationBalance: decimal.NewNullDecimal(decimal.NewFromInt(6)), Passed: true,
		}).Error; err != nil {
			return err
		}
		return db.Create(&model.Shop{World: "world", X: 1, Y: 64, Z: -3, Owner: accounts[2].UUID}).Error
	}))

	path := filepath.Join(t.TempDir(), "out", "export.csv")
	rep, err := export.New(p, testutil.FastRetry(), logger.Nop()).ExportAll(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, export.BatchSize+20, rep.Rows["accounts"])
	assert.Equal(t, 1, rep.Rows["transactions"])
	assert.Equal(t, 0, rep.Rows["autopays"])
	assert.Equal(t, 1, rep.Rows["shops"])

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	sectionsRaw := strings.Split(strings.TrimRight(string(raw), "\n"), "\n\n")
	require.Len(t, sectionsRaw, 5, "one block per table")

	accounts, err := csv.NewReader(strings.NewReader(sectionsRaw[0])).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"uuid", "name", "balance", "pending_change", "created_at"}, accounts[0])
	assert.Len(t, accounts, export.BatchSize+21)
	assert.Equal(t, `Smith, "Jr"`, accounts[1][1], "delimiters inside values are quoted")
	assert.Equal(t, "0.00", accounts[1][2])

	txs, err := csv.NewReader(strings.NewReader(sectionsRaw[1])).ReadAll()
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "admin", txs[1][3])
	assert.Equal(t, "", txs[1][5], "bank side is empty")
	assert.Equal(t, "6.00", txs[1][8])

	assert.Equal(t, "world,x,y,z,owner,co_owner,empty,empty_since", strings.Split(sectionsRaw[3], "\n")[0])
	assert.Equal(t, "world,x,y,z,owner,co_owner,created_at", sectionsRaw[4])

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
