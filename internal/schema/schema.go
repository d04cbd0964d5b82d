// Package schema creates and upgrades the relational layout. Upgrades run on
// startup through a linear version ladder; each stage commits its steps and
// the new version together.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

const (
	// BaseVersion is assumed for databases created before versioning existed.
	BaseVersion = "1.0"
	versionKey  = "version"
)

// stage upgrades the schema to version. Steps must be idempotent.
type stage struct {
	version string
	steps   []func(m *Manager, tx *gorm.DB) error
}

var ladder = []stage{
	{version: "1.1", steps: []func(*Manager, *gorm.DB) error{
		addColumn(&model.Transaction{}, "failure_reason"),
		addColumn(&model.Transaction{}, "message"),
	}},
	{version: "1.2", steps: []func(*Manager, *gorm.DB) error{
		addColumn(&model.Account{}, "pending_change"),
		addColumn(&model.Transaction{}, "induce_autopay_id"),
	}},
	{version: "1.3", steps: []func(*Manager, *gorm.DB) error{
		createIndex(&model.Transaction{}, "Timestamp"),
		createIndex(&model.Transaction{}, "Source"),
		createIndex(&model.Transaction{}, "Destination"),
		(*Manager).ensureAllViews,
	}},
	{version: "1.4", steps: []func(*Manager, *gorm.DB) error{
		addColumn(&model.Shop{}, "empty"),
		addColumn(&model.Shop{}, "empty_since"),
		createIndex(&model.Shop{}, "Owner"),
		createIndex(&model.Autopay{}, "CreatedAt"),
	}},
	{version: "1.5", steps: []func(*Manager, *gorm.DB) error{
		addColumn(&model.Account{}, "version"),
	}},
}

// LatestVersion is the version fresh installs are stamped with.
var LatestVersion = ladder[len(ladder)-1].version

var tables = []any{
	&model.Account{},
	&model.Transaction{},
	&model.Autopay{},
	&model.Shop{},
	&model.EmptyShop{},
	&model.OutboxEvent{},
	&model.Meta{},
}

// Manager owns table and view creation.
type Manager struct {
	pool  *pool.Pool
	retry retry.Policy
	log   *zap.SugaredLogger
}

func New(p *pool.Pool, rp retry.Policy, log *zap.SugaredLogger) *Manager {
	return &Manager{pool: p, retry: rp, log: log}
}

// Ensure creates missing tables and runs every ladder stage above the stored
// version. Safe to call on every start.
func (m *Manager) Ensure(ctx context.Context) error {
	current, err := m.bootstrap(ctx)
	if err != nil {
		m.log.Errorw("schema bootstrap failed", "error", err)
		return fmt.Errorf("schema.Ensure: %w", err)
	}
	for _, st := range ladder {
		newer, err := versionLess(current, st.version)
		if err != nil {
			return fmt.Errorf("schema.Ensure: %w", err)
		}
		if !newer {
			continue
		}
		if err := m.apply(ctx, st); err != nil {
			m.log.Errorw("schema upgrade failed", "from", current, "to", st.version, "error", err)
			return fmt.Errorf("schema.Ensure: upgrade to %s: %w", st.version, err)
		}
		m.log.Infow("schema upgraded", "from", current, "to", st.version)
		current = st.version
	}
	return nil
}

// bootstrap creates absent tables and returns the version to upgrade from.
func (m *Manager) bootstrap(ctx context.Context) (string, error) {
	return retry.Do(ctx, m.retry, m.log, func(ctx context.Context) (string, error) {
		var version string
		err := m.pool.Tx(ctx, func(tx *gorm.DB) error {
			mg := tx.Migrator()
			fresh := !mg.HasTable(&model.Account{})
			for _, t := range tables {
				if mg.HasTable(t) {
					continue
				}
				if err := mg.CreateTable(t); err != nil {
					return fmt.Errorf("create %T: %w", t, err)
				}
			}

			stored, err := readVersion(tx)
			if err != nil {
				return err
			}
			switch {
			case stored != "":
				version = stored
			case fresh:
				version = LatestVersion
				return writeVersion(tx, version)
			default:
				version = BaseVersion
			}
			if _, err := versionLess(version, LatestVersion); err != nil {
				return err
			}
			if newer, _ := versionLess(LatestVersion, version); newer {
				return fmt.Errorf("stored schema %s is newer than supported %s", version, LatestVersion)
			}
			return nil
		})
		return version, err
	})
}

func (m *Manager) apply(ctx context.Context, st stage) error {
	return retry.Run(ctx, m.retry, m.log, func(ctx context.Context) error {
		return m.pool.Tx(ctx, func(tx *gorm.DB) error {
			for i, step := range st.steps {
				if err := step(m, tx); err != nil {
					return fmt.Errorf("step %d: %w", i+1, err)
				}
			}
			return writeVersion(tx, st.version)
		})
	})
}

// Version returns the stored schema version, or "" before Ensure ran.
func (m *Manager) Version(ctx context.Context) (string, error) {
	return retry.Do(ctx, m.retry, m.log, func(ctx context.Context) (string, error) {
		var v string
		err := m.pool.With(ctx, func(db *gorm.DB) error {
			var err error
			v, err = readVersion(db)
			return err
		})
		return v, err
	})
}

func readVersion(db *gorm.DB) (string, error) {
	var meta model.Meta
	err := db.Where(&model.Meta{Key: versionKey}).Take(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}
	return meta.Value, nil
}

func writeVersion(tx *gorm.DB, v string) error {
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&model.Meta{Key: versionKey, Value: v}).Error
	if err != nil {
		return fmt.Errorf("write version %s: %w", v, err)
	}
	return nil
}

func addColumn(table any, column string) func(*Manager, *gorm.DB) error {
	return func(_ *Manager, tx *gorm.DB) error {
		mg := tx.Migrator()
		if mg.HasColumn(table, column) {
			return nil
		}
		return mg.AddColumn(table, column)
	}
}

func createIndex(table any, field string) func(*Manager, *gorm.DB) error {
	return func(_ *Manager, tx *gorm.DB) error {
		mg := tx.Migrator()
		if mg.HasIndex(table, field) {
			return nil
		}
		return mg.CreateIndex(table, field)
	}
}

// versionLess compares dotted numeric versions.
func versionLess(a, b string) (bool, error) {
	pa, err := parseVersion(a)
	if err != nil {
		return false, err
	}
	pb, err := parseVersion(b)
	if err != nil {
		return false, err
	}
	for i := 0; i < max(len(pa), len(pb)); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			return x < y, nil
		}
	}
	return false, nil
}

func parseVersion(v string) ([]int, error) {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("malformed schema version %q", v)
		}
		out[i] = n
	}
	return out, nil
}
