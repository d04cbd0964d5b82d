// Package export dumps every table into one CSV file, one section per table.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

const BatchSize = 500

// TimeLayout matches what rollback accepts.
const TimeLayout = "2006-01-02 15:04:05.000"

type Report struct {
	Path string         `json:"path"`
	Rows map[string]int `json:"rows"`
}

type Engine struct {
	pool  *pool.Pool
	retry retry.Policy
	log   *zap.SugaredLogger
}

func New(p *pool.Pool, rp retry.Policy, log *zap.SugaredLogger) *Engine {
	return &Engine{pool: p, retry: rp, log: log}
}

// section streams one table page by page.
type section struct {
	name   string
	header []string
	page   func(db *gorm.DB, offset int) ([][]string, error)
}

var sections = []section{
	{
		name:   "accounts",
		header: []string{"uuid", "name", "balance", "pending_change", "created_at"},
		page: pager("uuid", func(a model.Account) []string {
			return []string{a.UUID, a.Name, money(a.Balance), money(a.PendingChange), ts(a.CreatedAt)}
		}),
	},
	{
		name: "transactions",
		header: []string{"id", "timestamp", "type", "induce_kind", "induce_autopay_id", "source", "destination",
			"new_source_balance", "new_destination_balance", "amount", "passed", "failure_reason", "message"},
		page: pager("id", func(t model.Transaction) []string {
			return []string{
				u64(t.ID), ts(t.Timestamp), string(t.Type), string(t.Induce.Kind), optU64(t.Induce.AutopayID),
				opt(t.Source), opt(t.Destination), nullMoney(t.NewSourceBalance), nullMoney(t.NewDestinationBalance),
				money(t.Amount), strconv.FormatBool(t.Passed), opt(t.FailureReason), opt(t.Message),
			}
		}),
	},
	{
		name: "autopays",
		header: []string{"id", "name", "source", "destination", "amount", "inverse_frequency", "times_left",
			"active", "created_at"},
		page: pager("id", func(a model.Autopay) []string {
			return []string{
				u64(a.ID), a.Name, opt(a.Source), opt(a.Destination), money(a.Amount),
				strconv.FormatInt(a.InverseFrequency, 10), strconv.FormatInt(a.TimesLeft, 10),
				strconv.FormatBool(a.Active), ts(a.CreatedAt),
			}
		}),
	},
	{
		name:   "shops",
		header: []string{"world", "x", "y", "z", "owner", "co_owner", "empty", "empty_since"},
		page: pager("world, x, y, z", func(s model.Shop) []string {
			since := ""
			if s.EmptySince != nil {
				since = ts(*s.EmptySince)
			}
			return []string{s.World, strconv.Itoa(s.X), strconv.Itoa(s.Y), strconv.Itoa(s.Z),
				s.Owner, opt(s.CoOwner), strconv.FormatBool(s.Empty), since}
		}),
	},
	{
		name:   "empty_shops",
		header: []string{"world", "x", "y", "z", "owner", "co_owner", "created_at"},
		page: pager("world, x, y, z", func(s model.EmptyShop) []string {
			return []string{s.World, strconv.Itoa(s.X), strconv.Itoa(s.Y), strconv.Itoa(s.Z),
				s.Owner, opt(s.CoOwner), ts(s.CreatedAt)}
		}),
	},
}

func pager[T any](order string, row func(T) []string) func(*gorm.DB, int) ([][]string, error) {
	return func(db *gorm.DB, offset int) ([][]string, error) {
		var items []T
		if err := db.Order(order).Limit(BatchSize).Offset(offset).Find(&items).Error; err != nil {
			return nil, err
		}
		out := make([][]string, len(items))
		for i, it := range items {
			out[i] = row(it)
		}
		return out, nil
	}
}

// ExportAll writes every section to path. The file appears only once
// complete. Sections are separated by an empty line.
func (e *Engine) ExportAll(ctx context.Context, path string) (*Report, error) {
	rep := &Report{Path: path, Rows: map[string]int{}}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("export.ExportAll: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("export.ExportAll: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := csv.NewWriter(tmp)
	for i, sec := range sections {
		if i > 0 {
			if _, err := tmp.WriteString("\n"); err != nil {
				return nil, fmt.Errorf("export.ExportAll: %w", err)
			}
		}
		n, err := e.writeSection(ctx, w, sec)
		if err != nil {
			e.log.Errorw("export failed", "section", sec.name, "rows_written", n, "error", err)
			return nil, fmt.Errorf("export.ExportAll: %s: %w", sec.name, err)
		}
		rep.Rows[sec.name] = n
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("export.ExportAll: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("export.ExportAll: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, fmt.Errorf("export.ExportAll: %w", err)
	}
	e.log.Infow("export finished", "path", path, "rows", rep.Rows)
	return rep, nil
}

// writeSection flushes after every page so the writer never buffers more
// than one batch.
func (e *Engine) writeSection(ctx context.Context, w *csv.Writer, sec section) (int, error) {
	if err := w.Write(sec.header); err != nil {
		return 0, err
	}
	n := 0
	for offset := 0; ; offset += BatchSize {
		rows, err := retry.Do(ctx, e.retry, e.log, func(ctx context.Context) ([][]string, error) {
			var rows [][]string
			err := e.pool.With(ctx, func(db *gorm.DB) error {
				var err error
				rows, err = sec.page(db, offset)
				return err
			})
			return rows, err
		})
		if err != nil {
			return n, err
		}
		if err := w.WriteAll(rows); err != nil {
			return n, err
		}
		n += len(rows)
		if len(rows) < BatchSize {
			return n, nil
		}
	}
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func nullMoney(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return money(d.Decimal)
}

func ts(t time.Time) string { return t.UTC().Format(TimeLayout) }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func optU64(v *uint64) string {
	if v == nil {
		return ""
	}
	return u64(*v)
}

func opt(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
