package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/retry"
	"github.com/richardliu001/coinledger/internal/schema"
)

const DefaultPageSize = 10

// Filter selects which entries History returns.
type Filter int

const (
	FilterAll Filter = iota
	FilterPassed
	FilterFailed
)

// ParseFilter maps "all", "passed" and "failed"; anything else is all.
func ParseFilter(s string) Filter {
	switch strings.ToLower(s) {
	case "passed":
		return FilterPassed
	case "failed":
		return FilterFailed
	}
	return FilterAll
}

// Entry is one history row with counterpart names resolved.
type Entry struct {
	ID                    uint64              `json:"id"`
	Timestamp             time.Time           `json:"timestamp"`
	Type                  model.TxType        `json:"type"`
	Induce                model.Induce        `json:"-"`
	Source                *string             `json:"source,omitempty"`
	SourceName            *string             `json:"source_name,omitempty"`
	Destination           *string             `json:"destination,omitempty"`
	DestinationName       *string             `json:"destination_name,omitempty"`
	NewSourceBalance      decimal.NullDecimal `json:"new_source_balance"`
	NewDestinationBalance decimal.NullDecimal `json:"new_destination_balance"`
	Amount                decimal.Decimal     `json:"amount"`
	Passed                bool                `json:"passed"`
	FailureReason         *string             `json:"failure_reason,omitempty"`
	Message               *string             `json:"message,omitempty"`
	Line                  string              `json:"line"`
}

type HistoryPage struct {
	Entries    []Entry `json:"entries"`
	Page       int     `json:"page"`
	PageSize   int     `json:"page_size"`
	TotalPages int     `json:"total_pages"`
	Total      int64   `json:"total"`
}

type historyRow struct {
	ID                    uint64
	Timestamp             time.Time
	Type                  string
	InduceKind            string
	InduceAutopayID       *uint64
	Source                *string
	SourceName            *string
	Destination           *string
	DestinationName       *string
	NewSourceBalance      decimal.NullDecimal
	NewDestinationBalance decimal.NullDecimal
	Amount                decimal.Decimal
	Passed                bool
	FailureReason         *string
	Message               *string
}

// History returns page (1-based) of uuid's entries, newest first.
func (l *Ledger) History(ctx context.Context, uuid string, f Filter, page, pageSize int) (*HistoryPage, error) {
	view, err := ident.ViewName(uuid)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}

	return retry.Do(ctx, l.retry, l.log, func(ctx context.Context) (*HistoryPage, error) {
		out := &HistoryPage{Page: page, PageSize: pageSize, Entries: []Entry{}}
		err := l.pool.With(ctx, func(db *gorm.DB) error {
			var n int64
			if err := db.Model(&model.Account{}).Where("uuid = ?", uuid).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("ledger.History %s: %w", uuid, model.ErrAccountNotFound)
			}

			q := db.Table(view)
			switch f {
			case FilterPassed:
				q = q.Where("passed = ?", true)
			case FilterFailed:
				q = q.Where("passed = ?", false)
			}
			if err := q.Session(&gorm.Session{}).Count(&out.Total).Error; err != nil {
				return err
			}
			var rows []historyRow
			err := q.Select(schema.HistoryColumns).Order("id DESC").
				Offset((page - 1) * pageSize).Limit(pageSize).Scan(&rows).Error
			if err != nil {
				return err
			}
			for _, r := range rows {
				out.Entries = append(out.Entries, r.entry())
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		out.TotalPages = int((out.Total + int64(pageSize) - 1) / int64(pageSize))
		return out, nil
	})
}

func (r historyRow) entry() Entry {
	e := Entry{
		ID:                    r.ID,
		Timestamp:             r.Timestamp.UTC(),
		Type:                  model.TxType(r.Type),
		Induce:                model.Induce{Kind: model.InduceKind(r.InduceKind), AutopayID: r.InduceAutopayID},
		Source:                r.Source,
		SourceName:            r.SourceName,
		Destination:           r.Destination,
		DestinationName:       r.DestinationName,
		NewSourceBalance:      r.NewSourceBalance,
		NewDestinationBalance: r.NewDestinationBalance,
		Amount:                r.Amount,
		Passed:                r.Passed,
		FailureReason:         r.FailureReason,
		Message:               r.Message,
	}
	e.Line = e.format()
	return e
}

// format renders e as a single line, e.g.
//
//	#12 2024-01-02 03:04:05 p2p Alice -> Bob 30.00 (command) "gift"
func (e Entry) format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s %s %s -> %s %s (%s)",
		e.ID, e.Timestamp.Format(time.DateTime), e.Type,
		party(e.Source, e.SourceName), party(e.Destination, e.DestinationName),
		e.Amount.StringFixed(2), e.Induce)
	if e.Message != nil && *e.Message != "" {
		fmt.Fprintf(&b, " %q", *e.Message)
	}
	if !e.Passed {
		reason := "unknown"
		if e.FailureReason != nil {
			reason = *e.FailureReason
		}
		fmt.Fprintf(&b, " [failed: %s]", reason)
	}
	return b.String()
}

func party(id, name *string) string {
	switch {
	case id == nil:
		return "bank"
	case name != nil && *name != "":
		return *name
	}
	if d, err := ident.Dashed(*id); err == nil {
		return d
	}
	return *id
}
