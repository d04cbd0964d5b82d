// Package outbox stores ledger events next to the rows they describe and
// relays them to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

const (
	AggregateTransaction   = "transaction"
	EventTransactionPassed = "transaction.passed"
)

// Store reads and writes outbox rows.
type Store struct {
	pool  *pool.Pool
	retry retry.Policy
	log   *zap.SugaredLogger
}

func NewStore(p *pool.Pool, rp retry.Policy, log *zap.SugaredLogger) *Store {
	return &Store{pool: p, retry: rp, log: log}
}

// Append writes evt inside the caller's db transaction.
func (s *Store) Append(tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.Create(evt).Error
}

// Poll pulls unprocessed events, oldest first.
func (s *Store) Poll(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) ([]model.OutboxEvent, error) {
		var evts []model.OutboxEvent
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
		})
		return evts, err
	})
}

// MarkProcessed sets the processed flag.
func (s *Store) MarkProcessed(ctx context.Context, id uint64) error {
	return retry.Run(ctx, s.retry, s.log, func(ctx context.Context) error {
		now := time.Now().UTC()
		return s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Model(&model.OutboxEvent{}).Where("id = ?", id).
				Updates(map[string]any{"processed": true, "processed_at": &now}).Error
		})
	})
}

type transactionPayload struct {
	ID                    uint64  `json:"id"`
	Timestamp             string  `json:"timestamp"`
	Type                  string  `json:"type"`
	Induce                string  `json:"induce"`
	Source                *string `json:"source,omitempty"`
	Destination           *string `json:"destination,omitempty"`
	Amount                string  `json:"amount"`
	NewSourceBalance      *string `json:"new_source_balance,omitempty"`
	NewDestinationBalance *string `json:"new_destination_balance,omitempty"`
	Message               *string `json:"message,omitempty"`
}

// TransactionEvent builds the event for a committed ledger row.
func TransactionEvent(t *model.Transaction) (*model.OutboxEvent, error) {
	p := transactionPayload{
		ID:          t.ID,
		Timestamp:   t.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:        string(t.Type),
		Induce:      t.Induce.String(),
		Source:      t.Source,
		Destination: t.Destination,
		Amount:      t.Amount.StringFixed(2),
		Message:     t.Message,
	}
	if t.NewSourceBalance.Valid {
		p.NewSourceBalance = model.StrPtr(t.NewSourceBalance.Decimal.StringFixed(2))
	}
	if t.NewDestinationBalance.Valid {
		p.NewDestinationBalance = model.StrPtr(t.NewDestinationBalance.Decimal.StringFixed(2))
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("outbox: encode transaction %d: %w", t.ID, err)
	}
	return &model.OutboxEvent{
		Aggregate:   AggregateTransaction,
		AggregateID: strconv.FormatUint(t.ID, 10),
		EventType:   EventTransactionPassed,
		Payload:     string(payload),
	}, nil
}
