// Package autopay stores recurring transfers and runs them on a tick.
package autopay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/ledger"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
	"github.com/richardliu001/coinledger/internal/retry"
)

// Executor runs a transfer and hook in one db transaction; *ledger.Ledger in
// production.
type Executor interface {
	ExecuteWith(ctx context.Context, req model.TransferRequest, hook ledger.Hook) (*model.Transaction, error)
}

type CreateRequest struct {
	Name             string
	Source           *string
	Destination      *string
	Amount           decimal.Decimal
	InverseFrequency int64
	TimesLeft        int64
}

type Service struct {
	pool   *pool.Pool
	retry  retry.Policy
	ledger Executor
	log    *zap.SugaredLogger
}

var _ Executor = (*ledger.Ledger)(nil)

func New(p *pool.Pool, rp retry.Policy, l Executor, log *zap.SugaredLogger) *Service {
	return &Service{pool: p, retry: rp, ledger: l, log: log}
}

func canonicalPtr(s *string) (*string, error) {
	if s == nil {
		return nil, nil
	}
	c, err := ident.Canonical(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.Autopay, error) {
	src, err := canonicalPtr(req.Source)
	if err != nil {
		return nil, err
	}
	dst, err := canonicalPtr(req.Destination)
	if err != nil {
		return nil, err
	}
	switch {
	case !req.Amount.IsPositive(), !model.WholeCents(req.Amount):
		return nil, model.ErrInvalidAmount
	case src == nil && dst == nil, req.InverseFrequency < 1, req.TimesLeft < 0:
		return nil, model.ErrInvalidTransfer
	case src != nil && dst != nil && *src == *dst:
		return nil, model.ErrSelfTransfer
	}

	ap := &model.Autopay{
		Name:             req.Name,
		Source:           src,
		Destination:      dst,
		Amount:           req.Amount,
		InverseFrequency: req.InverseFrequency,
		TimesLeft:        req.TimesLeft,
		Active:           true,
		CreatedAt:        model.Now(),
	}
	err = retry.Run(ctx, s.retry, s.log, func(ctx context.Context) error {
		ap.ID = 0
		return s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Create(ap).Error
		})
	})
	if err != nil {
		s.log.Errorw("create autopay failed", "name", req.Name, "error", err)
		return nil, fmt.Errorf("autopay.Create: %w", err)
	}
	return ap, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*model.Autopay, error) {
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) (*model.Autopay, error) {
		var ap model.Autopay
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Take(&ap, id).Error
		})
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("autopay %d: %w", id, model.ErrAutopayNotFound)
		}
		if err != nil {
			return nil, err
		}
		return &ap, nil
	})
}

// ListBySource returns the autopays paid from uuid, active ones included only.
func (s *Service) ListBySource(ctx context.Context, uuid string) ([]model.Autopay, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return nil, err
	}
	return retry.Do(ctx, s.retry, s.log, func(ctx context.Context) ([]model.Autopay, error) {
		var aps []model.Autopay
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Where("source = ? AND active = ?", id, true).Order("id").Find(&aps).Error
		})
		return aps, err
	})
}

func (s *Service) Cancel(ctx context.Context, id uint64) error {
	return retry.Run(ctx, s.retry, s.log, func(ctx context.Context) error {
		return s.pool.With(ctx, func(db *gorm.DB) error {
			res := db.Model(&model.Autopay{}).Where("id = ?", id).Update("active", false)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("autopay %d: %w", id, model.ErrAutopayNotFound)
			}
			return nil
		})
	})
}

type TickReport struct {
	Due       int
	Ran       int
	Failed    int
	Exhausted int
}

// Tick runs every active autopay whose inverse frequency divides n. A run
// that fails is recorded by the ledger and retried on its next due tick.
func (s *Service) Tick(ctx context.Context, n uint64) (TickReport, error) {
	var rep TickReport
	active, err := retry.Do(ctx, s.retry, s.log, func(ctx context.Context) ([]model.Autopay, error) {
		var aps []model.Autopay
		err := s.pool.With(ctx, func(db *gorm.DB) error {
			return db.Where("active = ?", true).Order("id").Find(&aps).Error
		})
		return aps, err
	})
	if err != nil {
		s.log.Errorw("autopay tick: list failed", "tick", n, "error", err)
		return rep, err
	}

	for _, ap := range active {
		if ap.InverseFrequency < 1 || n%uint64(ap.InverseFrequency) != 0 {
			continue
		}
		rep.Due++
		var exhausted bool
		_, err := s.ledger.ExecuteWith(ctx, model.TransferRequest{
			Type:        model.TxTypeAutopay,
			Induce:      model.ByAutopay(ap.ID),
			Source:      ap.Source,
			Destination: ap.Destination,
			Amount:      ap.Amount,
			Message:     model.StrPtr(ap.Name),
		}, func(tx *gorm.DB, _ *model.Transaction) error {
			var err error
			exhausted, err = countDown(tx, ap.ID)
			return err
		})
		if err != nil {
			rep.Failed++
			s.log.Warnw("autopay run failed", "autopay", ap.ID, "error", err)
			continue
		}
		rep.Ran++
		if exhausted {
			rep.Exhausted++
		}
	}
	return rep, nil
}

// countDown locks the autopay, decrements times_left and deactivates it at
// zero. A times_left of zero means unlimited runs. Fails when the autopay
// was cancelled or removed since it was listed.
func countDown(tx *gorm.DB, id uint64) (bool, error) {
	var ap model.Autopay
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Take(&ap, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("autopay %d: %w", id, model.ErrAutopayNotFound)
	}
	if err != nil {
		return false, err
	}
	if !ap.Active {
		return false, fmt.Errorf("autopay %d is cancelled: %w", id, model.ErrAutopayNotFound)
	}
	if ap.TimesLeft == 0 {
		return false, nil
	}
	ap.TimesLeft--
	exhausted := ap.TimesLeft == 0
	err = tx.Model(&model.Autopay{}).Where("id = ?", id).Updates(map[string]any{
		"times_left": ap.TimesLeft,
		"active":     !exhausted,
	}).Error
	return exhausted, err
}

// Scheduler drives Tick from a ticker.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	tick     uint64
	log      *zap.SugaredLogger
}

func NewScheduler(svc *Service, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{svc: svc, interval: interval, log: log}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Infow("autopay scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("autopay scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick++
			if rep, err := s.svc.Tick(ctx, s.tick); err == nil && rep.Due > 0 {
				s.log.Debugw("autopay tick", "tick", s.tick, "due", rep.Due, "ran", rep.Ran, "failed", rep.Failed)
			}
		}
	}
}
