package schema

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/richardliu001/coinledger/internal/ident"
	"github.com/richardliu001/coinledger/internal/model"
	"github.com/richardliu001/coinledger/internal/pool"
)

// HistoryColumns are the columns every per-account history view exposes.
const HistoryColumns = "id, timestamp, type, induce_kind, induce_autopay_id, source, source_name, " +
	"destination, destination_name, new_source_balance, new_destination_balance, amount, passed, " +
	"failure_reason, message"

// The only value interpolated is a canonical 32-char hex id; view DDL cannot
// take bind parameters.
const viewTemplate = `CREATE VIEW %s AS
SELECT t.id, t.timestamp, t.type, t.induce_kind, t.induce_autopay_id,
       t.source, s.name AS source_name,
       t.destination, d.name AS destination_name,
       t.new_source_balance, t.new_destination_balance, t.amount, t.passed,
       t.failure_reason, t.message
FROM transactions t
LEFT JOIN accounts s ON s.uuid = t.source
LEFT JOIN accounts d ON d.uuid = t.destination
WHERE t.source = '%s' OR t.destination = '%s'`

// ViewExists checks the catalog for the account's history view.
func (m *Manager) ViewExists(tx *gorm.DB, uuid string) (bool, error) {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return false, err
	}
	name, err := ident.ViewName(id)
	if err != nil {
		return false, err
	}
	var q string
	switch m.pool.Dialect() {
	case pool.Postgres:
		q = "SELECT count(*) FROM information_schema.views WHERE table_schema = current_schema() AND table_name = ?"
	default:
		q = "SELECT count(*) FROM sqlite_master WHERE type = 'view' AND name = ?"
	}
	var n int64
	if err := tx.Raw(q, name).Scan(&n).Error; err != nil {
		return false, fmt.Errorf("schema.ViewExists: %w", err)
	}
	return n > 0, nil
}

// EnsureAccountView creates the history view for uuid unless it exists.
func (m *Manager) EnsureAccountView(tx *gorm.DB, uuid string) error {
	id, err := ident.Canonical(uuid)
	if err != nil {
		return err
	}
	ok, err := m.ViewExists(tx, id)
	if err != nil || ok {
		return err
	}
	name, err := ident.ViewName(id)
	if err != nil {
		return err
	}
	if err := tx.Exec(fmt.Sprintf(viewTemplate, name, id, id)).Error; err != nil {
		m.log.Errorw("create history view failed", "uuid", id, "error", err)
		return fmt.Errorf("schema.EnsureAccountView: %w", err)
	}
	return nil
}

// ensureAllViews backfills views for accounts created before views existed.
func (m *Manager) ensureAllViews(tx *gorm.DB) error {
	const batch = 100
	for offset := 0; ; offset += batch {
		var ids []string
		err := tx.Model(&model.Account{}).Order("uuid").
			Limit(batch).Offset(offset).Pluck("uuid", &ids).Error
		if err != nil {
			return err
		}
		for _, id := range ids {
			if !ident.IsCanonical(id) {
				m.log.Warnw("skipping history view for malformed account key", "uuid", id)
				continue
			}
			if err := m.EnsureAccountView(tx, id); err != nil {
				return err
			}
		}
		if len(ids) < batch {
			return nil
		}
	}
}
