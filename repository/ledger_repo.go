package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/model"
	"github.com/escrow-engine/settlement/service"
)

type LedgerRepository struct {
	db *gorm.DB
}

func (r *LedgerRepository) Open(ctx context.Context, row *model.PaymentTransaction) error {
	return r.db.WithContext(ctx).Create(row).Error
}

func (r *LedgerRepository) Get(ctx context.Context, id string) (*model.PaymentTransaction, error) {
	var row model.PaymentTransaction
	if err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, service.ErrTransactionNotFound
		}
		return nil, err
	}
	return &row, nil
}

// SetHash writes the broadcast hash on a row that does not carry one yet.
// The tx_hash IS NULL guard makes the write exactly-once at the database.
func (r *LedgerRepository) SetHash(ctx context.Context, id string, txHash string) error {
	res := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("id = ? AND tx_hash IS NULL", id).
		Update("tx_hash", txHash)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return service.ErrTransactionHashAlreadySet
	}
	return nil
}

func (r *LedgerRepository) SetAmount(ctx context.Context, id string, amount decimal.Decimal) error {
	res := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, []string{model.TxDraft, model.TxPending}).
		Update("amount", amount)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return service.ErrLedgerStatusFinal
	}
	return nil
}

func (r *LedgerRepository) Complete(ctx context.Context, id string) error {
	return r.advance(ctx, id, model.TxSuccess, map[string]interface{}{
		"status": model.TxSuccess,
	})
}

func (r *LedgerRepository) Fail(ctx context.Context, id string, reason string) error {
	return r.advance(ctx, id, model.TxFailed, map[string]interface{}{
		"status":      model.TxFailed,
		"fail_reason": reason,
	})
}

func (r *LedgerRepository) Cancel(ctx context.Context, id string) error {
	return r.advance(ctx, id, model.TxCancelled, map[string]interface{}{
		"status": model.TxCancelled,
	})
}

// advance flips a non-final row into target. Statuses only move forward;
// a row already in success, failed or cancelled stays there.
func (r *LedgerRepository) advance(ctx context.Context, id, target string, updates map[string]interface{}) error {
	res := r.db.WithContext(ctx).
		Model(&model.PaymentTransaction{}).
		Where("id = ? AND status IN ?", id, []string{model.TxDraft, model.TxPending}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		row, err := r.Get(ctx, id)
		if err != nil {
			return err
		}
		if row.Status == target {
			return nil
		}
		return service.ErrLedgerStatusFinal
	}
	return nil
}

// FindByOperation returns the latest row for an operation that still binds it:
// draft, pending, or success. Failed and cancelled rows do not block a retry,
// which opens a fresh row under the same operation id.
func (r *LedgerRepository) FindByOperation(ctx context.Context, operationID string) (*model.PaymentTransaction, error) {
	var row model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Where("operation_id = ? AND status IN ?", operationID,
			[]string{model.TxDraft, model.TxPending, model.TxSuccess}).
		Order("created_at desc").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *LedgerRepository) Reconcile(ctx context.Context, milestoneID string) (service.ReconcileResult, error) {
	var out service.ReconcileResult

	sum := func(dest *decimal.Decimal, query string, args ...interface{}) error {
		var raw decimal.NullDecimal
		err := r.db.WithContext(ctx).
			Model(&model.PaymentTransaction{}).
			Select("COALESCE(SUM(amount), 0)").
			Where("related_milestone_id = ? AND status = ?", milestoneID, model.TxSuccess).
			Where(query, args...).
			Scan(&raw).Error
		if err != nil {
			return err
		}
		if raw.Valid {
			*dest = raw.Decimal
		}
		return nil
	}

	if err := sum(&out.Funded, "direction = ?", model.DirectionIn); err != nil {
		return out, err
	}
	if err := sum(&out.Refunded, "direction = ? AND operation_id LIKE ?", model.DirectionOut, "refund:%"); err != nil {
		return out, err
	}
	if err := sum(&out.PaidOut, "direction = ? AND operation_id NOT LIKE ?", model.DirectionOut, "refund:%"); err != nil {
		return out, err
	}
	return out, nil
}

// MasterTransactions pages the ledger as the admin reporting projection.
func (r *LedgerRepository) MasterTransactions(ctx context.Context, page, size int) ([]model.MasterWalletTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&model.PaymentTransaction{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var rows []model.PaymentTransaction
	err := r.db.WithContext(ctx).
		Order("created_at desc").
		Offset((page - 1) * size).
		Limit(size).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]model.MasterWalletTransaction, 0, len(rows))
	for _, row := range rows {
		item := model.MasterWalletTransaction{
			Type:           row.Type,
			Status:         row.Status,
			Amount:         row.Amount,
			PaymentNetwork: row.Network,
			CreatedAt:      row.CreatedAt,
		}
		if row.TxHash != nil {
			item.TransactionHash = *row.TxHash
		}
		switch row.Direction {
		case model.DirectionIn:
			if row.FromAddress != nil {
				item.WalletAddress = *row.FromAddress
			}
		default:
			if row.ToAddress != nil {
				item.WalletAddress = *row.ToAddress
			}
		}
		out = append(out, item)
	}
	return out, total, nil
}
