package repository

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/model"
	"github.com/escrow-engine/settlement/service"
)

type WithdrawRepository struct {
	db *gorm.DB
}

func (r *WithdrawRepository) Create(ctx context.Context, w *model.Withdraw) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *WithdrawRepository) Get(ctx context.Context, id string) (*model.Withdraw, error) {
	var w model.Withdraw
	if err := r.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, service.ErrWithdrawNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *WithdrawRepository) Update(ctx context.Context, w *model.Withdraw) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *WithdrawRepository) ListPending(ctx context.Context) ([]model.Withdraw, error) {
	var list []model.Withdraw
	err := r.db.WithContext(ctx).
		Where("status = ?", model.WithdrawPending).
		Order("created_at asc").
		Find(&list).Error
	return list, err
}

func (r *WithdrawRepository) SumPendingExcept(ctx context.Context, network, exceptID string) (decimal.Decimal, error) {
	var raw decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&model.Withdraw{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("network = ? AND status = ? AND id <> ?", network, model.WithdrawPending, exceptID).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !raw.Valid {
		return decimal.Zero, nil
	}
	return raw.Decimal, nil
}
