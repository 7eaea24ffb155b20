package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/model"
	"github.com/escrow-engine/settlement/service"
)

type WalletRepository struct {
	db *gorm.DB
}

// Create persists the wallet and its issuance audit row as one unit.
func (r *WalletRepository) Create(ctx context.Context, w *model.TempWallet, audit *model.WalletAudit) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(w).Error; err != nil {
			return err
		}
		return tx.Create(audit).Error
	})
}

func (r *WalletRepository) Get(ctx context.Context, id string) (*model.TempWallet, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *WalletRepository) GetByAddress(ctx context.Context, address string) (*model.TempWallet, error) {
	return r.first(ctx, "address = ?", address)
}

func (r *WalletRepository) GetByLinkedEntity(ctx context.Context, linkedEntityID string) (*model.TempWallet, error) {
	return r.first(ctx, "linked_entity_id = ?", linkedEntityID)
}

func (r *WalletRepository) GetActiveByOwner(ctx context.Context, ownerUserID, purpose string) (*model.TempWallet, error) {
	return r.first(ctx, "owner_user_id = ? AND purpose = ? AND status = ?", ownerUserID, purpose, model.WalletActive)
}

func (r *WalletRepository) ListActive(ctx context.Context) ([]model.TempWallet, error) {
	var list []model.TempWallet
	err := r.db.WithContext(ctx).
		Where("status = ?", model.WalletActive).
		Order("created_at asc").
		Find(&list).Error
	return list, err
}

func (r *WalletRepository) Update(ctx context.Context, w *model.TempWallet) error {
	return r.db.WithContext(ctx).Save(w).Error
}

func (r *WalletRepository) UpdateLastChecked(ctx context.Context, id string, t time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.TempWallet{}).
		Where("id = ?", id).
		Update("last_checked_at", t).Error
}

func (r *WalletRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.TempWallet{}).Count(&n).Error
	return n, err
}

func (r *WalletRepository) first(ctx context.Context, query string, args ...interface{}) (*model.TempWallet, error) {
	var w model.TempWallet
	if err := r.db.WithContext(ctx).Where(query, args...).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, service.ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}
