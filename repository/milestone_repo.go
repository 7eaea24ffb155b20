package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/model"
	"github.com/escrow-engine/settlement/service"
)

type MilestoneRepository struct {
	db *gorm.DB
}

func (r *MilestoneRepository) Create(ctx context.Context, m *model.Milestone) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MilestoneRepository) Get(ctx context.Context, id string) (*model.Milestone, error) {
	var m model.Milestone
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, service.ErrMilestoneNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MilestoneRepository) Update(ctx context.Context, m *model.Milestone) error {
	return r.db.WithContext(ctx).Save(m).Error
}

func (r *MilestoneRepository) ListByConversation(ctx context.Context, conversationID string) ([]model.Milestone, error) {
	var list []model.Milestone
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at asc").
		Find(&list).Error
	return list, err
}
