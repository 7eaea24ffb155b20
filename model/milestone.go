package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Milestone statuses. Status changes only through the milestone service;
// money moves only on the transitions it allows.
const (
	MilestoneDraft      = "draft"
	MilestoneProcessing = "processing"
	MilestoneCompleted  = "completed"
	MilestoneDispute    = "dispute"
	MilestoneReleased   = "released"
	MilestoneRefunded   = "refunded"
	MilestoneCancelled  = "cancelled"
)

// Milestone is a priced unit of work inside a conversation, escrowed in the
// master wallet until released to the provider or refunded to the client.
type Milestone struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string          `gorm:"size:36;index" json:"conversation_id"`
	ClientID       string          `gorm:"size:36;index" json:"client_id"`
	ProviderID     string          `gorm:"size:36;index" json:"provider_id"`
	Title          string          `gorm:"size:255" json:"title"`
	Description    string          `gorm:"type:text" json:"description"`
	Amount         decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"amount"`
	Network        string          `gorm:"size:32;not null" json:"network"`
	Status         string          `gorm:"size:20;not null;default:'draft';index" json:"status"`
	AcceptedAt     *time.Time      `json:"accepted_at,omitempty"`
	Feedback       *string         `gorm:"type:text" json:"feedback,omitempty"`
	Rating         *int            `json:"rating,omitempty"` // 1..5, set on admin resolution
	ResolvedBy     *string         `gorm:"size:36" json:"resolved_by,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition can leave this status.
func (m *Milestone) Terminal() bool {
	switch m.Status {
	case MilestoneReleased, MilestoneRefunded, MilestoneCancelled:
		return true
	}
	return false
}
