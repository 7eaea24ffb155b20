package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Temp wallet purposes.
const (
	PurposeCharge           = "charge"
	PurposeMilestoneFunding = "milestone_funding"
)

// Temp wallet statuses.
const (
	WalletActive  = "active"
	WalletSwept   = "swept"
	WalletExpired = "expired"
)

// TempWallet is a disposable receiving address bound to exactly one pending
// funding operation. Addresses are never reassigned; the private key is
// resolved from KeyRef (HD derivation path) at sweep time and never stored.
type TempWallet struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OwnerUserID    *string         `gorm:"size:36;index" json:"owner_user_id,omitempty"`
	Purpose        string          `gorm:"size:32;not null" json:"purpose"`
	LinkedEntityID string          `gorm:"size:36;uniqueIndex;not null" json:"linked_entity_id"`
	Address        string          `gorm:"size:64;uniqueIndex;not null" json:"address"`
	Network        string          `gorm:"size:32;not null" json:"network"`
	KeyRef         string          `gorm:"column:key_ref;size:128;not null" json:"-"`
	Status         string          `gorm:"size:16;not null;default:'active';index" json:"status"`
	TotalReceived  decimal.Decimal `gorm:"type:decimal(32,6);not null;default:0" json:"total_received"`
	ExpiresAt      time.Time       `json:"expires_at"`
	LastCheckedAt  *time.Time      `json:"last_checked_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// WalletAudit records every address issuance. Append-only.
type WalletAudit struct {
	ID             uint   `gorm:"primaryKey"`
	WalletID       string `gorm:"size:36;index"`
	Purpose        string `gorm:"size:32"`
	LinkedEntityID string `gorm:"size:36"`
	Address        string `gorm:"size:64"`
	Network        string `gorm:"size:32"`
	CreatedAt      time.Time
}
