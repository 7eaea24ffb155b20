package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment transaction types.
const (
	TxTypeCharge           = "charge"
	TxTypeMilestonePayment = "milestone_payment"
	TxTypePlatformFee      = "platform_fee"
	TxTypeWithdraw         = "withdraw"
)

// Payment transaction statuses. Forward-only:
// draft -> pending -> success | failed | cancelled.
const (
	TxDraft     = "draft"
	TxPending   = "pending"
	TxSuccess   = "success"
	TxFailed    = "failed"
	TxCancelled = "cancelled"
)

// Payment transaction directions relative to the master wallet.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// PaymentTransaction is a ledger row. TxHash is written exactly once, when a
// broadcast succeeds, and is immutable afterward. OperationID is the
// idempotency key for the transfer ("fund:<milestone>", "release:<milestone>",
// "refund:<milestone>", "withdraw:<id>", "charge:<uuid>").
type PaymentTransaction struct {
	ID                 string          `gorm:"primaryKey;size:36" json:"id"`
	Type               string          `gorm:"size:32;not null;index" json:"type"`
	Direction          string          `gorm:"size:4;not null" json:"direction"`
	Status             string          `gorm:"size:16;not null;default:'pending';index" json:"status"`
	Amount             decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"amount"`
	Network            string          `gorm:"size:32;not null" json:"network"`
	FromAddress        *string         `gorm:"size:64" json:"from_address,omitempty"`
	ToAddress          *string         `gorm:"size:64" json:"to_address,omitempty"`
	TxHash             *string         `gorm:"size:128;index" json:"tx_hash,omitempty"`
	OperationID        string          `gorm:"size:64;index" json:"operation_id"`
	RelatedMilestoneID *string         `gorm:"size:36;index" json:"related_milestone_id,omitempty"`
	RelatedUserID      *string         `gorm:"size:36;index" json:"related_user_id,omitempty"`
	FailReason         *string         `gorm:"size:255" json:"fail_reason,omitempty"`
	ExpiresAt          *time.Time      `json:"expires_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Withdraw statuses.
const (
	WithdrawPending = "pending"
	WithdrawSuccess = "success"
	WithdrawFailed  = "failed"
)

// Withdraw is a user request to move funds out of the master wallet. A
// pending row is a liability reserved against the master balance until an
// admin accepts or rejects it.
type Withdraw struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	ClientID      string          `gorm:"size:36;index;not null" json:"client_id"`
	Amount        decimal.Decimal `gorm:"type:decimal(32,6);not null" json:"amount"`
	Network       string          `gorm:"size:32;not null" json:"network"`
	WalletAddress string          `gorm:"size:64;not null" json:"wallet_address"`
	Status        string          `gorm:"size:16;not null;default:'pending';index" json:"status"`
	TxHash        *string         `gorm:"size:128" json:"tx_hash,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MasterWalletTransaction is the read-only ledger projection consumed by
// admin reporting. Not a table.
type MasterWalletTransaction struct {
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentNetwork  string          `json:"payment_network"`
	WalletAddress   string          `json:"wallet_address"`
	TransactionHash string          `json:"transaction_hash"`
	CreatedAt       time.Time       `json:"created_at"`
}

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Milestone{},
		&TempWallet{},
		&WalletAudit{},
		&PaymentTransaction{},
		&Withdraw{},
	)
}
