package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/model"
)

// Store aggregates the persistence surface the services run on. The gorm
// implementation lives in the repository package; tests wire an in-memory
// implementation. Atomically runs fn against a store bound to one database
// transaction so a ledger write and the status flip it justifies commit as
// a single unit.
type Store interface {
	Milestones() MilestoneStore
	Wallets() WalletStore
	Ledger() LedgerStore
	Withdraws() WithdrawStore
	Atomically(ctx context.Context, fn func(Store) error) error
}

type MilestoneStore interface {
	Create(ctx context.Context, m *model.Milestone) error
	Get(ctx context.Context, id string) (*model.Milestone, error)
	Update(ctx context.Context, m *model.Milestone) error
	ListByConversation(ctx context.Context, conversationID string) ([]model.Milestone, error)
}

type WalletStore interface {
	// Create persists the wallet together with its issuance audit row.
	Create(ctx context.Context, w *model.TempWallet, audit *model.WalletAudit) error
	Get(ctx context.Context, id string) (*model.TempWallet, error)
	GetByAddress(ctx context.Context, address string) (*model.TempWallet, error)
	GetByLinkedEntity(ctx context.Context, linkedEntityID string) (*model.TempWallet, error)
	GetActiveByOwner(ctx context.Context, ownerUserID, purpose string) (*model.TempWallet, error)
	ListActive(ctx context.Context) ([]model.TempWallet, error)
	Update(ctx context.Context, w *model.TempWallet) error
	// UpdateLastChecked records a poll time without touching any other
	// column, so a concurrent sweep's status flip cannot be overwritten.
	UpdateLastChecked(ctx context.Context, id string, t time.Time) error
	// Count is used to pick the next HD derivation index; addresses are
	// never reassigned, so the count only grows.
	Count(ctx context.Context) (int64, error)
}

// ReconcileResult sums successful ledger rows attributed to one milestone.
type ReconcileResult struct {
	Funded   decimal.Decimal `json:"funded"`
	PaidOut  decimal.Decimal `json:"paid_out"`
	Refunded decimal.Decimal `json:"refunded"`
}

// Remaining is the portion still escrowed in the master wallet.
func (r ReconcileResult) Remaining() decimal.Decimal {
	return r.Funded.Sub(r.PaidOut).Sub(r.Refunded)
}

type LedgerStore interface {
	Open(ctx context.Context, row *model.PaymentTransaction) error
	Get(ctx context.Context, id string) (*model.PaymentTransaction, error)
	// SetHash records the broadcast hash exactly once; a second call fails
	// with ErrTransactionHashAlreadySet.
	SetHash(ctx context.Context, id string, txHash string) error
	// SetAmount records the received amount on a still-pending charge row.
	SetAmount(ctx context.Context, id string, amount decimal.Decimal) error
	// Complete moves pending -> success. Forward-only: completing a final
	// row fails with ErrLedgerStatusFinal.
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, reason string) error
	Cancel(ctx context.Context, id string) error
	// FindByOperation returns the latest non-failed row for an operation id,
	// the idempotency gate for sweeps and payouts.
	FindByOperation(ctx context.Context, operationID string) (*model.PaymentTransaction, error)
	Reconcile(ctx context.Context, milestoneID string) (ReconcileResult, error)
	MasterTransactions(ctx context.Context, page, size int) ([]model.MasterWalletTransaction, int64, error)
}

type WithdrawStore interface {
	Create(ctx context.Context, w *model.Withdraw) error
	Get(ctx context.Context, id string) (*model.Withdraw, error)
	Update(ctx context.Context, w *model.Withdraw) error
	ListPending(ctx context.Context) ([]model.Withdraw, error)
	// SumPendingExcept totals pending withdraw liabilities on a network,
	// excluding one withdraw id (the one currently being paid out).
	SumPendingExcept(ctx context.Context, network, exceptID string) (decimal.Decimal, error)
}
