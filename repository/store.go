package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/service"
)

// Store is the gorm-backed implementation of service.Store.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Milestones() service.MilestoneStore { return &MilestoneRepository{db: s.db} }
func (s *Store) Wallets() service.WalletStore       { return &WalletRepository{db: s.db} }
func (s *Store) Ledger() service.LedgerStore        { return &LedgerRepository{db: s.db} }
func (s *Store) Withdraws() service.WithdrawStore   { return &WithdrawRepository{db: s.db} }

// Atomically runs fn against a store bound to one database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(service.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}
