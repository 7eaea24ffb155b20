package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/model"
)

// WalletService is the wallet directory: it issues disposable receiving
// addresses, one per pending funding operation, and drives their lifecycle
// active -> swept | expired. Addresses are never reassigned.
type WalletService struct {
	store          Store
	keyring        *Keyring
	fundingWindow  time.Duration
	defaultNetwork string
	nowFn          func() time.Time

	// serializes derivation-index allocation across concurrent issues
	mu sync.Mutex
}

func NewWalletService(store Store, keyring *Keyring, fundingWindow time.Duration, defaultNetwork string) *WalletService {
	return &WalletService{
		store:          store,
		keyring:        keyring,
		fundingWindow:  fundingWindow,
		defaultNetwork: defaultNetwork,
		nowFn:          time.Now,
	}
}

// Issue derives a fresh address bound 1:1 to linkedEntityID and persists it
// together with its audit row. Child index 0 belongs to the master wallet,
// so temp wallets start at 1.
func (s *WalletService) Issue(ctx context.Context, ownerUserID *string, purpose, linkedEntityID, network string) (*model.TempWallet, error) {
	return s.issueIn(ctx, s.store, ownerUserID, purpose, linkedEntityID, network)
}

// issueIn issues against st so callers can bind the wallet write to a wider
// transaction.
func (s *WalletService) issueIn(ctx context.Context, st Store, ownerUserID *string, purpose, linkedEntityID, network string) (*model.TempWallet, error) {
	if linkedEntityID == "" || network == "" {
		return nil, fmt.Errorf("%w: missing linked entity or network", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := st.Wallets().Count(ctx)
	if err != nil {
		return nil, err
	}
	address, path, err := s.keyring.Derive(uint32(count) + 1)
	if err != nil {
		return nil, err
	}
	now := s.nowFn()
	wallet := &model.TempWallet{
		ID:             uuid.NewString(),
		OwnerUserID:    ownerUserID,
		Purpose:        purpose,
		LinkedEntityID: linkedEntityID,
		Address:        address,
		Network:        network,
		KeyRef:         path,
		Status:         model.WalletActive,
		TotalReceived:  decimal.Zero,
		ExpiresAt:      now.Add(s.fundingWindow),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	audit := &model.WalletAudit{
		WalletID:       wallet.ID,
		Purpose:        purpose,
		LinkedEntityID: linkedEntityID,
		Address:        address,
		Network:        network,
		CreatedAt:      now,
	}
	if err := st.Wallets().Create(ctx, wallet, audit); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) Lookup(ctx context.Context, address string) (*model.TempWallet, error) {
	return s.store.Wallets().GetByAddress(ctx, address)
}

func (s *WalletService) Get(ctx context.Context, id string) (*model.TempWallet, error) {
	return s.store.Wallets().Get(ctx, id)
}

// MyWallet returns the user's active charge wallet, issuing one (and its
// pending charge ledger row) on first use. The charge amount is recorded at
// sweep time, when the received balance is known.
func (s *WalletService) MyWallet(ctx context.Context, userID string) (*model.TempWallet, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidInput)
	}
	if w, err := s.store.Wallets().GetActiveByOwner(ctx, userID, model.PurposeCharge); err == nil {
		return w, nil
	} else if err != ErrWalletNotFound {
		return nil, err
	}
	now := s.nowFn()
	charge := &model.PaymentTransaction{
		ID:            uuid.NewString(),
		Type:          model.TxTypeCharge,
		Direction:     model.DirectionIn,
		Status:        model.TxPending,
		Amount:        decimal.Zero,
		Network:       s.defaultNetwork,
		RelatedUserID: &userID,
		OperationID:   "charge:" + uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// one transaction: a failed issuance must not leave an orphan charge row
	var wallet *model.TempWallet
	err := s.store.Atomically(ctx, func(st Store) error {
		if err := st.Ledger().Open(ctx, charge); err != nil {
			return err
		}
		w, err := s.issueIn(ctx, st, &userID, model.PurposeCharge, charge.ID, charge.Network)
		if err != nil {
			return err
		}
		wallet = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// Expire moves an active wallet past its funding deadline to expired and
// cancels the linked pending ledger row as one unit. Idempotent: an already
// expired wallet is a no-op.
func (s *WalletService) Expire(ctx context.Context, walletID string) error {
	return s.store.Atomically(ctx, func(st Store) error {
		wallet, err := st.Wallets().Get(ctx, walletID)
		if err != nil {
			return err
		}
		switch wallet.Status {
		case model.WalletExpired:
			return nil
		case model.WalletSwept:
			return fmt.Errorf("%w: wallet %s already swept", ErrInvalidInput, walletID)
		}
		if s.nowFn().Before(wallet.ExpiresAt) {
			return ErrWalletExpiryNotDue
		}
		wallet.Status = model.WalletExpired
		wallet.UpdatedAt = s.nowFn()
		if err := st.Wallets().Update(ctx, wallet); err != nil {
			return err
		}
		row, err := st.Ledger().Get(ctx, wallet.LinkedEntityID)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				return nil
			}
			return err
		}
		if row.Status == model.TxPending || row.Status == model.TxDraft {
			return st.Ledger().Cancel(ctx, row.ID)
		}
		return nil
	})
}
