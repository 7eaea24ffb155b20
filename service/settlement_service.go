package service

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/events"
	"github.com/escrow-engine/settlement/model"
)

// SettlementService performs every transfer that moves real funds: sweeps
// from temp wallets into the master wallet and payouts from the master
// wallet outward. Every operation is at-most-once per operation id; the
// ledger write and the status flip it justifies commit as one unit.
type SettlementService struct {
	store    Store
	observer ChainObserver
	caster   Broadcaster
	keyring  *Keyring
	bus      events.Publisher
	locks    *keyedMutex
	nowFn    func() time.Time

	masterAddress   string
	confirmAttempts int
	confirmBackoff  time.Duration

	// master-balance reservations for in-flight payouts, keyed by
	// operation id; released only on a terminal outcome so an unconfirmed
	// broadcast keeps blocking concurrent payouts.
	resMu    sync.Mutex
	reserved map[string]reservation
}

type reservation struct {
	network string
	amount  decimal.Decimal
}

// SweepResult reports what a sweep moved.
type SweepResult struct {
	Amount decimal.Decimal `json:"amount_transferred"`
	TxHash string          `json:"transaction_hash"`
}

// PayoutOp identifies one outbound transfer from the master wallet.
type PayoutOp struct {
	OperationID        string // idempotency key, e.g. "release:<milestoneID>"
	Type               string // model.TxTypeMilestonePayment or model.TxTypeWithdraw
	Network            string
	ToAddress          string
	Amount             decimal.Decimal
	RelatedMilestoneID *string
	RelatedUserID      *string
	// ExcludeWithdrawID keeps the withdraw being paid out from counting
	// against itself in the pending-liability sum.
	ExcludeWithdrawID string
}

func NewSettlementService(store Store, observer ChainObserver, caster Broadcaster, keyring *Keyring, bus events.Publisher, confirmAttempts int, confirmBackoff time.Duration) (*SettlementService, error) {
	masterAddress, err := keyring.MasterAddress()
	if err != nil {
		return nil, err
	}
	return &SettlementService{
		store:           store,
		observer:        observer,
		caster:          caster,
		keyring:         keyring,
		bus:             bus,
		locks:           newKeyedMutex(),
		nowFn:           time.Now,
		masterAddress:   masterAddress,
		confirmAttempts: confirmAttempts,
		confirmBackoff:  confirmBackoff,
		reserved:        make(map[string]reservation),
	}, nil
}

// MasterAddress returns the platform escrow address.
func (s *SettlementService) MasterAddress() string { return s.masterAddress }

// Sweep transfers the full confirmed balance of an active temp wallet to
// the master wallet. At-most-once per wallet: concurrent calls serialize on
// the wallet lock and re-invocation on a swept wallet returns the prior
// result without touching the chain.
func (s *SettlementService) Sweep(ctx context.Context, walletID string) (SweepResult, error) {
	unlock := s.locks.Lock("wallet:" + walletID)
	defer unlock()

	wallet, err := s.store.Wallets().Get(ctx, walletID)
	if err != nil {
		return SweepResult{}, err
	}
	row, err := s.store.Ledger().Get(ctx, wallet.LinkedEntityID)
	if err != nil {
		return SweepResult{}, err
	}

	switch wallet.Status {
	case model.WalletSwept:
		if row.TxHash == nil {
			return SweepResult{}, fmt.Errorf("swept wallet %s has no settled ledger row", walletID)
		}
		return SweepResult{Amount: wallet.TotalReceived, TxHash: *row.TxHash}, nil
	case model.WalletExpired:
		return SweepResult{}, fmt.Errorf("%w: wallet %s expired", ErrInvalidInput, walletID)
	}
	if row.Status != model.TxPending && row.Status != model.TxDraft {
		return SweepResult{}, fmt.Errorf("%w: funding row %s is %s", ErrLedgerStatusFinal, row.ID, row.Status)
	}

	balance, err := s.observer.Balance(ctx, wallet.Network, wallet.Address)
	if err != nil {
		return SweepResult{}, err
	}
	if !balance.IsPositive() {
		return SweepResult{}, ErrNoFundsReceived
	}

	// A hash already on the row means a previous attempt broadcast and died
	// before settling; resume at the confirmation wait instead of paying
	// twice.
	txHash := ""
	if row.TxHash != nil {
		txHash = *row.TxHash
	} else {
		key, err := s.keyring.PrivateKey(wallet.KeyRef)
		if err != nil {
			return SweepResult{}, err
		}
		txHash, err = s.caster.Transfer(ctx, wallet.Network, key, s.masterAddress, balance)
		if err != nil {
			return SweepResult{}, err
		}
		if err := s.store.Ledger().SetHash(ctx, row.ID, txHash); err != nil {
			return SweepResult{}, err
		}
	}

	if err := s.waitConfirmed(ctx, wallet.Network, txHash); err != nil {
		if err == ErrSettlementPending {
			return SweepResult{}, err
		}
		if ferr := s.store.Ledger().Fail(ctx, row.ID, "sweep transfer failed on chain"); ferr != nil {
			log.Printf("sweep %s: mark failed: %v", walletID, ferr)
		}
		return SweepResult{}, err
	}

	var advanced *model.Milestone
	err = s.store.Atomically(ctx, func(st Store) error {
		if row.Type == model.TxTypeCharge {
			if err := st.Ledger().SetAmount(ctx, row.ID, balance); err != nil {
				return err
			}
		}
		if err := st.Ledger().Complete(ctx, row.ID); err != nil {
			return err
		}
		wallet.Status = model.WalletSwept
		wallet.TotalReceived = balance
		wallet.UpdatedAt = s.nowFn()
		if err := st.Wallets().Update(ctx, wallet); err != nil {
			return err
		}
		if row.RelatedMilestoneID != nil {
			m, err := st.Milestones().Get(ctx, *row.RelatedMilestoneID)
			if err != nil {
				return err
			}
			if m.Status == model.MilestoneDraft && m.AcceptedAt != nil {
				m.Status = model.MilestoneProcessing
				m.UpdatedAt = s.nowFn()
				if err := st.Milestones().Update(ctx, m); err != nil {
					return err
				}
				advanced = m
			}
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}

	if advanced != nil {
		s.bus.Publish(events.MilestoneUpdated{MilestoneID: advanced.ID, ConversationID: advanced.ConversationID, Status: advanced.Status})
	}
	s.publishMasterBalance(ctx, wallet.Network)
	return SweepResult{Amount: balance, TxHash: txHash}, nil
}

// Payout moves amount from the master wallet to op.ToAddress. Idempotent by
// op.OperationID: a settled row is returned as-is, an unconfirmed broadcast
// is resumed, and only a genuinely new operation reaches the chain. apply
// runs in the same database transaction that settles the ledger row, so the
// caller's status flip cannot be separated from the transfer record.
func (s *SettlementService) Payout(ctx context.Context, op PayoutOp, apply func(st Store, row *model.PaymentTransaction) error) (string, error) {
	if !op.Amount.IsPositive() {
		return "", fmt.Errorf("%w: payout amount must be positive", ErrInvalidInput)
	}
	unlock := s.locks.Lock("op:" + op.OperationID)
	defer unlock()

	row, err := s.store.Ledger().FindByOperation(ctx, op.OperationID)
	if err != nil {
		return "", err
	}
	if row != nil {
		switch {
		case row.Status == model.TxSuccess:
			return *row.TxHash, nil
		case row.TxHash != nil:
			// broadcast happened, settlement did not: resume, re-reserving
			// the in-flight amount so concurrent payouts cannot spend it
			s.reserve(op)
			return s.settlePayout(ctx, op, row, *row.TxHash, apply)
		}
		// pending row without a hash: the previous attempt died before
		// broadcasting, fall through and reuse it
	}

	available, err := s.availableMasterBalance(ctx, op)
	if err != nil {
		return "", err
	}
	if op.Amount.GreaterThan(available) {
		return "", fmt.Errorf("%w: requested %s, available %s", ErrInsufficientMasterBalance, op.Amount, available)
	}
	s.reserve(op)

	if row == nil {
		now := s.nowFn()
		from := s.masterAddress
		row = &model.PaymentTransaction{
			ID:                 uuid.NewString(),
			Type:               op.Type,
			Direction:          model.DirectionOut,
			Status:             model.TxPending,
			Amount:             op.Amount,
			Network:            op.Network,
			FromAddress:        &from,
			ToAddress:          &op.ToAddress,
			OperationID:        op.OperationID,
			RelatedMilestoneID: op.RelatedMilestoneID,
			RelatedUserID:      op.RelatedUserID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := s.store.Ledger().Open(ctx, row); err != nil {
			s.unreserve(op.OperationID)
			return "", err
		}
	}

	key, err := s.keyring.MasterKey()
	if err != nil {
		s.unreserve(op.OperationID)
		return "", err
	}
	txHash, err := s.caster.Transfer(ctx, op.Network, key, op.ToAddress, op.Amount)
	if err != nil {
		s.unreserve(op.OperationID)
		if ferr := s.store.Ledger().Fail(ctx, row.ID, err.Error()); ferr != nil {
			log.Printf("payout %s: mark failed: %v", op.OperationID, ferr)
		}
		return "", err
	}
	if err := s.store.Ledger().SetHash(ctx, row.ID, txHash); err != nil {
		s.unreserve(op.OperationID)
		return "", err
	}
	row.TxHash = &txHash
	return s.settlePayout(ctx, op, row, txHash, apply)
}

// settlePayout waits out confirmation and commits the ledger settlement
// and the caller's apply in one transaction.
func (s *SettlementService) settlePayout(ctx context.Context, op PayoutOp, row *model.PaymentTransaction, txHash string, apply func(st Store, row *model.PaymentTransaction) error) (string, error) {
	if err := s.waitConfirmed(ctx, op.Network, txHash); err != nil {
		if err == ErrSettlementPending {
			// reservation stays: the broadcast may still land
			return "", err
		}
		s.unreserve(op.OperationID)
		if ferr := s.store.Ledger().Fail(ctx, row.ID, "payout failed on chain"); ferr != nil {
			log.Printf("payout %s: mark failed: %v", op.OperationID, ferr)
		}
		return "", err
	}
	err := s.store.Atomically(ctx, func(st Store) error {
		if err := st.Ledger().Complete(ctx, row.ID); err != nil {
			return err
		}
		if apply != nil {
			return apply(st, row)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.unreserve(op.OperationID)
	s.publishMasterBalance(ctx, op.Network)
	return txHash, nil
}

// availableMasterBalance is the live on-chain balance minus in-flight
// reservations and pending withdraw liabilities. The chain, not a local
// counter, is authoritative for the first term.
func (s *SettlementService) availableMasterBalance(ctx context.Context, op PayoutOp) (decimal.Decimal, error) {
	live, err := s.observer.Balance(ctx, op.Network, s.masterAddress)
	if err != nil {
		return decimal.Zero, err
	}
	s.resMu.Lock()
	for id, r := range s.reserved {
		if id != op.OperationID && r.network == op.Network {
			live = live.Sub(r.amount)
		}
	}
	s.resMu.Unlock()
	pending, err := s.store.Withdraws().SumPendingExcept(ctx, op.Network, op.ExcludeWithdrawID)
	if err != nil {
		return decimal.Zero, err
	}
	return live.Sub(pending), nil
}

func (s *SettlementService) reserve(op PayoutOp) {
	s.resMu.Lock()
	s.reserved[op.OperationID] = reservation{network: op.Network, amount: op.Amount}
	s.resMu.Unlock()
}

func (s *SettlementService) unreserve(operationID string) {
	s.resMu.Lock()
	delete(s.reserved, operationID)
	s.resMu.Unlock()
}

// waitConfirmed polls the observer with capped exponential backoff until the
// transaction confirms, fails on chain, or attempts run out.
func (s *SettlementService) waitConfirmed(ctx context.Context, network, txHash string) error {
	backoff := s.confirmBackoff
	for attempt := 0; attempt < s.confirmAttempts; attempt++ {
		status, err := s.observer.ConfirmationStatus(ctx, network, txHash)
		if err != nil {
			log.Printf("confirmation read %s: %v", txHash, err)
		} else {
			switch status {
			case TxConfirmed:
				return nil
			case TxFailedOnChain:
				return fmt.Errorf("%w: transaction %s reverted", ErrBroadcastFailure, txHash)
			}
		}
		select {
		case <-ctx.Done():
			// The caller going away says nothing about the broadcast: the
			// transfer may still land. The row keeps its hash and stays
			// pending so a retry resumes instead of paying twice.
			return ErrSettlementPending
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
	return ErrSettlementPending
}

func (s *SettlementService) publishMasterBalance(ctx context.Context, network string) {
	balance, err := s.observer.Balance(ctx, network, s.masterAddress)
	if err != nil {
		log.Printf("master balance read: %v", err)
		return
	}
	s.bus.Publish(events.BalanceUpdated{Network: network, Balance: balance})
}
