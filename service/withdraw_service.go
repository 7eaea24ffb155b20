package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/model"
)

// WithdrawService handles user withdrawal requests. A pending withdraw is a
// reserved liability against the master wallet; only admin acceptance moves
// funds, through the settlement executor.
type WithdrawService struct {
	store      Store
	settlement *SettlementService
	nowFn      func() time.Time
}

func NewWithdrawService(store Store, settlement *SettlementService) *WithdrawService {
	return &WithdrawService{store: store, settlement: settlement, nowFn: time.Now}
}

func (s *WithdrawService) Request(ctx context.Context, clientID, network, walletAddress string, amount decimal.Decimal) (*model.Withdraw, error) {
	if clientID == "" || walletAddress == "" || network == "" {
		return nil, fmt.Errorf("%w: missing withdraw fields", ErrInvalidInput)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	now := s.nowFn()
	w := &model.Withdraw{
		ID:            uuid.NewString(),
		ClientID:      clientID,
		Amount:        amount,
		Network:       network,
		WalletAddress: walletAddress,
		Status:        model.WithdrawPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Withdraws().Create(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *WithdrawService) Get(ctx context.Context, id string) (*model.Withdraw, error) {
	return s.store.Withdraws().Get(ctx, id)
}

func (s *WithdrawService) ListPending(ctx context.Context) ([]model.Withdraw, error) {
	return s.store.Withdraws().ListPending(ctx)
}

// AcceptResult reports a settled withdrawal payout.
type AcceptResult struct {
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"transaction_hash"`
}

// Accept pays the withdrawal out of the master wallet. Idempotent: accepting
// an already settled withdraw returns the recorded hash.
func (s *WithdrawService) Accept(ctx context.Context, withdrawID string) (AcceptResult, error) {
	w, err := s.store.Withdraws().Get(ctx, withdrawID)
	if err != nil {
		return AcceptResult{}, err
	}
	switch w.Status {
	case model.WithdrawSuccess:
		res := AcceptResult{Amount: w.Amount}
		if w.TxHash != nil {
			res.TxHash = *w.TxHash
		}
		return res, nil
	case model.WithdrawFailed:
		return AcceptResult{}, fmt.Errorf("%w: withdraw %s already failed", ErrInvalidInput, withdrawID)
	}

	op := PayoutOp{
		OperationID:       "withdraw:" + w.ID,
		Type:              model.TxTypeWithdraw,
		Network:           w.Network,
		ToAddress:         w.WalletAddress,
		Amount:            w.Amount,
		RelatedUserID:     &w.ClientID,
		ExcludeWithdrawID: w.ID,
	}
	txHash, err := s.settlement.Payout(ctx, op, func(st Store, row *model.PaymentTransaction) error {
		w.Status = model.WithdrawSuccess
		w.TxHash = row.TxHash
		w.UpdatedAt = s.nowFn()
		return st.Withdraws().Update(ctx, w)
	})
	if err != nil {
		if errors.Is(err, ErrBroadcastFailure) {
			w.Status = model.WithdrawFailed
			w.UpdatedAt = s.nowFn()
			if uerr := s.store.Withdraws().Update(ctx, w); uerr != nil {
				log.Printf("withdraw %s: mark failed: %v", w.ID, uerr)
			}
		}
		return AcceptResult{}, err
	}
	return AcceptResult{Amount: w.Amount, TxHash: txHash}, nil
}
