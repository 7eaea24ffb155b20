package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/events"
	"github.com/escrow-engine/settlement/model"
)

// Milestone transition events.
const (
	evAccept       = "accept"
	evCancel       = "cancel"
	evComplete     = "complete"
	evRelease      = "release"
	evDispute      = "dispute"
	evAdminRelease = "admin_release"
	evAdminRefund  = "admin_refund"
)

// milestoneTransitions is the full set of legal (state, event) pairs. Any
// pair outside the table fails with ErrInvalidMilestoneTransition and leaves
// the milestone untouched.
var milestoneTransitions = map[string]map[string]string{
	model.MilestoneDraft: {
		evAccept: model.MilestoneProcessing,
		evCancel: model.MilestoneCancelled,
	},
	model.MilestoneProcessing: {
		evComplete: model.MilestoneCompleted,
		evCancel:   model.MilestoneCancelled,
	},
	model.MilestoneCompleted: {
		evRelease: model.MilestoneReleased,
		evDispute: model.MilestoneDispute,
	},
	model.MilestoneDispute: {
		evAdminRelease: model.MilestoneReleased,
		evAdminRefund:  model.MilestoneRefunded,
	},
}

func nextStatus(from, event string) (string, error) {
	if to, ok := milestoneTransitions[from][event]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidMilestoneTransition, event, from)
}

// MilestoneService owns the milestone lifecycle. Transitions that move money
// run through the settlement executor, which settles the ledger row and
// flips the status in one database transaction.
type MilestoneService struct {
	store      Store
	wallets    *WalletService
	settlement *SettlementService
	bus        events.Publisher
	locks      *keyedMutex
	nowFn      func() time.Time
}

func NewMilestoneService(store Store, wallets *WalletService, settlement *SettlementService, bus events.Publisher) *MilestoneService {
	return &MilestoneService{
		store:      store,
		wallets:    wallets,
		settlement: settlement,
		bus:        bus,
		locks:      newKeyedMutex(),
		nowFn:      time.Now,
	}
}

type CreateMilestoneInput struct {
	ConversationID string
	ClientID       string
	ProviderID     string
	Title          string
	Description    string
	Amount         decimal.Decimal
	Network        string
}

// Create opens a draft milestone. Only the client creates milestones.
func (s *MilestoneService) Create(ctx context.Context, in CreateMilestoneInput) (*model.Milestone, error) {
	if in.ConversationID == "" || in.ClientID == "" || in.ProviderID == "" || in.Title == "" {
		return nil, fmt.Errorf("%w: missing milestone fields", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	now := s.nowFn()
	m := &model.Milestone{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		ClientID:       in.ClientID,
		ProviderID:     in.ProviderID,
		Title:          in.Title,
		Description:    in.Description,
		Amount:         in.Amount,
		Network:        in.Network,
		Status:         model.MilestoneDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Milestones().Create(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

func (s *MilestoneService) Get(ctx context.Context, id string) (*model.Milestone, error) {
	return s.store.Milestones().Get(ctx, id)
}

func (s *MilestoneService) ListByConversation(ctx context.Context, conversationID string) ([]model.Milestone, error) {
	return s.store.Milestones().ListByConversation(ctx, conversationID)
}

// Fund opens the milestone's funding ledger row and issues the temp wallet
// that will receive it. Calling Fund again while the previous funding is
// still open returns the same wallet.
func (s *MilestoneService) Fund(ctx context.Context, milestoneID, callerID string) (*model.TempWallet, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if callerID != m.ClientID {
		return nil, fmt.Errorf("%w: only the client funds a milestone", ErrForbidden)
	}
	if m.Status != model.MilestoneDraft {
		return nil, fmt.Errorf("%w: fund from %s", ErrInvalidMilestoneTransition, m.Status)
	}
	if row, err := s.store.Ledger().FindByOperation(ctx, "fund:"+milestoneID); err != nil {
		return nil, err
	} else if row != nil {
		if row.Status == model.TxSuccess {
			return nil, ErrMilestoneFundingAlreadyOpen
		}
		return s.store.Wallets().GetByLinkedEntity(ctx, row.ID)
	}

	rowID := uuid.NewString()
	wallet, err := s.wallets.Issue(ctx, &m.ClientID, model.PurposeMilestoneFunding, rowID, m.Network)
	if err != nil {
		return nil, err
	}
	master := s.settlement.MasterAddress()
	now := s.nowFn()
	row := &model.PaymentTransaction{
		ID:                 rowID,
		Type:               model.TxTypeMilestonePayment,
		Direction:          model.DirectionIn,
		Status:             model.TxPending,
		Amount:             m.Amount,
		Network:            m.Network,
		FromAddress:        &wallet.Address,
		ToAddress:          &master,
		OperationID:        "fund:" + milestoneID,
		RelatedMilestoneID: &m.ID,
		RelatedUserID:      &m.ClientID,
		ExpiresAt:          &wallet.ExpiresAt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.Ledger().Open(ctx, row); err != nil {
		return nil, err
	}
	return wallet, nil
}

// Accept records the provider's agreement. The status only advances to
// processing once the funding transaction has settled; accepting earlier is
// recorded and the advance happens when the sweep lands.
func (s *MilestoneService) Accept(ctx context.Context, milestoneID, callerID string) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if callerID != m.ProviderID {
		return nil, fmt.Errorf("%w: only the provider accepts", ErrForbidden)
	}
	if m.Status != model.MilestoneDraft {
		return nil, fmt.Errorf("%w: %s from %s", ErrInvalidMilestoneTransition, evAccept, m.Status)
	}
	now := s.nowFn()
	if m.AcceptedAt == nil {
		m.AcceptedAt = &now
	}
	row, err := s.store.Ledger().FindByOperation(ctx, "fund:"+milestoneID)
	if err != nil {
		return nil, err
	}
	if row != nil && row.Status == model.TxSuccess {
		to, err := nextStatus(m.Status, evAccept)
		if err != nil {
			return nil, err
		}
		m.Status = to
	}
	m.UpdatedAt = now
	if err := s.store.Milestones().Update(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

// Cancel aborts a milestone. From draft it requires that no funding has
// settled; from processing it refunds the escrowed funds to the client
// before the status flips.
func (s *MilestoneService) Cancel(ctx context.Context, milestoneID, callerID, refundAddress string) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	to, err := nextStatus(m.Status, evCancel)
	if err != nil {
		return nil, err
	}

	switch m.Status {
	case model.MilestoneDraft:
		if callerID != m.ClientID {
			return nil, fmt.Errorf("%w: only the client cancels a draft", ErrForbidden)
		}
		row, err := s.store.Ledger().FindByOperation(ctx, "fund:"+milestoneID)
		if err != nil {
			return nil, err
		}
		if row != nil && row.Status == model.TxSuccess {
			return nil, fmt.Errorf("%w: funding already settled", ErrInvalidMilestoneTransition)
		}
		err = s.store.Atomically(ctx, func(st Store) error {
			if row != nil && (row.Status == model.TxPending || row.Status == model.TxDraft) {
				if err := st.Ledger().Cancel(ctx, row.ID); err != nil {
					return err
				}
				wallet, werr := st.Wallets().GetByLinkedEntity(ctx, row.ID)
				if werr == nil && wallet.Status == model.WalletActive {
					wallet.Status = model.WalletExpired
					wallet.UpdatedAt = s.nowFn()
					if err := st.Wallets().Update(ctx, wallet); err != nil {
						return err
					}
				}
			}
			m.Status = to
			m.UpdatedAt = s.nowFn()
			return st.Milestones().Update(ctx, m)
		})
		if err != nil {
			return nil, err
		}

	case model.MilestoneProcessing:
		if callerID != m.ClientID && callerID != m.ProviderID {
			return nil, fmt.Errorf("%w: caller is not a party to the milestone", ErrForbidden)
		}
		rec, err := s.store.Ledger().Reconcile(ctx, milestoneID)
		if err != nil {
			return nil, err
		}
		remaining := rec.Remaining()
		if !remaining.IsPositive() {
			return nil, fmt.Errorf("%w: nothing escrowed to refund", ErrInvalidInput)
		}
		op := PayoutOp{
			OperationID:        "refund:" + milestoneID,
			Type:               model.TxTypeMilestonePayment,
			Network:            m.Network,
			ToAddress:          refundAddress,
			Amount:             remaining,
			RelatedMilestoneID: &m.ID,
			RelatedUserID:      &m.ClientID,
		}
		if _, err := s.settlement.Payout(ctx, op, func(st Store, _ *model.PaymentTransaction) error {
			m.Status = to
			m.UpdatedAt = s.nowFn()
			return st.Milestones().Update(ctx, m)
		}); err != nil {
			return nil, err
		}
	}

	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

// Complete marks the work done. Provider only, processing -> completed.
func (s *MilestoneService) Complete(ctx context.Context, milestoneID, callerID string) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if callerID != m.ProviderID {
		return nil, fmt.Errorf("%w: only the provider completes", ErrForbidden)
	}
	to, err := nextStatus(m.Status, evComplete)
	if err != nil {
		return nil, err
	}
	m.Status = to
	m.UpdatedAt = s.nowFn()
	if err := s.store.Milestones().Update(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

// Release pays the full milestone amount to the provider and flips
// completed -> released in the same unit as the ledger settlement.
func (s *MilestoneService) Release(ctx context.Context, milestoneID, callerID, providerAddress string) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if callerID != m.ClientID {
		return nil, fmt.Errorf("%w: only the client releases", ErrForbidden)
	}
	to, err := nextStatus(m.Status, evRelease)
	if err != nil {
		return nil, err
	}
	op := PayoutOp{
		OperationID:        "release:" + milestoneID,
		Type:               model.TxTypeMilestonePayment,
		Network:            m.Network,
		ToAddress:          providerAddress,
		Amount:             m.Amount,
		RelatedMilestoneID: &m.ID,
		RelatedUserID:      &m.ProviderID,
	}
	if _, err := s.settlement.Payout(ctx, op, func(st Store, _ *model.PaymentTransaction) error {
		m.Status = to
		m.UpdatedAt = s.nowFn()
		return st.Milestones().Update(ctx, m)
	}); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

// Dispute freezes party-initiated transitions. Either party, completed only.
func (s *MilestoneService) Dispute(ctx context.Context, milestoneID, callerID string) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if callerID != m.ClientID && callerID != m.ProviderID {
		return nil, fmt.Errorf("%w: caller is not a party to the milestone", ErrForbidden)
	}
	to, err := nextStatus(m.Status, evDispute)
	if err != nil {
		return nil, err
	}
	m.Status = to
	m.UpdatedAt = s.nowFn()
	if err := s.store.Milestones().Update(ctx, m); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

type AdminResolveInput struct {
	MilestoneID     string
	AdminID         string
	Amount          decimal.Decimal // 0 refunds the client in full
	Feedback        string
	Rating          int // 0 = none, otherwise 1..5
	ProviderAddress string
	ClientAddress   string
}

// AdminResolve settles a disputed milestone. A positive amount releases that
// much to the provider; zero refunds the full escrowed remainder to the
// client. When a partial amount is released the remainder stays escrowed and
// attributable through Reconcile until RefundRemainder is called.
func (s *MilestoneService) AdminResolve(ctx context.Context, in AdminResolveInput) (*model.Milestone, error) {
	unlock := s.locks.Lock("milestone:" + in.MilestoneID)
	defer unlock()

	if in.AdminID == "" {
		return nil, fmt.Errorf("%w: missing admin id", ErrInvalidInput)
	}
	if in.Rating != 0 && (in.Rating < 1 || in.Rating > 5) {
		return nil, fmt.Errorf("%w: rating out of range", ErrInvalidInput)
	}
	if in.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	m, err := s.store.Milestones().Get(ctx, in.MilestoneID)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.Ledger().Reconcile(ctx, in.MilestoneID)
	if err != nil {
		return nil, err
	}
	remaining := rec.Remaining()
	if in.Amount.GreaterThan(remaining) {
		return nil, fmt.Errorf("%w: %s escrowed, %s requested", ErrReleaseExceedsEscrowedAmount, remaining, in.Amount)
	}

	event := evAdminRelease
	op := PayoutOp{
		OperationID:        "release:" + in.MilestoneID,
		Type:               model.TxTypeMilestonePayment,
		Network:            m.Network,
		ToAddress:          in.ProviderAddress,
		Amount:             in.Amount,
		RelatedMilestoneID: &m.ID,
		RelatedUserID:      &m.ProviderID,
	}
	if in.Amount.IsZero() {
		event = evAdminRefund
		op = PayoutOp{
			OperationID:        "refund:" + in.MilestoneID,
			Type:               model.TxTypeMilestonePayment,
			Network:            m.Network,
			ToAddress:          in.ClientAddress,
			Amount:             remaining,
			RelatedMilestoneID: &m.ID,
			RelatedUserID:      &m.ClientID,
		}
	}
	to, err := nextStatus(m.Status, event)
	if err != nil {
		return nil, err
	}

	if _, err := s.settlement.Payout(ctx, op, func(st Store, _ *model.PaymentTransaction) error {
		m.Status = to
		m.Feedback = &in.Feedback
		if in.Rating != 0 {
			m.Rating = &in.Rating
		}
		m.ResolvedBy = &in.AdminID
		m.UpdatedAt = s.nowFn()
		return st.Milestones().Update(ctx, m)
	}); err != nil {
		return nil, err
	}
	s.bus.Publish(events.MilestoneUpdated{MilestoneID: m.ID, ConversationID: m.ConversationID, Status: m.Status})
	return m, nil
}

// RefundRemainder returns funds left escrowed after a partial admin release
// to the client. Explicit admin action; the milestone status does not change.
func (s *MilestoneService) RefundRemainder(ctx context.Context, milestoneID, adminID, clientAddress string) (string, error) {
	unlock := s.locks.Lock("milestone:" + milestoneID)
	defer unlock()

	if adminID == "" {
		return "", fmt.Errorf("%w: missing admin id", ErrInvalidInput)
	}
	m, err := s.store.Milestones().Get(ctx, milestoneID)
	if err != nil {
		return "", err
	}
	if m.Status != model.MilestoneReleased {
		return "", fmt.Errorf("%w: remainder refund from %s", ErrInvalidMilestoneTransition, m.Status)
	}
	rec, err := s.store.Ledger().Reconcile(ctx, milestoneID)
	if err != nil {
		return "", err
	}
	remaining := rec.Remaining()
	if !remaining.IsPositive() {
		return "", fmt.Errorf("%w: nothing escrowed to refund", ErrInvalidInput)
	}
	op := PayoutOp{
		OperationID:        "refund:" + milestoneID,
		Type:               model.TxTypeMilestonePayment,
		Network:            m.Network,
		ToAddress:          clientAddress,
		Amount:             remaining,
		RelatedMilestoneID: &m.ID,
		RelatedUserID:      &m.ClientID,
	}
	return s.settlement.Payout(ctx, op, nil)
}

// Reconcile recomputes the milestone's accounted funds from the ledger.
func (s *MilestoneService) Reconcile(ctx context.Context, milestoneID string) (ReconcileResult, error) {
	if _, err := s.store.Milestones().Get(ctx, milestoneID); err != nil {
		return ReconcileResult{}, err
	}
	return s.store.Ledger().Reconcile(ctx, milestoneID)
}

// IsNotFound reports whether err is any of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMilestoneNotFound) || errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrWithdrawNotFound) || errors.Is(err, ErrTransactionNotFound)
}
