package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/escrow-engine/settlement/events"
	"github.com/escrow-engine/settlement/model"
)

// memStore is the in-memory Store used by the service tests. Same contracts
// as the gorm implementation: forward-only ledger statuses, exactly-once
// hashes, copies in and out so callers never alias stored rows.
type memStore struct {
	mu         sync.Mutex
	milestones map[string]model.Milestone
	wallets    map[string]model.TempWallet
	audits     []model.WalletAudit
	ledger     map[string]model.PaymentTransaction
	ledgerSeq  []string // insertion order, for FindByOperation
	withdraws  map[string]model.Withdraw

	walletCreateErr error // injected failure for wallet creation
}

func newMemStore() *memStore {
	return &memStore{
		milestones: make(map[string]model.Milestone),
		wallets:    make(map[string]model.TempWallet),
		ledger:     make(map[string]model.PaymentTransaction),
		withdraws:  make(map[string]model.Withdraw),
	}
}

func (s *memStore) Milestones() MilestoneStore { return (*memMilestones)(s) }
func (s *memStore) Wallets() WalletStore       { return (*memWallets)(s) }
func (s *memStore) Ledger() LedgerStore        { return (*memLedger)(s) }
func (s *memStore) Withdraws() WithdrawStore   { return (*memWithdraws)(s) }

// Atomically runs fn against the same store, restoring the pre-call state
// when fn fails, the same all-or-nothing outcome the gorm transaction gives.
func (s *memStore) Atomically(_ context.Context, fn func(Store) error) error {
	snap := s.snapshot()
	if err := fn(s); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	milestones map[string]model.Milestone
	wallets    map[string]model.TempWallet
	audits     []model.WalletAudit
	ledger     map[string]model.PaymentTransaction
	ledgerSeq  []string
	withdraws  map[string]model.Withdraw
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		milestones: make(map[string]model.Milestone, len(s.milestones)),
		wallets:    make(map[string]model.TempWallet, len(s.wallets)),
		audits:     append([]model.WalletAudit(nil), s.audits...),
		ledger:     make(map[string]model.PaymentTransaction, len(s.ledger)),
		ledgerSeq:  append([]string(nil), s.ledgerSeq...),
		withdraws:  make(map[string]model.Withdraw, len(s.withdraws)),
	}
	for k, v := range s.milestones {
		snap.milestones[k] = v
	}
	for k, v := range s.wallets {
		snap.wallets[k] = v
	}
	for k, v := range s.ledger {
		snap.ledger[k] = v
	}
	for k, v := range s.withdraws {
		snap.withdraws[k] = v
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones = snap.milestones
	s.wallets = snap.wallets
	s.audits = snap.audits
	s.ledger = snap.ledger
	s.ledgerSeq = snap.ledgerSeq
	s.withdraws = snap.withdraws
}

type memMilestones memStore

func (s *memMilestones) Create(_ context.Context, m *model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.milestones[m.ID] = *m
	return nil
}

func (s *memMilestones) Get(_ context.Context, id string) (*model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	out := m
	return &out, nil
}

func (s *memMilestones) Update(_ context.Context, m *model.Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.milestones[m.ID]; !ok {
		return ErrMilestoneNotFound
	}
	s.milestones[m.ID] = *m
	return nil
}

func (s *memMilestones) ListByConversation(_ context.Context, conversationID string) ([]model.Milestone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.Milestone
	for _, m := range s.milestones {
		if m.ConversationID == conversationID {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

type memWallets memStore

func (s *memWallets) Create(_ context.Context, w *model.TempWallet, audit *model.WalletAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.walletCreateErr != nil {
		return s.walletCreateErr
	}
	for _, existing := range s.wallets {
		if existing.Address == w.Address {
			return fmt.Errorf("duplicate address %s", w.Address)
		}
		if existing.LinkedEntityID == w.LinkedEntityID {
			return fmt.Errorf("duplicate linked entity %s", w.LinkedEntityID)
		}
	}
	s.wallets[w.ID] = *w
	s.audits = append(s.audits, *audit)
	return nil
}

func (s *memWallets) Get(_ context.Context, id string) (*model.TempWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	out := w
	return &out, nil
}

func (s *memWallets) GetByAddress(_ context.Context, address string) (*model.TempWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == address {
			out := w
			return &out, nil
		}
	}
	return nil, ErrWalletNotFound
}

func (s *memWallets) GetByLinkedEntity(_ context.Context, linkedEntityID string) (*model.TempWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.LinkedEntityID == linkedEntityID {
			out := w
			return &out, nil
		}
	}
	return nil, ErrWalletNotFound
}

func (s *memWallets) GetActiveByOwner(_ context.Context, ownerUserID, purpose string) (*model.TempWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.OwnerUserID != nil && *w.OwnerUserID == ownerUserID &&
			w.Purpose == purpose && w.Status == model.WalletActive {
			out := w
			return &out, nil
		}
	}
	return nil, ErrWalletNotFound
}

func (s *memWallets) ListActive(_ context.Context) ([]model.TempWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.TempWallet
	for _, w := range s.wallets {
		if w.Status == model.WalletActive {
			list = append(list, w)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *memWallets) Update(_ context.Context, w *model.TempWallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[w.ID]; !ok {
		return ErrWalletNotFound
	}
	s.wallets[w.ID] = *w
	return nil
}

func (s *memWallets) UpdateLastChecked(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.LastCheckedAt = &t
	s.wallets[id] = w
	return nil
}

func (s *memWallets) Count(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.wallets)), nil
}

type memLedger memStore

func (s *memLedger) Open(_ context.Context, row *model.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[row.ID]; ok {
		return fmt.Errorf("duplicate ledger row %s", row.ID)
	}
	s.ledger[row.ID] = *row
	s.ledgerSeq = append(s.ledgerSeq, row.ID)
	return nil
}

func (s *memLedger) Get(_ context.Context, id string) (*model.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := row
	return &out, nil
}

func (s *memLedger) SetHash(_ context.Context, id string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if row.TxHash != nil {
		return ErrTransactionHashAlreadySet
	}
	row.TxHash = &txHash
	s.ledger[id] = row
	return nil
}

func (s *memLedger) SetAmount(_ context.Context, id string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if row.Status != model.TxDraft && row.Status != model.TxPending {
		return ErrLedgerStatusFinal
	}
	row.Amount = amount
	s.ledger[id] = row
	return nil
}

func (s *memLedger) Complete(_ context.Context, id string) error {
	return s.advance(id, model.TxSuccess, "")
}

func (s *memLedger) Fail(_ context.Context, id string, reason string) error {
	return s.advance(id, model.TxFailed, reason)
}

func (s *memLedger) Cancel(_ context.Context, id string) error {
	return s.advance(id, model.TxCancelled, "")
}

func (s *memLedger) advance(id, target, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.ledger[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if row.Status != model.TxDraft && row.Status != model.TxPending {
		if row.Status == target {
			return nil
		}
		return ErrLedgerStatusFinal
	}
	row.Status = target
	if reason != "" {
		row.FailReason = &reason
	}
	s.ledger[id] = row
	return nil
}

func (s *memLedger) FindByOperation(_ context.Context, operationID string) (*model.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.ledgerSeq) - 1; i >= 0; i-- {
		row := s.ledger[s.ledgerSeq[i]]
		if row.OperationID != operationID {
			continue
		}
		switch row.Status {
		case model.TxDraft, model.TxPending, model.TxSuccess:
			out := row
			return &out, nil
		}
	}
	return nil, nil
}

func (s *memLedger) Reconcile(_ context.Context, milestoneID string) (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out ReconcileResult
	for _, row := range s.ledger {
		if row.RelatedMilestoneID == nil || *row.RelatedMilestoneID != milestoneID || row.Status != model.TxSuccess {
			continue
		}
		switch {
		case row.Direction == model.DirectionIn:
			out.Funded = out.Funded.Add(row.Amount)
		case strings.HasPrefix(row.OperationID, "refund:"):
			out.Refunded = out.Refunded.Add(row.Amount)
		default:
			out.PaidOut = out.PaidOut.Add(row.Amount)
		}
	}
	return out, nil
}

func (s *memLedger) MasterTransactions(_ context.Context, page, size int) ([]model.MasterWalletTransaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.MasterWalletTransaction
	for _, id := range s.ledgerSeq {
		row := s.ledger[id]
		list = append(list, model.MasterWalletTransaction{
			Type:           row.Type,
			Status:         row.Status,
			Amount:         row.Amount,
			PaymentNetwork: row.Network,
			CreatedAt:      row.CreatedAt,
		})
	}
	return list, int64(len(list)), nil
}

type memWithdraws memStore

func (s *memWithdraws) Create(_ context.Context, w *model.Withdraw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdraws[w.ID] = *w
	return nil
}

func (s *memWithdraws) Get(_ context.Context, id string) (*model.Withdraw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdraws[id]
	if !ok {
		return nil, ErrWithdrawNotFound
	}
	out := w
	return &out, nil
}

func (s *memWithdraws) Update(_ context.Context, w *model.Withdraw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.withdraws[w.ID]; !ok {
		return ErrWithdrawNotFound
	}
	s.withdraws[w.ID] = *w
	return nil
}

func (s *memWithdraws) ListPending(_ context.Context) ([]model.Withdraw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []model.Withdraw
	for _, w := range s.withdraws {
		if w.Status == model.WithdrawPending {
			list = append(list, w)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (s *memWithdraws) SumPendingExcept(_ context.Context, network, exceptID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, w := range s.withdraws {
		if w.Network == network && w.Status == model.WithdrawPending && w.ID != exceptID {
			sum = sum.Add(w.Amount)
		}
	}
	return sum, nil
}

// fakeChain plays both chain roles: the observer answering balance and
// confirmation reads, and the broadcaster recording transfers. Every
// broadcast hash confirms immediately unless the test overrides its status.
type fakeChain struct {
	mu          sync.Mutex
	balances    map[string]decimal.Decimal // address -> balance
	statuses    map[string]TxConfirmation  // hash -> status
	transfers   []fakeTransfer
	seq         int
	transferErr error
}

type fakeTransfer struct {
	Network   string
	ToAddress string
	Amount    decimal.Decimal
	Hash      string
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances: make(map[string]decimal.Decimal),
		statuses: make(map[string]TxConfirmation),
	}
}

func (f *fakeChain) setBalance(address string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = amount
}

func (f *fakeChain) setStatus(hash string, status TxConfirmation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hash] = status
}

func (f *fakeChain) Balance(_ context.Context, _ string, address string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.balances[address]
	if !ok {
		return decimal.Zero, nil
	}
	return b, nil
}

func (f *fakeChain) ConfirmationStatus(_ context.Context, _ string, txHash string) (TxConfirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[txHash]; ok {
		return status, nil
	}
	return TxConfirmed, nil
}

func (f *fakeChain) Transfer(_ context.Context, network string, _ *ecdsa.PrivateKey, toAddress string, amount decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.seq++
	hash := fmt.Sprintf("0xhash%04d", f.seq)
	f.transfers = append(f.transfers, fakeTransfer{Network: network, ToAddress: toAddress, Amount: amount, Hash: hash})
	return hash, nil
}

func (f *fakeChain) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

// env bundles one fully wired service stack over the in-memory store.
type env struct {
	store      *memStore
	chain      *fakeChain
	keyring    *Keyring
	bus        *events.Bus
	wallets    *WalletService
	settlement *SettlementService
	milestones *MilestoneService
	withdraws  *WithdrawService
	watcher    *FundingWatcher
	now        time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	keyring, _, err := NewRandomKeyring()
	require.NoError(t, err)

	e := &env{
		store:   newMemStore(),
		chain:   newFakeChain(),
		keyring: keyring,
		bus:     events.NewBus(),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	e.wallets = NewWalletService(e.store, keyring, time.Hour, "ethereum")
	e.wallets.nowFn = e.nowFn

	settlement, err := NewSettlementService(e.store, e.chain, e.chain, keyring, e.bus, 3, time.Millisecond)
	require.NoError(t, err)
	settlement.nowFn = e.nowFn
	e.settlement = settlement

	e.milestones = NewMilestoneService(e.store, e.wallets, e.settlement, e.bus)
	e.milestones.nowFn = e.nowFn
	e.withdraws = NewWithdrawService(e.store, e.settlement)
	e.withdraws.nowFn = e.nowFn
	e.watcher = NewFundingWatcher(e.store, e.chain, e.settlement, e.wallets, time.Second)
	e.watcher.nowFn = e.nowFn
	return e
}

func (e *env) nowFn() time.Time { return e.now }

func (e *env) advance(d time.Duration) { e.now = e.now.Add(d) }

// createMilestone puts a draft milestone in the store.
func (e *env) createMilestone(t *testing.T, amount string) *model.Milestone {
	t.Helper()
	m, err := e.milestones.Create(context.Background(), CreateMilestoneInput{
		ConversationID: "conv-1",
		ClientID:       "client-1",
		ProviderID:     "provider-1",
		Title:          "landing page",
		Amount:         decimal.RequireFromString(amount),
		Network:        "ethereum",
	})
	require.NoError(t, err)
	return m
}

// fundAndSweep walks a milestone through funding: issues the wallet, lands
// the full amount on it, and sweeps it into the master wallet.
func (e *env) fundAndSweep(t *testing.T, m *model.Milestone) {
	t.Helper()
	ctx := context.Background()
	wallet, err := e.milestones.Fund(ctx, m.ID, m.ClientID)
	require.NoError(t, err)
	e.chain.setBalance(wallet.Address, m.Amount)
	_, err = e.settlement.Sweep(ctx, wallet.ID)
	require.NoError(t, err)
	// swept funds now sit in the master wallet
	e.chain.setBalance(e.settlement.MasterAddress(), m.Amount)
}
