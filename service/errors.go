package service

import "errors"

var (
	ErrAddressGeneration            = errors.New("address generation failed")
	ErrChainRead                    = errors.New("chain read failed")
	ErrBroadcastFailure             = errors.New("broadcast failed")
	ErrInsufficientMasterBalance    = errors.New("insufficient master wallet balance")
	ErrInvalidMilestoneTransition   = errors.New("invalid milestone transition")
	ErrMilestoneNotFound            = errors.New("milestone not found")
	ErrWalletNotFound               = errors.New("wallet not found")
	ErrWithdrawNotFound             = errors.New("withdraw not found")
	ErrTransactionNotFound          = errors.New("payment transaction not found")
	ErrForbidden                    = errors.New("forbidden")
	ErrInvalidInput                 = errors.New("invalid input")
	ErrNoFundsReceived              = errors.New("no funds received on wallet")
	ErrSettlementPending            = errors.New("settlement pending confirmation")
	ErrLedgerStatusFinal            = errors.New("ledger status is final")
	ErrTransactionHashAlreadySet    = errors.New("transaction hash already set")
	ErrMilestoneFundingAlreadyOpen  = errors.New("milestone funding already open")
	ErrWalletExpiryNotDue           = errors.New("funding window has not passed")
	ErrReleaseExceedsEscrowedAmount = errors.New("release amount exceeds escrowed funds")
)
