package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/escrow-engine/settlement/service"
)

// respondError maps service sentinels onto HTTP statuses. Anything
// unrecognized is a 500.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case service.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrInvalidMilestoneTransition),
		errors.Is(err, service.ErrMilestoneFundingAlreadyOpen),
		errors.Is(err, service.ErrWalletExpiryNotDue):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInsufficientMasterBalance),
		errors.Is(err, service.ErrNoFundsReceived),
		errors.Is(err, service.ErrReleaseExceedsEscrowedAmount):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrSettlementPending):
		// The transfer is broadcast but not yet confirmed; the caller
		// retries and lands on the same ledger row.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
