package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/escrow-engine/settlement/service"
)

type WalletHandler struct {
	svc        *service.WalletService
	settlement *service.SettlementService
}

func NewWalletHandler(svc *service.WalletService, settlement *service.SettlementService) *WalletHandler {
	return &WalletHandler{svc: svc, settlement: settlement}
}

// GET /api/wallet/my
func (h *WalletHandler) MyWallet(c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	w, err := h.svc.MyWallet(c, userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         w.ID,
		"address":    w.Address,
		"network":    w.Network,
		"status":     w.Status,
		"expires_at": w.ExpiresAt,
	})
}

// GET /api/wallet/address/:address
func (h *WalletHandler) Lookup(c *gin.Context) {
	w, err := h.svc.Lookup(c, c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// POST /api/wallet/:id/sweep
func (h *WalletHandler) Sweep(c *gin.Context) {
	res, err := h.settlement.Sweep(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// POST /api/wallet/:id/expire
func (h *WalletHandler) Expire(c *gin.Context) {
	if err := h.svc.Expire(c, c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "expired"})
}
