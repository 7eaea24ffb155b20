package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/service"
)

type WithdrawHandler struct {
	svc *service.WithdrawService
}

func NewWithdrawHandler(svc *service.WithdrawService) *WithdrawHandler {
	return &WithdrawHandler{svc: svc}
}

type withdrawRequest struct {
	ClientID      string          `json:"client_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	Network       string          `json:"network" binding:"required"`
	WalletAddress string          `json:"wallet_address" binding:"required"`
}

// POST /api/withdraw
func (h *WithdrawHandler) Request(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := h.svc.Request(c, req.ClientID, req.Network, req.WalletAddress, req.Amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

// GET /api/withdraw/:id
func (h *WithdrawHandler) Get(c *gin.Context) {
	w, err := h.svc.Get(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// GET /api/withdraw/pending
func (h *WithdrawHandler) ListPending(c *gin.Context) {
	list, err := h.svc.ListPending(c)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// POST /api/withdraw/:id/accept
func (h *WithdrawHandler) Accept(c *gin.Context) {
	res, err := h.svc.Accept(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type AdminHandler struct {
	store service.Store
}

func NewAdminHandler(store service.Store) *AdminHandler {
	return &AdminHandler{store: store}
}

// GET /api/admin/master-transactions
func (h *AdminHandler) MasterTransactions(c *gin.Context) {
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))

	list, total, err := h.store.Ledger().MasterTransactions(c, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": list})
}
