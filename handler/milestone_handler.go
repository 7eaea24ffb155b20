package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/escrow-engine/settlement/service"
)

type MilestoneHandler struct {
	svc *service.MilestoneService
}

func NewMilestoneHandler(svc *service.MilestoneService) *MilestoneHandler {
	return &MilestoneHandler{svc: svc}
}

type createMilestoneRequest struct {
	ConversationID string          `json:"conversation_id" binding:"required"`
	ClientID       string          `json:"client_id" binding:"required"`
	ProviderID     string          `json:"provider_id" binding:"required"`
	Title          string          `json:"title" binding:"required"`
	Description    string          `json:"description"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Network        string          `json:"network"`
}

// POST /api/milestone
func (h *MilestoneHandler) Create(c *gin.Context) {
	var req createMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.Create(c, service.CreateMilestoneInput{
		ConversationID: req.ConversationID,
		ClientID:       req.ClientID,
		ProviderID:     req.ProviderID,
		Title:          req.Title,
		Description:    req.Description,
		Amount:         req.Amount,
		Network:        req.Network,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// GET /api/milestone/:id
func (h *MilestoneHandler) Get(c *gin.Context) {
	m, err := h.svc.Get(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GET /api/milestone/conversation/:conversationId
func (h *MilestoneHandler) ListByConversation(c *gin.Context) {
	list, err := h.svc.ListByConversation(c, c.Param("conversationId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list})
}

// POST /api/milestone/:id/fund
func (h *MilestoneHandler) Fund(c *gin.Context) {
	w, err := h.svc.Fund(c, c.Param("id"), c.Query("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":    w.Address,
		"network":    w.Network,
		"expires_at": w.ExpiresAt,
	})
}

// POST /api/milestone/:id/accept
func (h *MilestoneHandler) Accept(c *gin.Context) {
	m, err := h.svc.Accept(c, c.Param("id"), c.Query("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type cancelRequest struct {
	RefundAddress string `json:"refund_address"`
}

// POST /api/milestone/:id/cancel
func (h *MilestoneHandler) Cancel(c *gin.Context) {
	// Body is optional; a draft cancel needs no refund address.
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	m, err := h.svc.Cancel(c, c.Param("id"), c.Query("userId"), req.RefundAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// POST /api/milestone/:id/complete
func (h *MilestoneHandler) Complete(c *gin.Context) {
	m, err := h.svc.Complete(c, c.Param("id"), c.Query("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type releaseRequest struct {
	ProviderAddress string `json:"provider_address" binding:"required"`
}

// POST /api/milestone/:id/release
func (h *MilestoneHandler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.Release(c, c.Param("id"), c.Query("userId"), req.ProviderAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// POST /api/milestone/:id/dispute
func (h *MilestoneHandler) Dispute(c *gin.Context) {
	m, err := h.svc.Dispute(c, c.Param("id"), c.Query("userId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type adminResolveRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Feedback        string          `json:"feedback"`
	Rating          int             `json:"rating"`
	ProviderAddress string          `json:"provider_address"`
	ClientAddress   string          `json:"client_address"`
}

// POST /api/milestone/:id/admin/resolve
func (h *MilestoneHandler) AdminResolve(c *gin.Context) {
	var req adminResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.AdminResolve(c, service.AdminResolveInput{
		MilestoneID:     c.Param("id"),
		AdminID:         c.Query("userId"),
		Amount:          req.Amount,
		Feedback:        req.Feedback,
		Rating:          req.Rating,
		ProviderAddress: req.ProviderAddress,
		ClientAddress:   req.ClientAddress,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

type refundRemainderRequest struct {
	ClientAddress string `json:"client_address" binding:"required"`
}

// POST /api/milestone/:id/admin/refund-remainder
func (h *MilestoneHandler) RefundRemainder(c *gin.Context) {
	var req refundRemainderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := h.svc.RefundRemainder(c, c.Param("id"), c.Query("userId"), req.ClientAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction_hash": hash})
}

// GET /api/milestone/:id/reconcile
func (h *MilestoneHandler) Reconcile(c *gin.Context) {
	res, err := h.svc.Reconcile(c, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"funded":    res.Funded,
		"paid_out":  res.PaidOut,
		"refunded":  res.Refunded,
		"remaining": res.Remaining(),
	})
}
