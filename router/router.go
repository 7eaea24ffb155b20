package router

import (
	"github.com/gin-gonic/gin"

	"github.com/escrow-engine/settlement/handler"
)

func SetupRouter(
	milestoneHandler *handler.MilestoneHandler,
	walletHandler *handler.WalletHandler,
	withdrawHandler *handler.WithdrawHandler,
	adminHandler *handler.AdminHandler,
) *gin.Engine {
	r := gin.Default()

	milestone := r.Group("/api/milestone")
	{
		milestone.POST("", milestoneHandler.Create)
		milestone.GET("/:id", milestoneHandler.Get)
		milestone.GET("/conversation/:conversationId", milestoneHandler.ListByConversation)
		milestone.GET("/:id/reconcile", milestoneHandler.Reconcile)

		milestone.POST("/:id/fund", milestoneHandler.Fund)
		milestone.POST("/:id/accept", milestoneHandler.Accept)
		milestone.POST("/:id/cancel", milestoneHandler.Cancel)
		milestone.POST("/:id/complete", milestoneHandler.Complete)
		milestone.POST("/:id/release", milestoneHandler.Release)
		milestone.POST("/:id/dispute", milestoneHandler.Dispute)

		milestone.POST("/:id/admin/resolve", milestoneHandler.AdminResolve)
		milestone.POST("/:id/admin/refund-remainder", milestoneHandler.RefundRemainder)
	}

	wallet := r.Group("/api/wallet")
	{
		wallet.GET("/my", walletHandler.MyWallet)
		wallet.GET("/address/:address", walletHandler.Lookup)
		wallet.POST("/:id/sweep", walletHandler.Sweep)
		wallet.POST("/:id/expire", walletHandler.Expire)
	}

	withdraw := r.Group("/api/withdraw")
	{
		withdraw.POST("", withdrawHandler.Request)
		withdraw.GET("/pending", withdrawHandler.ListPending)
		withdraw.GET("/:id", withdrawHandler.Get)
		withdraw.POST("/:id/accept", withdrawHandler.Accept)
	}

	admin := r.Group("/api/admin")
	{
		admin.GET("/master-transactions", adminHandler.MasterTransactions)
	}

	return r
}
