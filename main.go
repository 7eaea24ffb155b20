package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/escrow-engine/settlement/config"
	"github.com/escrow-engine/settlement/events"
	"github.com/escrow-engine/settlement/handler"
	"github.com/escrow-engine/settlement/model"
	"github.com/escrow-engine/settlement/repository"
	"github.com/escrow-engine/settlement/router"
	"github.com/escrow-engine/settlement/service"
)

func main() {
	cfg := config.Load()

	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{})
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	keyring, err := service.NewKeyring(cfg.Mnemonic)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}

	gateway, err := service.NewEthGateway(cfg.Networks)
	if err != nil {
		log.Fatalf("chain gateway: %v", err)
	}

	bus := events.NewBus()
	store := repository.NewStore(db)

	defaultNetwork := cfg.Networks[0].Name
	wallets := service.NewWalletService(store, keyring, cfg.FundingWindow, defaultNetwork)
	settlement, err := service.NewSettlementService(store, gateway, gateway, keyring, bus,
		cfg.ConfirmAttempts, cfg.ConfirmBackoff)
	if err != nil {
		log.Fatalf("settlement: %v", err)
	}
	milestones := service.NewMilestoneService(store, wallets, settlement, bus)
	withdraws := service.NewWithdrawService(store, settlement)
	watcher := service.NewFundingWatcher(store, gateway, settlement, wallets, cfg.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watcher.Run(ctx)

	r := router.SetupRouter(
		handler.NewMilestoneHandler(milestones),
		handler.NewWalletHandler(wallets, settlement),
		handler.NewWithdrawHandler(withdraws),
		handler.NewAdminHandler(store),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.AppPort,
		Handler: r,
	}

	go func() {
		log.Printf("settlement service listening on %s, master wallet %s", srv.Addr, settlement.MasterAddress())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
