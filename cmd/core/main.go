// Command core is the composition root for the market core: it wires
// storage, the epoch scheduler, the matching engine, the settlement
// pipeline, the chain adapter, the event bus, and admin controls into
// one process, then serves the in-scope HTTP/WS surface (health,
// admin triggers, event channel). Order admission (OrderStore.CreateOrder
// and friends) is a Go-level API a REST layer calls into; that REST
// layer is a separate, out-of-scope service, so this binary does not
// expose it over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"energy-exchange-core/internal/admin"
	"energy-exchange-core/internal/api"
	"energy-exchange-core/internal/authtoken"
	"energy-exchange-core/internal/chain"
	"energy-exchange-core/internal/config"
	"energy-exchange-core/internal/domain"
	"energy-exchange-core/internal/epoch"
	"energy-exchange-core/internal/eventbus"
	"energy-exchange-core/internal/matching"
	"energy-exchange-core/internal/pricing"
	"energy-exchange-core/internal/settlement"
	"energy-exchange-core/internal/storage"
	"energy-exchange-core/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := newLogger(cfg.Log)

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize storage")
	}
	defer store.Close()

	pricingModel := pricing.NewModel(cfg.Pricing)

	chainAdapter, err := newChainAdapter(cfg.Chain, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize chain adapter")
	}

	settlementPipeline := settlement.NewPipeline(store, store, store, chainAdapter, pricingModel, cfg.Settlement, logger)
	matchingEngine := matching.NewEngine(store, store, store, settlementPipeline, logger)
	scheduler := epoch.NewScheduler(store, matchingEngine, time.Duration(cfg.Epoch.DurationSecs)*time.Second, logger)

	verifier := authtoken.NewVerifier(cfg.Auth.TokenSecret)
	hub := eventbus.NewHub(verifier, logger)
	settlementPipeline.SetPublisher(hub)
	matchingEngine.SetPublisher(hub)
	scheduler.SetPublisher(hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Init(ctx); err != nil {
		logger.WithError(err).Fatal("failed to initialize epoch scheduler")
	}

	go hub.Run(ctx)

	if err := settlementPipeline.Recover(ctx); err != nil {
		logger.WithError(err).Error("settlement recovery sweep failed")
	}

	adminController := admin.NewController(scheduler, store, logger)

	handler := api.NewHandler(adminController, logger)

	go scheduler.Run(ctx, time.Second)
	go settlementTicker(ctx, settlementPipeline, logger)

	router := setupRoutes(cfg, handler, hub)
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("address", server.Addr).Info("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}
	logger.Info("server exited")
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logger
}

func openStore(cfg config.StorageConfig) (storage.Store, error) {
	if cfg.Driver == "postgres" {
		return postgres.Open(cfg.DSN)
	}
	return storage.NewMemoryStore(), nil
}

// newChainAdapter dials the configured chain node, or falls back to a
// no-op adapter when no RPC URL is configured (local/dev runs)
func newChainAdapter(cfg config.ChainConfig, logger *logrus.Logger) (settlement.ChainAdapter, error) {
	if cfg.RPCURL == "" {
		logger.Warn("no chain RPC URL configured, settlement submissions are no-ops")
		return &noopChainAdapter{logger: logger}, nil
	}
	return chain.NewAdapter(cfg.RPCURL, cfg.ChainID, os.Getenv("SETTLEMENT_PRIVATE_KEY"), cfg.SettlementContractAddr, logger)
}

type noopChainAdapter struct {
	logger *logrus.Logger
}

func (n *noopChainAdapter) Submit(_ context.Context, batch []*domain.Settlement) (string, error) {
	n.logger.WithField("batch_size", len(batch)).Warn("chain adapter disabled, skipping settlement submission")
	return "", domain.NewError(domain.ErrChainPermanent, "chain adapter disabled")
}

func (n *noopChainAdapter) Confirm(_ context.Context, txHash string) (settlement.Confirmation, error) {
	return settlement.Confirmation{Failed: true, Reason: "chain adapter disabled"}, nil
}

// settlementTicker periodically drives the settlement pipeline's
// ProcessPending, separate from the epoch scheduler's clearing tick
func settlementTicker(ctx context.Context, pipeline *settlement.Pipeline, logger *logrus.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pipeline.ProcessPending(ctx); err != nil {
				logger.WithError(err).Error("settlement pipeline tick failed")
			}
		}
	}
}

func setupRoutes(cfg *config.Config, handler *api.Handler, hub *eventbus.Hub) *gin.Engine {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(handler.CORSMiddleware())
	router.Use(handler.LoggerMiddleware())
	router.Use(gin.Recovery())

	router.GET("/healthz", handler.HealthCheck)

	adminGroup := router.Group("/admin/v1")
	{
		adminGroup.POST("/epochs/:id/trigger", handler.ForceClearEpoch)
		adminGroup.POST("/clearing/pause", handler.PauseClearing)
		adminGroup.POST("/clearing/resume", handler.ResumeClearing)
		adminGroup.POST("/settlements/retry", handler.RetryStuckSettlements)
		adminGroup.POST("/settlements/:id/retry", handler.RetrySettlement)
	}

	router.GET("/ws", func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})

	return router
}
