package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"fundarb/internal/api"
	"fundarb/internal/config"
	"fundarb/internal/engine"
	"fundarb/internal/store"
	"fundarb/internal/venue"
	"fundarb/internal/websocket"
	"fundarb/pkg/crypto"
	"fundarb/pkg/utils"
)

const notifierBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// ============ Хранилище ============
	db, err := store.Open(cfg.Database.DSN())
	if err != nil {
		log.Fatal("failed to connect to database",
			zap.String("dsn", cfg.Database.DSNWithoutPassword()),
			zap.Error(err),
		)
	}
	defer db.Close()
	tradeStore := store.NewPostgresStore(db)

	log.Info("connected to database", zap.String("dsn", cfg.Database.DSNWithoutPassword()))

	// ============ Биржи ============
	maker, hedge, err := buildVenues(cfg, log)
	if err != nil {
		log.Fatal("failed to build venue adapters", zap.Error(err))
	}
	defer maker.Shutdown()
	defer hedge.Shutdown()

	// ============ Движок ============
	notifier := engine.NewNotifier(notifierBuffer, log)
	validator := engine.NewBookValidator(cfg.Orderbook, maker.FetchOrderbook, log)
	rollback := engine.NewRollbackEngine(cfg.Rollback, maker, hedge, tradeStore, notifier, log)
	manager := engine.NewExecutionManager(cfg.Execution, maker, hedge, validator, rollback, tradeStore, notifier, log)
	reconciler := engine.NewReconciler(cfg.Reconciler, maker, hedge, tradeStore, notifier, log)

	ctx := context.Background()
	manager.Start(ctx)
	reconciler.Start(ctx)

	// ============ WebSocket ============
	hub := websocket.NewHub(log)
	go hub.Run()
	go hub.PumpNotifications(notifier.Events())

	// ============ HTTP ============
	router := api.SetupRoutes(&api.Dependencies{
		Engine: manager,
		Store:  tradeStore,
		Hub:    hub,
		Log:    log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("starting server",
			zap.String("addr", server.Addr),
			zap.Bool("dry_run", cfg.Venues.DryRun),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	// ============ Graceful shutdown ============
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")

	// новые запросы отклоняются, активные исполнения дожидаются или откатываются
	manager.Stop(false)
	reconciler.Stop()
	notifier.Close()
	hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// buildVenues создаёт пару биржевых адаптеров хеджированной связки.
// В dry-run режиме обе биржи подменяются paper адаптерами
func buildVenues(cfg *config.Config, log *zap.Logger) (venue.Venue, venue.Venue, error) {
	if cfg.Venues.DryRun {
		log.Warn("dry-run mode: using paper venues, no real orders will be placed")
		return venue.NewPaper("paper-maker"), venue.NewPaper("paper-hedge"), nil
	}

	maker, err := buildVenue(cfg.Venues.MakerVenue, cfg.Venues.MakerAPIKeyEnc, cfg.Venues.MakerSecretEnc, cfg.Security.EncryptionKey, log)
	if err != nil {
		return nil, nil, fmt.Errorf("maker venue: %w", err)
	}
	hedge, err := buildVenue(cfg.Venues.HedgeVenue, cfg.Venues.HedgeAPIKeyEnc, cfg.Venues.HedgeSecretEnc, cfg.Security.EncryptionKey, log)
	if err != nil {
		return nil, nil, fmt.Errorf("hedge venue: %w", err)
	}
	return maker, hedge, nil
}

// buildVenue создаёт один адаптер, расшифровывая API credentials
func buildVenue(name, apiKeyEnc, secretEnc, encryptionKey string, log *zap.Logger) (venue.Venue, error) {
	apiKey, err := crypto.DecryptWithKeyString(apiKeyEnc, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}
	secret, err := crypto.DecryptWithKeyString(secretEnc, encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}

	switch name {
	case "bybit":
		return venue.NewBybit(apiKey, secret, log), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", name)
	}
}
