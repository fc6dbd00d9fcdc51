package main

import (
	"context"
	"log" // Use standard log only for fatal errors before the logger is ready
	"os"
	"os/signal"
	"syscall"
	"time"

	"swingbot/config"
	"swingbot/internal/adapters/alpaca"
	"swingbot/internal/adapters/grok"
	"swingbot/internal/adapters/logger"
	"swingbot/internal/adapters/sqlite"
	"swingbot/internal/adapters/webserver"
	"swingbot/internal/app"
	"swingbot/internal/clock"
	"swingbot/internal/engine"
	"swingbot/internal/ledger"
	"swingbot/internal/risk"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.ParseLevel(cfg.LogLevel))
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Initialize Gateways
	analysisClient, err := grok.NewClient(grok.Config{
		APIKey:            cfg.GrokAPIKey,
		BaseURL:           cfg.GrokBaseURL,
		Model:             cfg.GrokModel,
		Timeout:           cfg.GatewayTimeout,
		RequestsPerMinute: cfg.AnalysisPerMinute,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize analysis client: %v", err)
	}

	executionClient, err := alpaca.NewClient(alpaca.Config{
		APIKey:    cfg.AlpacaAPIKey,
		SecretKey: cfg.AlpacaSecretKey,
		Paper:     cfg.PaperTrading,
		BaseURL:   cfg.AlpacaBaseURL,
		Timeout:   cfg.GatewayTimeout,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize execution client: %v", err)
	}

	// 5. Initialize Core Components
	policy, err := risk.New(risk.Config{
		MaxPositionSize: cfg.MaxPositionSize,
		MaxPositions:    cfg.MaxPositions,
		StopLossPct:     cfg.StopLossPct,
		TakeProfitPct:   cfg.TakeProfitPct,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk policy: %v", err)
	}

	tradingClock, err := clock.New(clock.Config{
		Start:        cfg.TradingStart,
		End:          cfg.TradingEnd,
		Buffer:       time.Duration(cfg.BufferMinutes) * time.Minute,
		PollInterval: cfg.PollInterval,
		Timezone:     cfg.MarketTimezone,
		Holidays:     cfg.Holidays,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trading clock: %v", err)
	}

	positionLedger, err := ledger.New(repo, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize position ledger: %v", err)
	}

	decisionEngine, err := engine.New(engine.Config{
		MinConfidence: cfg.MinConfidence,
		PollInterval:  cfg.PollInterval,
	}, policy, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize decision engine: %v", err)
	}

	orchestrator, err := app.New(app.Config{
		Symbols:                 cfg.Symbols,
		GatewayTimeout:          cfg.GatewayTimeout,
		MaxConsecutiveExecFails: cfg.MaxConsecutiveExecFails,
		PaperTrading:            cfg.PaperTrading,
	}, appLogger, analysisClient, executionClient, decisionEngine, positionLedger, tradingClock, repo)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize orchestrator: %v", err)
	}

	// 6. Start the Control Server
	server, err := webserver.New(cfg.ListenAddr, orchestrator, appLogger)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize control server: %v", err)
	}
	server.Start()

	// 7. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.Run(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Orchestrator exited with error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		appLogger.Error(context.Background(), err, "Error stopping control server")
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}
