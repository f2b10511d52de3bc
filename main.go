package main

import (
	"context"
	"log" // Standard log only for fatal errors before the logger is set up

	"github.com/1a55y/TradingBot/config"
	"github.com/1a55y/TradingBot/internal/adapters/logger"
	"github.com/1a55y/TradingBot/internal/adapters/signalpoll"
	"github.com/1a55y/TradingBot/internal/adapters/signalr"
	"github.com/1a55y/TradingBot/internal/adapters/sqlite"
	"github.com/1a55y/TradingBot/internal/adapters/topstep"
	"github.com/1a55y/TradingBot/internal/app"
	"github.com/1a55y/TradingBot/internal/lifecycle"
	"github.com/1a55y/TradingBot/internal/risk"
)

func main() {
	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Trade archive
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trade archive: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing trade archive")
		}
	}()

	// 4. REST broker client
	broker, err := topstep.New(topstep.Config{
		BaseURL:   cfg.APIBaseURL,
		Token:     cfg.APIToken,
		AccountID: cfg.AccountID,
		Logger:    appLogger,
		EquityTTL: cfg.EquityTTL,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize broker client: %v", err)
	}

	// 5. Hub streams: market data and user order/fill events
	marketHub, err := signalr.New(signalr.Config{
		Name:            "market",
		URL:             cfg.MarketHubURL,
		Token:           cfg.APIToken,
		Logger:          appLogger,
		ConnectAttempts: cfg.ConnectAttempts,
		ReconnectMin:    cfg.ReconnectMinDelay,
		ReconnectMax:    cfg.ReconnectMaxDelay,
		KeepAlive:       cfg.KeepAliveInterval,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize market hub: %v", err)
	}
	userHub, err := signalr.New(signalr.Config{
		Name:            "user",
		URL:             cfg.UserHubURL,
		Token:           cfg.APIToken,
		Logger:          appLogger,
		ConnectAttempts: cfg.ConnectAttempts,
		ReconnectMin:    cfg.ReconnectMinDelay,
		ReconnectMax:    cfg.ReconnectMaxDelay,
		KeepAlive:       cfg.KeepAliveInterval,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize user hub: %v", err)
	}

	quotes := signalr.NewQuoteCache(appLogger)
	quotes.Bind(marketHub)

	// 6. Signal producer (external strategy engine, polled over REST)
	signals, err := signalpoll.New(signalpoll.Config{
		Endpoint: cfg.SignalEndpoint,
		Logger:   appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize signal poll client: %v", err)
	}

	// 7. Risk gate
	gate, err := risk.NewGate(risk.Config{
		DailyLossLimit:       cfg.DailyLossLimit,
		MaxRiskPerTrade:      cfg.MaxRiskPerTrade,
		MaxConsecutiveLosses: cfg.MaxConsecutiveLosses,
		MaxTradesPerDay:      cfg.MaxTradesPerDay,
		MinSize:              cfg.MinSize,
		MaxSize:              cfg.MaxSize,
		MinStopTicks:         cfg.MinStopTicks,
		MaxStopTicks:         cfg.MaxStopTicks,
		MinScore:             cfg.MinSignalScore,
		TickSize:             cfg.TickSize,
		TickValue:            cfg.TickValue,
		SessionStart:         cfg.SessionStart,
		SessionEnd:           cfg.SessionEnd,
		EntryBlackout:        cfg.EntryBlackout,
		SignalCooldown:       cfg.SignalCooldown,
		Plan:                 cfg.ProfitPlan,
		Logger:               appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize risk gate: %v", err)
	}

	// 8. Lifecycle manager, wired back into the risk gate
	manager, err := lifecycle.NewManager(lifecycle.Config{
		AccountID:            cfg.AccountID,
		ContractID:           cfg.ContractID,
		TickSize:             cfg.TickSize,
		TickValue:            cfg.TickValue,
		Plan:                 cfg.ProfitPlan,
		BreakevenEnabled:     cfg.BreakevenEnabled,
		BreakevenBufferTicks: cfg.BreakevenBufferTicks,
		CallTimeout:          cfg.CallTimeout,
		SubmitRetries:        cfg.SubmitRetries,
		Broker:               broker,
		Repo:                 repo,
		Logger:               appLogger,
		OnOpened:             gate.NotifyTradeOpened,
		OnClosed:             gate.OnPositionClosed,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize lifecycle manager: %v", err)
	}
	topstep.BindUserEvents(userHub, manager, appLogger)

	// 9. Application service
	service, err := app.NewService(cfg, appLogger, broker, marketHub, userHub, quotes, signals, gate, manager, repo)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}

	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}
	appLogger.Info(context.Background(), "Application finished gracefully.")
}
