package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"futures_bot/config"
	"futures_bot/internal/aggregator"
	"futures_bot/internal/analysis"
	"futures_bot/internal/engine"
	"futures_bot/internal/exchange"
	"futures_bot/internal/metrics"
	"futures_bot/internal/risk"
	"futures_bot/internal/safeentry"
	"futures_bot/internal/store"
	"futures_bot/internal/telegram"
	"futures_bot/internal/util"
)

func main() {
	cfg := config.Load()
	log := util.NewLogger(cfg.LogLevel)
	log.Info().Str("symbol", cfg.Symbol).Bool("testnet", cfg.UseTestnet).
		Bool("paper", cfg.PaperTrading).Msg("🚀 starting futures bot")

	metricsSrv := metrics.Serve(cfg.MetricsAddr)
	log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")

	// Exchange client, optionally wrapped by the paper-trading simulator.
	futuresClient := exchange.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.UseTestnet, log)
	var exClient exchange.Client = futuresClient
	if cfg.PaperTrading {
		exClient = exchange.NewPaperClient(5000.0, futuresClient, log)
		log.Info().Msg("📊 paper trading mode, orders are simulated")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	levCtx, levCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := exClient.SetLeverage(levCtx, cfg.Symbol, cfg.Leverage); err != nil {
		log.Warn().Err(err).Int("leverage", cfg.Leverage).Msg("leverage init failed")
	}
	levCancel()

	// Optional candle/score persistence.
	var history store.Store
	if cfg.StorePath != "" {
		var err error
		history, err = store.Open(cfg.StorePath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.StorePath).Msg("store init failed")
		}
		defer history.Close()
	}

	agg := aggregator.New(exClient, analysis.NewScoreSource(), history, cfg.Timeframes, cfg.Lookback, log)

	monitor := safeentry.NewMonitor(safeentry.Config{
		SafeDistancePct: cfg.SafeDistancePct,
		ConfirmTicks:    cfg.ConfirmTicks,
		MaxWait:         cfg.MaxWait,
		MinTickSize:     cfg.MinTickSize,
	}, log)

	sizer := risk.NewSizer(exClient, cfg.RiskFraction, cfg.Leverage, log)
	riskMgr := risk.NewManager(exClient, cfg.InitialStopPercent, cfg.TrailingStepPercent, log)

	eng := engine.New(cfg, exClient, agg, monitor, sizer, riskMgr, log)

	stream := exchange.NewTickerStream(cfg.Symbol, cfg.UseTestnet, log)
	ticks := stream.Start()
	eng.SetStreamHealth(stream.LastTickAt)

	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, eng, exClient, cfg.Symbol, log)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram bot init failed")
		}
		eng.SetCallbacks(bot.SendTradeOpen, bot.SendTradeClose, bot.SendSignal, bot.SendAlert)
		go bot.Start()
		defer bot.Stop()
	}

	go monitor.Run(ctx, ticks)

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- eng.Run(ctx)
	}()

	log.Info().Msg("✅ all systems initialized")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("🛑 shutting down")
	case err := <-engineDone:
		if err != nil {
			log.Error().Err(err).Msg("🛑 engine halted")
		}
	}

	eng.Stop()
	cancel()
	stream.Stop()

	// Conditional orders are cancelled on the way out so nothing fires
	// unattended. The position itself is left to its stop.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := riskMgr.CancelAll(shutCtx, cfg.Symbol); err != nil {
		log.Warn().Err(err).Msg("shutdown cancel failed")
	}
	_ = metricsSrv.Shutdown(shutCtx)

	log.Info().Msg("👋 goodbye")
}
