// Ovlwatch - Overlay position valuation and liquidation watcher
//
// Values every position on a YAML watch list against live on-chain state
// (pool open interest, Chainlink exit price, maintenance margin) and flags
// positions that have become liquidatable.
//
// Usage:
//
//	ovlwatch          run until SIGINT/SIGTERM
//	ovlwatch --once   run a single scan, print it and exit
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/ovlwatch/bot"
	"github.com/web3guy0/ovlwatch/feeds"
	"github.com/web3guy0/ovlwatch/internal/config"
	"github.com/web3guy0/ovlwatch/position"
	"github.com/web3guy0/ovlwatch/risk"
	"github.com/web3guy0/ovlwatch/storage"
	"github.com/web3guy0/ovlwatch/types"
)

const version = "1.0.0"

func main() {
	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	once := len(os.Args) > 1 && os.Args[1] == "--once"

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	entries, err := config.LoadWatchlist(cfg.WatchlistPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.WatchlistPath).Msg("Failed to load watch list")
	}

	log.Info().
		Str("version", version).
		Int("positions", len(entries)).
		Int32("precision", cfg.DecimalPrecision).
		Msg("🚀 Ovlwatch starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ====== CHAIN ======
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to RPC")
	}
	defer client.Close()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read chain id")
	}
	log.Info().Str("chain_id", chainID.String()).Msg("⛓️ RPC connected")

	reader := feeds.NewReader(client, cfg.CollateralManager)
	reader.SetMaxPriceAge(cfg.PriceMaxAge)

	// ====== STORAGE ======
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	// ====== TELEGRAM ======
	var alerter risk.Alerter
	var telegramBot *bot.TelegramBot
	if cfg.TelegramEnabled() && !once {
		telegramBot, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			log.Error().Err(err).Msg("Telegram disabled")
		} else {
			alerter = telegramBot
		}
	}

	monitor := risk.NewMonitor(
		position.NewEngine(cfg.DecimalPrecision),
		reader,
		db,
		alerter,
		entries,
		risk.Config{
			ScanInterval:       cfg.ScanInterval,
			MaxConcurrentReads: cfg.MaxConcurrentReads,
			MarginMaintenance:  cfg.MarginMaintenance,

			MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
			FailureCooldown:        cfg.FailureCooldown,
		},
	)

	if once {
		assessments, err := monitor.ScanOnce(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("Scan failed")
		}
		printAssessments(assessments)
		return
	}

	monitor.Start(ctx)

	if telegramBot != nil {
		telegramBot.SetProviders(monitor, db)
		telegramBot.Start()
		telegramBot.NotifyStartup(len(entries), cfg.ScanInterval)
	}

	log.Info().Msg("✅ All systems online")

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("🛑 Received shutdown signal")
	case <-ctx.Done():
		log.Info().Msg("🛑 Context cancelled")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down...")

	if telegramBot != nil {
		telegramBot.Stop()
	}
	monitor.Stop()

	log.Info().Msg("👋 Goodbye!")
}

func printAssessments(assessments []types.Assessment) {
	for _, a := range assessments {
		if a.Failed() {
			log.Warn().Uint64("position", a.PositionID).Str("label", a.Label).Str("error", a.Error).Msg("❌")
			continue
		}

		evt := log.Info()
		if a.IsLiquidatable {
			evt = log.Warn().Str("calldata", a.LiquidateCalldata)
		}
		evt.
			Uint64("position", a.PositionID).
			Str("label", a.Label).
			Str("side", a.Side).
			Str("price", a.PriceExit.String()).
			Str("value", a.Value.StringFixed(6)).
			Str("notional", a.Notional.StringFixed(6)).
			Str("margin", a.OpenMargin.StringFixed(4)).
			Str("liq_price", a.LiquidationPriceString(6)).
			Bool("underwater", a.IsUnderwater).
			Bool("liquidatable", a.IsLiquidatable).
			Msg("📋")
	}
}
