// Futures Monitor — a real-time monitor for a single Binance USDⓈ-M
// futures account.
//
// Architecture:
//
//	main.go              — entry point: loads config + rules, starts the monitor, waits for SIGINT/SIGTERM
//	monitor/monitor.go   — orchestrator: wires stream → aggregator → dispatcher, validation loop
//	order/classify.go    — client-order-id prefix → order category and card title
//	order/event.go       — wire-message validation and projection
//	order/tracker.go     — per-order aggregation contexts (quantity, notional, PnL)
//	order/aggregator.go  — the state machine: dedup, parent/child coupling, window coalescing
//	order/dispatcher.go  — routes life-cycle vs fill cards to the two webhooks
//	account/provider.go  — single-flight cached account summary + validation-tick context
//	position/rules.go    — whitelist/leverage/margin/funding/market rule battery
//	position/limiter.go  — per-issue cooldowns and recovery events
//	position/metrics.go  — per-symbol OI + token-info fetch with TTL cache
//	position/service.go  — periodic tick: fetch → evaluate → limit → digest
//	exchange/            — REST client, request signing, user-data stream
//	notify/              — card builders and webhook sinks
//
// What it does:
//
//	The monitor follows the account's user-data stream and turns raw order
//	updates into human-meaningful chat cards: one notification per logical
//	order outcome, with partial fills coalesced inside a sliding window.
//	Independently, a periodic audit checks every open position against a
//	declarative rule-set and posts a digest of new alerts and recoveries.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-monitor/internal/config"
	"futures-monitor/internal/monitor"
)

func main() {
	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("FM_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	rules, err := config.LoadRules(cfg.Rules.Path)
	if err != nil {
		slog.Error("failed to load position rules", "error", err, "path", cfg.Rules.Path)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	m := monitor.New(*cfg, rules, logger)
	m.Start()

	logger.Info("futures monitor started",
		"rest", cfg.API.RESTBaseURL,
		"ws", cfg.API.WSBaseURL,
		"rules", cfg.Rules.Path,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	m.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
