// Package monitor is the central orchestrator. It wires together all
// subsystems:
//
//  1. The user-data stream delivers raw messages from the exchange.
//  2. The normalizer projects them into typed order events.
//  3. The aggregator coalesces per-order events into notifications.
//  4. The dispatcher routes notifications to the life-cycle and fill
//     webhooks, and announces order expiry directly.
//  5. The validation service audits positions on a timer and posts alert
//     digests to the third webhook.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop().
package monitor

import (
	"context"
	"log/slog"
	"sync"

	"futures-monitor/internal/account"
	"futures-monitor/internal/config"
	"futures-monitor/internal/exchange"
	"futures-monitor/internal/notify"
	"futures-monitor/internal/order"
	"futures-monitor/internal/position"
	"futures-monitor/pkg/types"
)

// Monitor owns every goroutine of the running system.
type Monitor struct {
	cfg    config.Config
	logger *slog.Logger

	client     *exchange.Client
	stream     *exchange.Stream
	tracker    *order.Tracker
	aggregator *order.Aggregator
	dispatcher *order.Dispatcher
	provider   *account.Provider
	validation *position.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components.
func New(cfg config.Config, rules *config.RuleSet, logger *slog.Logger) *Monitor {
	client := exchange.NewClient(cfg.API.RESTBaseURL, cfg.API.Key, cfg.API.Secret, logger)
	stream := exchange.NewStream(client, cfg.API.WSBaseURL, cfg.Monitor.ListenKeyKeepAlive(), logger)
	provider := account.NewProvider(client, account.DefaultSummaryTTL, logger)

	lifecycleSink := notify.NewWebhookSink(cfg.Webhooks.LifecycleURL, cfg.Monitor.MaxRetry, logger)
	fillSink := notify.NewWebhookSink(cfg.Webhooks.FillURL, cfg.Monitor.MaxRetry, logger)
	alertSink := notify.NewWebhookSink(cfg.Webhooks.AlertURL, cfg.Monitor.MaxRetry, logger)

	dispatcher := order.NewDispatcher(lifecycleSink, fillSink, order.DefaultDedupTTL, logger)
	tracker := order.NewTracker(logger)

	ctx, cancel := context.WithCancel(context.Background())

	aggregator := order.NewAggregator(tracker, provider,
		func(n types.Notification) { dispatcher.DispatchNotification(ctx, n) },
		cfg.Monitor.AggregationWindow(), order.DefaultDedupTTL, logger)

	engine := position.NewEngine(rules, logger)
	limiter := position.NewLimiter(0)
	metrics := position.NewFetcher(client, position.DefaultMetricsTTL, position.DefaultMetricsWorkers, logger)
	validation := position.NewService(provider, metrics, engine, limiter, alertSink,
		cfg.Monitor.ValidationInterval(), logger)

	return &Monitor{
		cfg:        cfg,
		logger:     logger.With("component", "monitor"),
		client:     client,
		stream:     stream,
		tracker:    tracker,
		aggregator: aggregator,
		dispatcher: dispatcher,
		provider:   provider,
		validation: validation,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the stream, the aggregation worker, the event pump, and
// the validation loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.stream.Run(m.ctx); err != nil && m.ctx.Err() == nil {
			m.logger.Error("stream stopped", "error", err)
		}
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.aggregator.Run(m.ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.pumpEvents()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.validation.Run(m.ctx)
	}()

	m.logger.Info("monitor started",
		"window", m.cfg.Monitor.AggregationWindow(),
		"validation_interval", m.cfg.Monitor.ValidationInterval(),
	)
}

// pumpEvents feeds normalized stream events into the aggregator, in
// arrival order, and hands expiries to the dispatcher's direct path.
func (m *Monitor) pumpEvents() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case raw := <-m.stream.Messages():
			evt := order.Normalize(raw)
			if evt == nil {
				continue
			}
			m.aggregator.HandleEvent(evt)
			if evt.Status == types.StatusExpired {
				m.dispatcher.DispatchExpiry(m.ctx, evt)
			}
		}
	}
}

// Stop shuts down: stops intake, cancels pending deadlines, closes the
// stream (destroying the listen key on the way), and waits for goroutines.
func (m *Monitor) Stop() {
	m.logger.Info("shutting down...")
	m.cancel()
	m.stream.Close()
	m.wg.Wait()
	m.logger.Info("shutdown complete")
}
