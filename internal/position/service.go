// service.go runs the periodic validation tick: fetch the account context,
// gather market metrics, evaluate the rule battery, throttle through the
// limiter, and post one digest card for everything that surfaced.
package position

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/internal/notify"
	"futures-monitor/pkg/types"
)

// DefaultValidationInterval is the tick period.
const DefaultValidationInterval = 30 * time.Second

// AccountFetcher supplies the full account context for one tick.
type AccountFetcher interface {
	FetchAccountContext(ctx context.Context) (*types.AccountContext, error)
}

// SymbolMetricsFetcher supplies per-symbol market metrics.
type SymbolMetricsFetcher interface {
	Fetch(ctx context.Context, refPrices map[string]decimal.Decimal) map[string]types.SymbolMetrics
}

// Service is the validation loop.
type Service struct {
	accounts AccountFetcher
	metrics  SymbolMetricsFetcher
	engine   *Engine
	limiter  *Limiter
	sink     notify.Sink
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
}

// NewService wires the validation loop. interval falls back to the default
// when zero.
func NewService(accounts AccountFetcher, metrics SymbolMetricsFetcher, engine *Engine, limiter *Limiter,
	sink notify.Sink, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultValidationInterval
	}
	return &Service{
		accounts: accounts,
		metrics:  metrics,
		engine:   engine,
		limiter:  limiter,
		sink:     sink,
		interval: interval,
		logger:   logger.With("component", "validation"),
		now:      time.Now,
	}
}

// Run ticks immediately and then on the interval, until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.Tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one validation pass. A tick that arrives while the previous
// one is still in flight is dropped.
func (s *Service) Tick(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("previous validation tick still running, skipping")
		return
	}
	defer s.running.Store(false)

	acct, err := s.accounts.FetchAccountContext(ctx)
	if err != nil {
		s.logger.Error("account fetch failed, aborting tick", "error", err)
		return
	}

	refPrices := make(map[string]decimal.Decimal, len(acct.Snapshots))
	for _, snap := range acct.Snapshots {
		refPrices[snap.Symbol] = snap.MarkPrice
	}
	metrics := s.metrics.Fetch(ctx, refPrices)

	issues := s.engine.Evaluate(acct, metrics)
	events := s.limiter.Process(issues, s.now())
	if len(events) == 0 {
		return
	}

	card := notify.BuildDigestCard(events, s.now())
	if err := s.sink.Send(ctx, card); err != nil {
		s.logger.Error("digest send failed, dropping", "events", len(events), "error", err)
		return
	}
	s.logger.Info("validation digest sent",
		"issues", len(issues), "events", len(events), "color", card.Color)
}
