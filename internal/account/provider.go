// Package account provides the shared view of the futures account: a
// short-TTL, single-flight cached summary for the order pipeline, and the
// full position context the validation tick evaluates.
package account

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/internal/exchange"
	"futures-monitor/pkg/types"
)

// DefaultSummaryTTL is the cache lifetime of the order-pipeline summary.
const DefaultSummaryTTL = 2 * time.Second

// RESTClient is the slice of the exchange client the provider needs.
type RESTClient interface {
	Account(ctx context.Context) (*exchange.AccountInfo, error)
	PositionRiskAll(ctx context.Context) ([]exchange.PositionRisk, error)
	PremiumIndexAll(ctx context.Context) ([]exchange.PremiumIndex, error)
}

// Provider caches the account summary. A refresh in flight is shared: a
// second caller awaits the same fetch instead of doubling it.
type Provider struct {
	client RESTClient
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	cached   *types.AccountSummary
	inflight chan struct{}
}

// NewProvider creates a provider. ttl falls back to DefaultSummaryTTL when
// zero.
func NewProvider(client RESTClient, ttl time.Duration, logger *slog.Logger) *Provider {
	if ttl <= 0 {
		ttl = DefaultSummaryTTL
	}
	return &Provider{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "account"),
		now:    time.Now,
	}
}

// Summary returns the cached account summary, refreshing it when stale.
// On fetch failure the last cached summary is returned, or nil when there
// has never been a successful fetch. Never returns an error to the caller.
func (p *Provider) Summary(ctx context.Context) *types.AccountSummary {
	p.mu.Lock()

	if p.cached != nil && p.now().Sub(p.cached.FetchedAt) < p.ttl {
		defer p.mu.Unlock()
		return p.cached
	}

	if p.inflight != nil {
		wait := p.inflight
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.cached
	}

	done := make(chan struct{})
	p.inflight = done
	p.mu.Unlock()

	summary, err := p.fetchSummary(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.logger.Warn("account summary refresh failed", "error", err)
	} else {
		p.cached = summary
	}
	close(done)
	p.inflight = nil
	return p.cached
}

func (p *Provider) fetchSummary(ctx context.Context) (*types.AccountSummary, error) {
	info, err := p.client.Account(ctx)
	if err != nil {
		return nil, err
	}
	risks, err := p.client.PositionRiskAll(ctx)
	if err != nil {
		return nil, err
	}

	positions := make(map[string]types.PositionSnapshot)
	now := p.now()
	for _, r := range risks {
		snap, ok := snapshotFromRisk(r, now)
		if !ok {
			continue
		}
		positions[snap.Symbol+":"+snap.Direction] = snap
	}

	return &types.AccountSummary{
		TotalFunds: mustDec(info.TotalMarginBalance),
		Positions:  positions,
		FetchedAt:  now,
	}, nil
}

// FetchAccountContext performs an uncached full fetch for the validation
// tick: balances + positions + predicted funding rates.
func (p *Provider) FetchAccountContext(ctx context.Context) (*types.AccountContext, error) {
	info, err := p.client.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	risks, err := p.client.PositionRiskAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch position risk: %w", err)
	}
	premiums, err := p.client.PremiumIndexAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch premium index: %w", err)
	}

	funding := make(map[string]decimal.Decimal, len(premiums))
	for _, pr := range premiums {
		if pr.LastFundingRate != "" {
			funding[pr.Symbol] = mustDec(pr.LastFundingRate)
		}
	}

	// initialMargin comes from the account endpoint, keyed per position side.
	margins := make(map[string]decimal.Decimal, len(info.Positions))
	for _, pos := range info.Positions {
		margins[pos.Symbol+":"+pos.PositionSide] = mustDec(pos.InitialMargin)
	}

	now := p.now()
	snapshots := make([]types.PositionSnapshot, 0, len(risks))
	for _, r := range risks {
		snap, ok := snapshotFromRisk(r, now)
		if !ok {
			continue
		}
		if margin, ok := margins[r.Symbol+":"+r.PositionSide]; ok {
			snap.InitialMargin = margin
		}
		if rate, ok := funding[r.Symbol]; ok {
			v := rate
			snap.PredictedFundingRate = &v
		}
		snapshots = append(snapshots, snap)
	}

	return &types.AccountContext{
		TotalInitialMargin: mustDec(info.TotalInitialMargin),
		TotalMarginBalance: mustDec(info.TotalMarginBalance),
		AvailableBalance:   mustDec(info.AvailableBalance),
		Snapshots:          snapshots,
		FetchedAt:          now,
	}, nil
}

// snapshotFromRisk normalizes one position-risk row. Rows with zero amount
// and zero notional are dropped.
func snapshotFromRisk(r exchange.PositionRisk, now time.Time) (types.PositionSnapshot, bool) {
	amt := mustDec(r.PositionAmt)
	notional := mustDec(r.Notional).Abs()
	if amt.IsZero() && notional.IsZero() {
		return types.PositionSnapshot{}, false
	}

	direction := types.DirectionLong
	switch strings.ToUpper(r.PositionSide) {
	case "LONG":
		direction = types.DirectionLong
	case "SHORT":
		direction = types.DirectionShort
	default:
		if amt.IsNegative() {
			direction = types.DirectionShort
		}
	}

	updatedAt := now
	if r.UpdateTime > 0 {
		updatedAt = time.UnixMilli(r.UpdateTime)
	}

	return types.PositionSnapshot{
		BaseAsset:      types.BaseAsset(r.Symbol),
		Symbol:         r.Symbol,
		PositionAmt:    amt,
		Notional:       notional,
		Leverage:       mustDec(r.Leverage),
		IsolatedMargin: mustDec(r.IsolatedMargin),
		MarginType:     strings.ToLower(r.MarginType),
		Direction:      direction,
		MarkPrice:      mustDec(r.MarkPrice),
		UpdatedAt:      updatedAt,
	}, true
}

// mustDec parses exchange decimal strings, mapping empty/broken values to
// zero; the exchange occasionally sends "" for flat fields.
func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
