// metrics.go fetches per-symbol market observations (open interest, market
// cap, 24h volume, concentration) with a per-symbol, per-endpoint TTL cache
// and bounded fetch concurrency. Failures leave the corresponding field nil
// and log at warn level; the rule engine turns persistent nils into
// data_missing issues.
package position

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/internal/exchange"
	"futures-monitor/pkg/types"
)

const (
	// DefaultMetricsTTL is the per-endpoint cache lifetime.
	DefaultMetricsTTL = 180 * time.Second
	// DefaultMetricsWorkers bounds concurrent endpoint fetches.
	DefaultMetricsWorkers = 5
)

// MetricsClient is the slice of the exchange client the fetcher needs.
type MetricsClient interface {
	GetOpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterest, error)
	GetTokenInfo(ctx context.Context, baseAsset string) (*exchange.TokenInfo, error)
}

type oiEntry struct {
	value     decimal.Decimal
	fetchedAt time.Time
}

type tokenEntry struct {
	info      exchange.TokenInfo
	fetchedAt time.Time
}

// Fetcher assembles SymbolMetrics for a set of symbols.
type Fetcher struct {
	client  MetricsClient
	ttl     time.Duration
	workers int
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.Mutex
	oiCache    map[string]oiEntry    // by symbol
	tokenCache map[string]tokenEntry // by base asset
}

// NewFetcher creates a metrics fetcher. Zero ttl/workers use the defaults.
func NewFetcher(client MetricsClient, ttl time.Duration, workers int, logger *slog.Logger) *Fetcher {
	if ttl <= 0 {
		ttl = DefaultMetricsTTL
	}
	if workers <= 0 {
		workers = DefaultMetricsWorkers
	}
	return &Fetcher{
		client:     client,
		ttl:        ttl,
		workers:    workers,
		logger:     logger.With("component", "metrics"),
		now:        time.Now,
		oiCache:    make(map[string]oiEntry),
		tokenCache: make(map[string]tokenEntry),
	}
}

// Fetch returns metrics for every symbol in refPrices (symbol → reference
// price, normally the mark price). Cache misses fan out over the worker
// pool; hits are served without I/O.
func (f *Fetcher) Fetch(ctx context.Context, refPrices map[string]decimal.Decimal) map[string]types.SymbolMetrics {
	now := f.now()

	var tasks []func()
	seenBase := make(map[string]bool)

	f.mu.Lock()
	for symbol := range refPrices {
		if entry, ok := f.oiCache[symbol]; !ok || now.Sub(entry.fetchedAt) >= f.ttl {
			sym := symbol
			tasks = append(tasks, func() { f.fetchOI(ctx, sym) })
		}
		base := types.BaseAsset(symbol)
		if seenBase[base] {
			continue
		}
		seenBase[base] = true
		if entry, ok := f.tokenCache[base]; !ok || now.Sub(entry.fetchedAt) >= f.ttl {
			b := base
			tasks = append(tasks, func() { f.fetchToken(ctx, b) })
		}
	}
	f.mu.Unlock()

	f.runTasks(tasks)

	result := make(map[string]types.SymbolMetrics, len(refPrices))
	f.mu.Lock()
	defer f.mu.Unlock()
	for symbol, refPrice := range refPrices {
		m := types.SymbolMetrics{FetchedAt: now}

		if refPrice.IsPositive() {
			rp := refPrice
			m.ReferencePrice = &rp
		}
		if entry, ok := f.oiCache[symbol]; ok && now.Sub(entry.fetchedAt) < f.ttl {
			oi := entry.value
			m.OpenInterest = &oi
			if m.ReferencePrice != nil {
				notional := oi.Mul(*m.ReferencePrice)
				m.OpenInterestNotional = &notional
			}
		}
		if entry, ok := f.tokenCache[types.BaseAsset(symbol)]; ok && now.Sub(entry.fetchedAt) < f.ttl {
			m.MarketCap = cloneDec(entry.info.MarketCap)
			m.Volume24h = cloneDec(entry.info.Volume24h)
			m.HHI = cloneDec(entry.info.HHI)
		}

		result[symbol] = m
	}
	return result
}

// runTasks drains the task list through a bounded worker pool.
func (f *Fetcher) runTasks(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	workers := f.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan func())
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for task := range taskCh {
				task()
			}
		}()
	}
	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)
	wg.Wait()
}

func (f *Fetcher) fetchOI(ctx context.Context, symbol string) {
	oi, err := f.client.GetOpenInterest(ctx, symbol)
	if err != nil {
		f.logger.Warn("open interest fetch failed", "symbol", symbol, "error", err)
		return
	}
	value, err := decimal.NewFromString(oi.OpenInterest)
	if err != nil {
		f.logger.Warn("unparseable open interest", "symbol", symbol, "value", oi.OpenInterest)
		return
	}
	f.mu.Lock()
	f.oiCache[symbol] = oiEntry{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) fetchToken(ctx context.Context, base string) {
	info, err := f.client.GetTokenInfo(ctx, base)
	if err != nil {
		f.logger.Warn("token info fetch failed", "asset", base, "error", err)
		return
	}
	f.mu.Lock()
	f.tokenCache[base] = tokenEntry{info: *info, fetchedAt: f.now()}
	f.mu.Unlock()
}

func cloneDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
