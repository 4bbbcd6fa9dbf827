package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/internal/notify"
	"futures-monitor/pkg/types"
)

type fakeAccounts struct {
	acct  *types.AccountContext
	err   error
	delay time.Duration

	mu    sync.Mutex
	calls int
}

func (f *fakeAccounts) FetchAccountContext(context.Context) (*types.AccountContext, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.acct, nil
}

type fakeMetrics struct {
	metrics map[string]types.SymbolMetrics
}

func (f *fakeMetrics) Fetch(_ context.Context, refPrices map[string]decimal.Decimal) map[string]types.SymbolMetrics {
	if f.metrics != nil {
		return f.metrics
	}
	return fullMetricsFromRef(refPrices)
}

func fullMetricsFromRef(refPrices map[string]decimal.Decimal) map[string]types.SymbolMetrics {
	symbols := make([]string, 0, len(refPrices))
	for s := range refPrices {
		symbols = append(symbols, s)
	}
	return fullMetrics(symbols...)
}

type digestSink struct {
	mu    sync.Mutex
	cards []notify.Card
	err   error
}

func (s *digestSink) Send(_ context.Context, card notify.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cards = append(s.cards, card)
	return nil
}

func (s *digestSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cards)
}

func newTestService(accounts *fakeAccounts, sink *digestSink, rulesDoc string, t *testing.T) *Service {
	t.Helper()
	rs := mustRules(t, rulesDoc)
	engine := NewEngine(rs, testLogger())
	limiter := NewLimiter(0)
	return NewService(accounts, &fakeMetrics{}, engine, limiter, sink, time.Hour, testLogger())
}

func TestTickSendsDigestForBreaches(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{
		acct: acctWith("100000", snapshot("ETHUSDT", types.DirectionLong, "60000", "10", "30000")),
	}
	sink := &digestSink{}
	svc := newTestService(accounts, sink, `{"defaults": {"maxLeverage": 5}}`, t)

	svc.Tick(context.Background())
	if sink.count() != 1 {
		t.Fatalf("digests = %d, want 1", sink.count())
	}
	sink.mu.Lock()
	card := sink.cards[0]
	sink.mu.Unlock()
	if card.Title != "持仓风险巡检" {
		t.Errorf("card title = %q", card.Title)
	}

	// Second tick inside the cooldown: nothing new to say, no digest.
	svc.Tick(context.Background())
	if sink.count() != 1 {
		t.Errorf("digests = %d after suppressed tick, want 1", sink.count())
	}
}

func TestTickQuietWhenClean(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{
		acct: acctWith("100000", snapshot("BTCUSDT", types.DirectionLong, "10000", "3", "2000")),
	}
	sink := &digestSink{}
	svc := newTestService(accounts, sink, `{"defaults": {"maxLeverage": 20}}`, t)

	svc.Tick(context.Background())
	if sink.count() != 0 {
		t.Errorf("digests = %d, want 0 for a clean account", sink.count())
	}
}

func TestTickAbortsOnFetchError(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{err: errors.New("exchange timeout")}
	sink := &digestSink{}
	svc := newTestService(accounts, sink, `{"defaults": {"maxLeverage": 5}}`, t)

	svc.Tick(context.Background())
	if sink.count() != 0 {
		t.Errorf("digests = %d, want 0 on fetch failure", sink.count())
	}
}

func TestTickSingleFlight(t *testing.T) {
	t.Parallel()

	accounts := &fakeAccounts{
		acct:  acctWith("100000"),
		delay: 50 * time.Millisecond,
	}
	sink := &digestSink{}
	svc := newTestService(accounts, sink, `{"defaults": {}}`, t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Tick(context.Background())
		}()
	}
	wg.Wait()

	accounts.mu.Lock()
	calls := accounts.calls
	accounts.mu.Unlock()
	if calls != 1 {
		t.Errorf("account fetches = %d, want 1 (overlapping ticks dropped)", calls)
	}
}

func TestTickRecoveryDigest(t *testing.T) {
	t.Parallel()

	breached := acctWith("100000", snapshot("ETHUSDT", types.DirectionLong, "60000", "10", "30000"))
	clean := acctWith("100000", snapshot("ETHUSDT", types.DirectionLong, "60000", "3", "30000"))

	accounts := &fakeAccounts{acct: breached}
	sink := &digestSink{}
	svc := newTestService(accounts, sink, `{"defaults": {"maxLeverage": 5}}`, t)

	svc.Tick(context.Background())
	accounts.acct = clean
	svc.Tick(context.Background())

	if sink.count() != 2 {
		t.Fatalf("digests = %d, want alert then recovery", sink.count())
	}
	sink.mu.Lock()
	recovery := sink.cards[1]
	sink.mu.Unlock()
	if recovery.Color != notify.ColorGreen {
		t.Errorf("recovery digest color = %q, want green", recovery.Color)
	}
}
