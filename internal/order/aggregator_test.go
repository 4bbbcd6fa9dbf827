package order

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/pkg/types"
)

type stubAccounts struct {
	summary *types.AccountSummary
}

func (s *stubAccounts) Summary(context.Context) *types.AccountSummary { return s.summary }

func summaryWith(totalFunds string, positions map[string]types.PositionSnapshot) *types.AccountSummary {
	tf, _ := decimal.NewFromString(totalFunds)
	return &types.AccountSummary{TotalFunds: tf, Positions: positions, FetchedAt: time.Now()}
}

// newTestAggregator wires an aggregator whose window never fires on its own;
// tests drive flushes through processFlush directly.
func newTestAggregator(summary *types.AccountSummary) (*Aggregator, *[]types.Notification, *Tracker) {
	var got []types.Notification
	tracker := NewTracker(testLogger())
	agg := NewAggregator(tracker, &stubAccounts{summary: summary},
		func(n types.Notification) { got = append(got, n) },
		time.Hour, time.Minute, testLogger())
	return agg, &got, tracker
}

func fillEvent(symbol string, orderID int64, clientID string, status types.OrderStatus, tradeMilli int64) *types.OrderEvent {
	return &types.OrderEvent{
		Symbol:        symbol,
		OrderID:       orderID,
		ClientOrderID: clientID,
		Side:          types.SideBuy,
		PositionSide:  types.PositionLong,
		OrderType:     "LIMIT",
		ExecType:      "TRADE",
		Status:        status,
		EventTime:     time.UnixMilli(tradeMilli),
		TradeTime:     time.UnixMilli(tradeMilli),
	}
}

func TestGeneralSingleFill(t *testing.T) {
	t.Parallel()

	positions := map[string]types.PositionSnapshot{
		"BTCUSDT:long": {Symbol: "BTCUSDT", Direction: types.DirectionLong, Notional: decimal.NewFromInt(45000)},
	}
	agg, got, _ := newTestAggregator(summaryWith("100000", positions))

	evt := fillEvent("BTCUSDT", 100, "web-abc", types.StatusFilled, 1000)
	evt.OriginalQty = "1.0"
	evt.CumulativeQty = "1.0"
	evt.LastQty = "1.0"
	evt.AveragePrice = "45000"
	evt.LastPrice = "45000"
	evt.RealizedPnL = "0"
	agg.processEvent(evt)

	if len(*got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(*got))
	}
	n := (*got)[0]
	if n.Scenario != types.ScenarioGeneralSingle {
		t.Errorf("Scenario = %s, want GENERAL_SINGLE", n.Scenario)
	}
	if n.StateLabel != "成交" {
		t.Errorf("StateLabel = %q", n.StateLabel)
	}
	if n.Title != "BTCUSDT-其他" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.DisplayPrice != "45000.00000000" {
		t.Errorf("DisplayPrice = %q", n.DisplayPrice)
	}
	if n.CumulativeQuoteDisplay != "45000.00 USDT" {
		t.Errorf("CumulativeQuoteDisplay = %q", n.CumulativeQuoteDisplay)
	}
	if n.CumulativeQuoteRatioDisplay != "45.00%" {
		t.Errorf("CumulativeQuoteRatioDisplay = %q", n.CumulativeQuoteRatioDisplay)
	}
	if n.TradePnlDisplay != "0.00 USDT" {
		t.Errorf("TradePnlDisplay = %q", n.TradePnlDisplay)
	}
	if n.LongShortRatioDisplay != "∞:1.00" || n.LongShortRatioRaw != "Infinity:1" {
		t.Errorf("long/short = %q / %q", n.LongShortRatioDisplay, n.LongShortRatioRaw)
	}
}

func TestGeneralAggregatedFill(t *testing.T) {
	t.Parallel()

	agg, got, tracker := newTestAggregator(summaryWith("100000", nil))

	p1 := fillEvent("ETHUSDT", 200, "web-x", types.StatusPartiallyFilled, 1000)
	p1.CumulativeQty = "2"
	p1.LastQty = "2"
	p1.AveragePrice = "2000"
	p1.RealizedPnL = "1.0"
	agg.processEvent(p1)

	p2 := fillEvent("ETHUSDT", 200, "web-x", types.StatusPartiallyFilled, 2000)
	p2.CumulativeQty = "5"
	p2.LastQty = "3"
	p2.AveragePrice = "2010"
	p2.RealizedPnL = "2.0"
	agg.processEvent(p2)

	if len(*got) != 0 {
		t.Fatalf("notifications before terminal = %d, want 0", len(*got))
	}

	fin := fillEvent("ETHUSDT", 200, "web-x", types.StatusFilled, 3000)
	fin.CumulativeQty = "10"
	fin.LastQty = "5"
	fin.AveragePrice = "2020"
	fin.RealizedPnL = "3.5"
	agg.processEvent(fin)

	if len(*got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(*got))
	}
	n := (*got)[0]
	if n.Scenario != types.ScenarioGeneralAggregated {
		t.Errorf("Scenario = %s, want GENERAL_AGGREGATED", n.Scenario)
	}
	if n.CumulativeQty != "10" {
		t.Errorf("CumulativeQty = %q", n.CumulativeQty)
	}
	if n.CumulativeQuoteDisplay != "20200.00 USDT" {
		t.Errorf("CumulativeQuoteDisplay = %q", n.CumulativeQuoteDisplay)
	}
	if n.TradePnlDisplay != "+6.50 USDT" {
		t.Errorf("TradePnlDisplay = %q", n.TradePnlDisplay)
	}
	if tracker.Len() != 0 {
		t.Errorf("tracker contexts = %d after terminal, want 0", tracker.Len())
	}
}

func TestWindowTimeoutThenReArm(t *testing.T) {
	t.Parallel()

	agg, got, tracker := newTestAggregator(summaryWith("100000", nil))

	p1 := fillEvent("BTCUSDT", 300, "web-y", types.StatusPartiallyFilled, 1000)
	p1.CumulativeQty = "0.4"
	p1.AveragePrice = "50000"
	agg.processEvent(p1)

	key := p1.Key()
	agg.processFlush(key, types.ScenarioGeneralTimeout)

	if len(*got) != 1 {
		t.Fatalf("notifications after flush = %d, want 1", len(*got))
	}
	if (*got)[0].Scenario != types.ScenarioGeneralTimeout {
		t.Errorf("Scenario = %s, want GENERAL_TIMEOUT", (*got)[0].Scenario)
	}
	if (*got)[0].StateLabel != "部分成交" {
		t.Errorf("StateLabel = %q", (*got)[0].StateLabel)
	}
	if tracker.Len() != 0 {
		t.Fatalf("context survived the flush")
	}

	// A timed emission does not finalize: the order keeps trading and a
	// fresh aggregation round announces the remainder.
	p2 := fillEvent("BTCUSDT", 300, "web-y", types.StatusPartiallyFilled, 5000)
	p2.CumulativeQty = "0.7"
	p2.AveragePrice = "50100"
	agg.processEvent(p2)

	fin := fillEvent("BTCUSDT", 300, "web-y", types.StatusFilled, 6000)
	fin.CumulativeQty = "1.0"
	fin.AveragePrice = "50200"
	agg.processEvent(fin)

	if len(*got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(*got))
	}
	if (*got)[1].Scenario != types.ScenarioGeneralAggregated {
		t.Errorf("second Scenario = %s, want GENERAL_AGGREGATED", (*got)[1].Scenario)
	}
}

func TestFlushAfterTerminalIsNoop(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	p := fillEvent("BTCUSDT", 310, "web-z", types.StatusPartiallyFilled, 1000)
	p.CumulativeQty = "0.5"
	p.AveragePrice = "50000"
	agg.processEvent(p)

	fin := fillEvent("BTCUSDT", 310, "web-z", types.StatusFilled, 2000)
	fin.CumulativeQty = "1.0"
	fin.AveragePrice = "50000"
	agg.processEvent(fin)

	before := len(*got)
	agg.processFlush(fin.Key(), types.ScenarioGeneralTimeout)
	if len(*got) != before {
		t.Errorf("stale flush emitted: %d → %d notifications", before, len(*got))
	}
}

func TestStopOrderLifecycle(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	// STOP_MARKET creation: the stop price is the only meaningful price.
	created := fillEvent("ETHUSDT", 400, "SL1-x", types.StatusNew, 1000)
	created.OrderType = "STOP_MARKET"
	created.ExecType = "NEW"
	created.OrderPrice = "0"
	created.StopPrice = "1800"
	agg.processEvent(created)

	if len(*got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(*got))
	}
	n := (*got)[0]
	if n.Scenario != types.ScenarioSLTPNew {
		t.Errorf("Scenario = %s, want SLTP_NEW", n.Scenario)
	}
	if n.StateLabel != "创建" {
		t.Errorf("StateLabel = %q", n.StateLabel)
	}
	if n.Title != "ETHUSDT-硬止损第1档" {
		t.Errorf("Title = %q", n.Title)
	}
	if n.DisplayPrice != "1800.00000000" {
		t.Errorf("DisplayPrice = %q", n.DisplayPrice)
	}
	if n.CumulativeQuoteDisplay != "" {
		t.Errorf("creation carried quote display %q", n.CumulativeQuoteDisplay)
	}

	// Direct fill without partials.
	fin := fillEvent("ETHUSDT", 400, "SL1-x", types.StatusFilled, 2000)
	fin.OrderType = "STOP_MARKET"
	fin.CumulativeQty = "3"
	fin.AveragePrice = "1799.5"
	fin.RealizedPnL = "-15"
	agg.processEvent(fin)

	if len(*got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(*got))
	}
	n = (*got)[1]
	if n.Scenario != types.ScenarioSLTPFilled {
		t.Errorf("Scenario = %s, want SLTP_FILLED", n.Scenario)
	}
	if n.TradePnlDisplay != "-15.00 USDT" {
		t.Errorf("TradePnlDisplay = %q", n.TradePnlDisplay)
	}
}

func TestStopCancelBranches(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	// Plain cancel: order-price chain, no quote aggregate.
	created := fillEvent("BTCUSDT", 500, "TP1-a", types.StatusNew, 1000)
	created.OrderType = "TAKE_PROFIT_MARKET"
	created.ExecType = "NEW"
	created.StopPrice = "60000"
	agg.processEvent(created)

	canceled := fillEvent("BTCUSDT", 500, "TP1-a", types.StatusCanceled, 2000)
	canceled.OrderType = "TAKE_PROFIT_MARKET"
	canceled.ExecType = "CANCELED"
	canceled.StopPrice = "60000"
	agg.processEvent(canceled)

	if len(*got) != 2 {
		t.Fatalf("notifications = %d, want 2", len(*got))
	}
	if (*got)[1].Scenario != types.ScenarioSLTPCanceled {
		t.Errorf("Scenario = %s, want SLTP_CANCELED", (*got)[1].Scenario)
	}
	if (*got)[1].StateLabel != "取消" {
		t.Errorf("StateLabel = %q", (*got)[1].StateLabel)
	}

	// Cancel after a partial: the partial progress is announced.
	p := fillEvent("BTCUSDT", 501, "TP2-b", types.StatusPartiallyFilled, 3000)
	p.OrderType = "TAKE_PROFIT_MARKET"
	p.CumulativeQty = "0.2"
	p.AveragePrice = "61000"
	agg.processEvent(p)

	pc := fillEvent("BTCUSDT", 501, "TP2-b", types.StatusCanceled, 4000)
	pc.OrderType = "TAKE_PROFIT_MARKET"
	pc.ExecType = "CANCELED"
	pc.CumulativeQty = "0.2"
	agg.processEvent(pc)

	if len(*got) != 3 {
		t.Fatalf("notifications = %d, want 3", len(*got))
	}
	if (*got)[2].Scenario != types.ScenarioSLTPPartialCanceled {
		t.Errorf("Scenario = %s, want SLTP_PARTIAL_CANCELED", (*got)[2].Scenario)
	}
}

func TestChildExecutionSuppressesParent(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	// Parent stop order announced on creation.
	parent := fillEvent("BTCUSDT", 600, "TP1-parent", types.StatusNew, 1000)
	parent.OrderType = "TAKE_PROFIT_MARKET"
	parent.ExecType = "NEW"
	parent.StopPrice = "70000"
	agg.processEvent(parent)

	// Trigger spawns a MARKET child with an exchange-generated id. The
	// child's NEW is silent, its fill inherits the parent's presentation.
	childNew := fillEvent("BTCUSDT", 601, "autoclose-1", types.StatusNew, 2000)
	childNew.OrderType = "MARKET"
	childNew.ExecType = "NEW"
	childNew.OriginalClientOrderID = "TP1-parent"
	agg.processEvent(childNew)

	childFill := fillEvent("BTCUSDT", 601, "autoclose-1", types.StatusFilled, 3000)
	childFill.OrderType = "MARKET"
	childFill.OriginalClientOrderID = "TP1-parent"
	childFill.CumulativeQty = "0.5"
	childFill.AveragePrice = "70010"
	childFill.RealizedPnL = "25"
	agg.processEvent(childFill)

	// Parent's own FILLED arrives after the child already told the story.
	parentFill := fillEvent("BTCUSDT", 600, "TP1-parent", types.StatusFilled, 4000)
	parentFill.OrderType = "TAKE_PROFIT_MARKET"
	parentFill.CumulativeQty = "0.5"
	parentFill.AveragePrice = "70010"
	agg.processEvent(parentFill)

	if len(*got) != 2 {
		t.Fatalf("notifications = %d, want 2 (creation + child fill)", len(*got))
	}
	n := (*got)[1]
	if n.Scenario != types.ScenarioSLTPFilled {
		t.Errorf("Scenario = %s, want SLTP_FILLED", n.Scenario)
	}
	if n.Title != "BTCUSDT-移动止损第1档" {
		t.Errorf("Title = %q, want inherited parent presentation", n.Title)
	}
	if n.TradePnlDisplay != "+25.00 USDT" {
		t.Errorf("TradePnlDisplay = %q", n.TradePnlDisplay)
	}
}

func TestOtherNewIsDropped(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	evt := fillEvent("BTCUSDT", 700, "web-quiet", types.StatusNew, 1000)
	evt.ExecType = "NEW"
	evt.OrderPrice = "50000"
	agg.processEvent(evt)

	if len(*got) != 0 {
		t.Errorf("notifications = %d, want 0 for unclassified NEW", len(*got))
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	evt := fillEvent("BTCUSDT", 800, "web-d", types.StatusFilled, 1000)
	evt.CumulativeQty = "1"
	evt.LastQty = "1"
	evt.AveragePrice = "50000"
	agg.processEvent(evt)

	replay := *evt
	agg.processEvent(&replay)

	if len(*got) != 1 {
		t.Errorf("notifications = %d, want 1 after replay", len(*got))
	}
}

func TestFinalizedContextBlocksLateTerminal(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	fin := fillEvent("BTCUSDT", 900, "web-f", types.StatusFilled, 1000)
	fin.CumulativeQty = "1"
	fin.AveragePrice = "50000"
	agg.processEvent(fin)

	// Same terminal status, different trade time: passes event dedup but
	// hits the finalized horizon.
	late := fillEvent("BTCUSDT", 900, "web-f", types.StatusFilled, 2000)
	late.CumulativeQty = "1"
	late.AveragePrice = "50000"
	agg.processEvent(late)

	if len(*got) != 1 {
		t.Errorf("notifications = %d, want 1", len(*got))
	}
}

func TestSmallAmountsGetFourDecimals(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(summaryWith("100000", nil))

	evt := fillEvent("SHIBUSDT", 1000, "web-s", types.StatusFilled, 1000)
	evt.CumulativeQty = "10"
	evt.AveragePrice = "0.025"
	agg.processEvent(evt)

	if len(*got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(*got))
	}
	if (*got)[0].CumulativeQuoteDisplay != "0.2500 USDT" {
		t.Errorf("CumulativeQuoteDisplay = %q, want 0.2500 USDT", (*got)[0].CumulativeQuoteDisplay)
	}
}

func TestLongShortRatioFinite(t *testing.T) {
	t.Parallel()

	positions := map[string]types.PositionSnapshot{
		"BTCUSDT:long":  {Direction: types.DirectionLong, Notional: decimal.NewFromInt(25000)},
		"ETHUSDT:short": {Direction: types.DirectionShort, Notional: decimal.NewFromInt(20000)},
	}
	display, raw := longShortRatio(summaryWith("100000", positions))
	if display != "1.25:1.00" {
		t.Errorf("display = %q", display)
	}
	if raw != "1.25:1" {
		t.Errorf("raw = %q", raw)
	}

	display, raw = longShortRatio(summaryWith("100000", nil))
	if display != "" || raw != "" {
		t.Errorf("no exposure: %q / %q, want empty", display, raw)
	}
}

func TestNilSummaryOmitsAccountAggregates(t *testing.T) {
	t.Parallel()

	agg, got, _ := newTestAggregator(nil)

	evt := fillEvent("BTCUSDT", 1100, "web-n", types.StatusFilled, 1000)
	evt.CumulativeQty = "1"
	evt.AveragePrice = "50000"
	agg.processEvent(evt)

	if len(*got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(*got))
	}
	n := (*got)[0]
	if n.CumulativeQuoteDisplay != "50000.00 USDT" {
		t.Errorf("CumulativeQuoteDisplay = %q", n.CumulativeQuoteDisplay)
	}
	if n.CumulativeQuoteRatioDisplay != "" || n.LongShortRatioDisplay != "" {
		t.Errorf("account aggregates present with nil summary: %q / %q",
			n.CumulativeQuoteRatioDisplay, n.LongShortRatioDisplay)
	}
}
