// aggregator.go is the per-order state machine. It consumes normalized
// order events on a single worker goroutine, deduplicates retransmissions,
// couples stop-order parents with their child executions, coalesces partial
// fills inside a sliding window, and emits exactly one notification per
// logical order outcome.
//
// Concurrency model: all context mutation happens on the Run goroutine.
// Window deadlines are time.AfterFunc handles whose only job is to enqueue
// a flush message on the same channel real events arrive on, so a timed
// emission never races an event for the same order.
package order

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/pkg/types"
)

const (
	// DefaultDedupTTL bounds event replay and finalized-context suppression.
	// Longer than the longest legitimate retransmission window, shorter than
	// a session.
	DefaultDedupTTL = 60 * time.Second

	// DefaultWindow is the partial-fill coalescing window.
	DefaultWindow = 10 * time.Second

	presentationTTL = 24 * time.Hour
	cleanupInterval = 30 * time.Second
)

// AccountProvider supplies the cached account summary for notification
// aggregates. Implementations never return an error: a failed refresh
// surfaces as the last cached summary, or nil.
type AccountProvider interface {
	Summary(ctx context.Context) *types.AccountSummary
}

// Notifier receives every emitted notification.
type Notifier func(types.Notification)

type aggMessage struct {
	evt *types.OrderEvent
	// flush fields, set when evt is nil
	flushKey      string
	flushScenario types.Scenario
}

// Aggregator routes order events to notifications.
type Aggregator struct {
	tracker  *Tracker
	accounts AccountProvider
	notify   Notifier
	logger   *slog.Logger

	window   time.Duration
	dedupTTL time.Duration

	msgCh chan aggMessage

	// Shadow state, touched only on the worker goroutine.
	dedup         map[string]time.Time // event identity → first seen
	finalized     map[string]time.Time // context key → terminal emission time
	suppressed    map[string]time.Time // symbol|parentClientID → child sighting
	presentations map[string]cachedPresentation

	runCtx context.Context
	now    func() time.Time
}

type cachedPresentation struct {
	category types.OrderCategory
	seenAt   time.Time
}

// NewAggregator wires the state machine. window and dedupTTL fall back to
// their defaults when zero.
func NewAggregator(tracker *Tracker, accounts AccountProvider, notify Notifier, window, dedupTTL time.Duration, logger *slog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Aggregator{
		tracker:       tracker,
		accounts:      accounts,
		notify:        notify,
		logger:        logger.With("component", "aggregator"),
		window:        window,
		dedupTTL:      dedupTTL,
		msgCh:         make(chan aggMessage, 256),
		dedup:         make(map[string]time.Time),
		finalized:     make(map[string]time.Time),
		suppressed:    make(map[string]time.Time),
		presentations: make(map[string]cachedPresentation),
		now:           time.Now,
	}
}

// HandleEvent enqueues an event for serial processing.
func (a *Aggregator) HandleEvent(evt *types.OrderEvent) {
	select {
	case a.msgCh <- aggMessage{evt: evt}:
	default:
		a.logger.Warn("aggregator queue full, dropping event",
			"symbol", evt.Symbol, "order_id", evt.OrderID)
	}
}

// Run processes events and flushes until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	a.runCtx = ctx
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.msgCh:
			if msg.evt != nil {
				a.processEvent(msg.evt)
			} else {
				a.processFlush(msg.flushKey, msg.flushScenario)
			}
		case <-ticker.C:
			a.cleanup()
		}
	}
}

// processEvent is the routing sequence: dedup, presentation, finalized
// check, tracker update, branch.
func (a *Aggregator) processEvent(evt *types.OrderEvent) {
	now := a.now()

	dk := dedupKey(evt)
	if seen, ok := a.dedup[dk]; ok && now.Sub(seen) < a.dedupTTL {
		a.logger.Debug("duplicate event dropped", "key", dk)
		return
	}
	a.dedup[dk] = now

	cat := a.resolvePresentation(evt, now)

	if cat.Source == types.SourceOther && evt.Status == types.StatusNew {
		return
	}

	key := evt.Key()
	if evt.Status.IsTerminal() {
		if at, ok := a.finalized[key]; ok && now.Sub(at) < a.dedupTTL {
			a.logger.Debug("event for finalized context dropped", "key", key)
			return
		}
	}

	ctx := a.tracker.Update(evt, cat)

	if ctx.Category.StopLike() {
		a.processStopLike(evt, ctx, now)
	} else {
		a.processGeneral(evt, ctx, now)
	}
}

// resolvePresentation classifies the event's client order id. Child
// executions (originalClientOrderId pointing at a stop parent) mark the
// parent as suppressed and inherit its cached presentation when their own
// id has no recognizable prefix.
func (a *Aggregator) resolvePresentation(evt *types.OrderEvent, now time.Time) types.OrderCategory {
	isChild := evt.OriginalClientOrderID != "" && evt.OriginalClientOrderID != evt.ClientOrderID
	if isChild {
		a.suppressed[presentationKey(evt.Symbol, evt.OriginalClientOrderID)] = now
	}

	cat := Classify(evt.ClientOrderID)
	if cat.Kind == types.KindOther && isChild {
		if parent, ok := a.presentations[presentationKey(evt.Symbol, evt.OriginalClientOrderID)]; ok {
			cat = parent.category
		}
	}
	if cat.Kind != types.KindOther {
		a.presentations[presentationKey(evt.Symbol, evt.ClientOrderID)] = cachedPresentation{category: cat, seenAt: now}
	}
	return cat
}

func (a *Aggregator) processStopLike(evt *types.OrderEvent, ctx *Context, now time.Time) {
	key := ctx.Key
	isChild := evt.OriginalClientOrderID != "" && evt.OriginalClientOrderID != evt.ClientOrderID

	switch evt.Status {
	case types.StatusNew:
		// The triggered child (MARKET/LIMIT execution) is not announced;
		// the parent's creation already was.
		if isChild || evt.OrderType == "MARKET" || evt.OrderType == "LIMIT" {
			return
		}
		a.emit(types.ScenarioSLTPNew, ctx, evt, now)

	case types.StatusPartiallyFilled:
		a.armWindow(key, types.ScenarioSLTPPartialTimeout)

	case types.StatusFilled:
		a.tracker.ClearPending(key)
		if _, ok := a.suppressed[presentationKey(evt.Symbol, evt.ClientOrderID)]; ok {
			// Parent of an already-announced child execution.
			a.finalize(key, now)
			return
		}
		if ctx.HadPartial {
			a.emit(types.ScenarioSLTPPartialCompleted, ctx, evt, now)
		} else {
			a.emit(types.ScenarioSLTPFilled, ctx, evt, now)
		}
		a.finalize(key, now)

	case types.StatusCanceled:
		a.tracker.ClearPending(key)
		if ctx.HadPartial {
			a.emit(types.ScenarioSLTPPartialCanceled, ctx, evt, now)
		} else {
			a.emit(types.ScenarioSLTPCanceled, ctx, evt, now)
		}
		a.finalize(key, now)

	case types.StatusExpired, types.StatusRejected:
		// Dispatcher announces expiry from its direct path.
		a.finalize(key, now)
	}
}

func (a *Aggregator) processGeneral(evt *types.OrderEvent, ctx *Context, now time.Time) {
	key := ctx.Key

	switch evt.Status {
	case types.StatusPartiallyFilled:
		a.armWindow(key, types.ScenarioGeneralTimeout)

	case types.StatusFilled:
		a.tracker.ClearPending(key)
		if ctx.HadPartial {
			a.emit(types.ScenarioGeneralAggregated, ctx, evt, now)
		} else {
			a.emit(types.ScenarioGeneralSingle, ctx, evt, now)
		}
		a.finalize(key, now)

	case types.StatusCanceled:
		if ctx.HadPartial {
			a.tracker.ClearPending(key)
			a.emit(types.ScenarioGeneralPartialCancel, ctx, evt, now)
		}
		a.finalize(key, now)

	case types.StatusExpired, types.StatusRejected:
		a.finalize(key, now)
	}
}

// armWindow (re)schedules the context's single-shot deadline. Firing only
// enqueues a flush message; the worker goroutine does the emission.
func (a *Aggregator) armWindow(key string, scenario types.Scenario) {
	timer := time.AfterFunc(a.window, func() {
		msg := aggMessage{flushKey: key, flushScenario: scenario}
		if a.runCtx != nil {
			select {
			case a.msgCh <- msg:
			case <-a.runCtx.Done():
			}
			return
		}
		select {
		case a.msgCh <- msg:
		default:
		}
	})
	a.tracker.SetPending(key, scenario, func() { timer.Stop() })
}

// processFlush handles a fired window deadline. The context may already be
// gone (a FILLED/CANCELED raced the timer and won); that is the normal
// no-op path.
func (a *Aggregator) processFlush(key string, scenario types.Scenario) {
	ctx := a.tracker.GetByKey(key)
	if ctx == nil {
		return
	}
	now := a.now()
	var last *types.OrderEvent
	if n := len(ctx.History); n > 0 {
		last = &ctx.History[n-1]
	}
	if last == nil {
		a.tracker.Delete(key)
		return
	}
	a.emit(scenario, ctx, last, now)
	// Timed emission destroys the context without finalizing it: a later
	// partial fill for the same order starts a fresh aggregation round.
	a.tracker.Delete(key)
}

// finalize destroys the context and blocks re-emission for the TTL horizon.
func (a *Aggregator) finalize(key string, now time.Time) {
	a.tracker.Delete(key)
	a.finalized[key] = now
}

func (a *Aggregator) cleanup() {
	now := a.now()
	for k, t := range a.dedup {
		if now.Sub(t) >= a.dedupTTL {
			delete(a.dedup, k)
		}
	}
	for k, t := range a.finalized {
		if now.Sub(t) >= a.dedupTTL {
			delete(a.finalized, k)
		}
	}
	for k, t := range a.suppressed {
		if now.Sub(t) >= a.dedupTTL {
			delete(a.suppressed, k)
		}
	}
	for k, p := range a.presentations {
		if now.Sub(p.seenAt) >= presentationTTL {
			delete(a.presentations, k)
		}
	}
}

// scenarioSpec drives per-scenario presentation.
type scenarioSpec struct {
	stateLabel        string
	priceFromOrder    bool // true: order price chain, false: average price chain
	includeCumulative bool
}

var scenarioSpecs = map[types.Scenario]scenarioSpec{
	types.ScenarioSLTPNew:              {stateLabel: "创建", priceFromOrder: true},
	types.ScenarioSLTPPartialTimeout:   {stateLabel: "部分成交", includeCumulative: true},
	types.ScenarioSLTPPartialCompleted: {stateLabel: "成交", includeCumulative: true},
	types.ScenarioSLTPFilled:           {stateLabel: "成交", includeCumulative: true},
	types.ScenarioSLTPPartialCanceled:  {stateLabel: "取消", includeCumulative: true},
	types.ScenarioSLTPCanceled:         {stateLabel: "取消", priceFromOrder: true},
	types.ScenarioGeneralTimeout:       {stateLabel: "部分成交", includeCumulative: true},
	types.ScenarioGeneralAggregated:    {stateLabel: "成交", includeCumulative: true},
	types.ScenarioGeneralSingle:        {stateLabel: "成交", includeCumulative: true},
	types.ScenarioGeneralPartialCancel: {stateLabel: "取消", includeCumulative: true},
}

// emit builds the structurally complete notification for a scenario and
// hands it to the registered callback.
func (a *Aggregator) emit(scenario types.Scenario, ctx *Context, evt *types.OrderEvent, now time.Time) {
	spec := scenarioSpecs[scenario]

	n := types.Notification{
		Scenario:      scenario,
		StateLabel:    spec.stateLabel,
		Title:         ctx.Title,
		Source:        ctx.Category.Source,
		Event:         *evt,
		Category:      ctx.Category,
		DisplayPrice:  selectDisplayPrice(spec.priceFromOrder, evt, ctx),
		CumulativeQty: ctx.CumulativeQty.String(),
		EmittedAt:     now,
	}

	if spec.includeCumulative && ctx.CumulativeQty.IsPositive() && ctx.CumulativeQuote.IsPositive() {
		quote := types.QuoteAsset(ctx.Symbol)
		n.CumulativeQuoteDisplay = formatAmount(ctx.CumulativeQuote) + " " + quote
		n.TradePnlDisplay = formatSigned(ctx.RealizedPnL) + " " + quote

		if summary := a.accounts.Summary(a.bgCtx()); summary != nil {
			if summary.TotalFunds.IsPositive() {
				ratio := ctx.CumulativeQuote.Div(summary.TotalFunds).Mul(decimal.NewFromInt(100))
				n.CumulativeQuoteRatioDisplay = ratio.StringFixed(2) + "%"
			}
			if strings.Contains(spec.stateLabel, "成交") {
				n.LongShortRatioDisplay, n.LongShortRatioRaw = longShortRatio(summary)
			}
		}
	}

	a.notify(n)
}

func (a *Aggregator) bgCtx() context.Context {
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

// selectDisplayPrice picks the price a card shows, formatted to 8 decimals.
//
// Average chain (fills, and any MARKET order): averagePrice, context's last
// average, last fill price, order price, stop price. Order chain (creation,
// plain cancels): order price, stop price, average, last fill price.
func selectDisplayPrice(fromOrder bool, evt *types.OrderEvent, ctx *Context) string {
	if fromOrder && evt.OrderType != "MARKET" {
		for _, d := range []decimal.Decimal{
			parseDec(evt.OrderPrice),
			parseDec(evt.StopPrice),
			parseDec(evt.AveragePrice),
			parseDec(evt.LastPrice),
		} {
			if d.IsPositive() {
				return d.StringFixed(8)
			}
		}
		return decimal.Zero.StringFixed(8)
	}

	for _, d := range []decimal.Decimal{
		parseDec(evt.AveragePrice),
		ctx.LastAveragePrice,
		parseDec(evt.LastPrice),
		parseDec(evt.OrderPrice),
		parseDec(evt.StopPrice),
	} {
		if d.IsPositive() {
			return d.StringFixed(8)
		}
	}
	return decimal.Zero.StringFixed(8)
}

// longShortRatio sums absolute notional per direction across the account's
// open positions. Returns empty strings when there is no exposure at all.
func longShortRatio(summary *types.AccountSummary) (display, raw string) {
	long := decimal.Zero
	short := decimal.Zero
	for _, pos := range summary.Positions {
		switch pos.Direction {
		case types.DirectionLong:
			long = long.Add(pos.Notional.Abs())
		case types.DirectionShort:
			short = short.Add(pos.Notional.Abs())
		}
	}
	switch {
	case long.IsZero() && short.IsZero():
		return "", ""
	case short.IsZero():
		return "∞:1.00", "Infinity:1"
	default:
		r := long.Div(short).Round(2)
		return r.StringFixed(2) + ":1.00", r.String() + ":1"
	}
}

// formatAmount renders a quote amount with 2 decimals, or 4 when the
// magnitude is below 1.
func formatAmount(d decimal.Decimal) string {
	if d.Abs().LessThan(decimal.NewFromInt(1)) {
		return d.StringFixed(4)
	}
	return d.StringFixed(2)
}

// formatSigned renders a PnL amount with an explicit plus on gains.
func formatSigned(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.IsPositive() {
		return "+" + s
	}
	return s
}

func dedupKey(evt *types.OrderEvent) string {
	return strings.Join([]string{
		evt.Symbol,
		strconv.FormatInt(evt.OrderID, 10),
		evt.ClientOrderID,
		string(evt.Status),
		evt.ExecType,
		strconv.FormatInt(evt.TradeTime.UnixMilli(), 10),
		evt.LastQty,
		evt.CumulativeQty,
	}, "|")
}

func presentationKey(symbol, clientOrderID string) string {
	return symbol + "|" + clientOrderID
}
