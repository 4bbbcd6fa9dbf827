// tracker.go keeps one aggregation context per in-flight order. Contexts
// accumulate fill quantity, quote notional and realized PnL across the
// events of a single order so a terminal notification can report totals
// instead of per-execution fragments.
package order

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/pkg/types"
)

// Context is the mutable aggregation state for one order, keyed by
// <symbol>:<orderId>:<clientOrderId>.
type Context struct {
	Key           string
	Symbol        string
	OrderID       int64
	ClientOrderID string

	// Presentation snapshot, stamped on insert and kept for the order's
	// whole life (a child execution may carry an unrecognizable id).
	Category types.OrderCategory
	Title    string

	CumulativeQty    decimal.Decimal
	CumulativeQuote  decimal.Decimal
	LastAveragePrice decimal.Decimal
	// RealizedPnL sums the per-event rp field. rp is treated as a delta per
	// event; see DESIGN.md for the assumption behind that.
	RealizedPnL decimal.Decimal

	LastStatus    types.OrderStatus
	LastEventTime time.Time
	HadPartial    bool
	History       []types.OrderEvent

	// At most one pending deadline per context.
	pendingScenario types.Scenario
	pendingCancel   func()
}

// Tracker is the in-memory context map. All mutation happens on the
// aggregator's single worker goroutine; the mutex only guards the timer
// callbacks' map reads.
type Tracker struct {
	mu       sync.Mutex
	contexts map[string]*Context
	logger   *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{
		contexts: make(map[string]*Context),
		logger:   logger.With("component", "tracker"),
	}
}

// Update upserts the context for the event's order and folds the event into
// its accumulators. The presentation is stamped only on insert.
func (t *Tracker) Update(evt *types.OrderEvent, cat types.OrderCategory) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := evt.Key()
	ctx, ok := t.contexts[key]
	if !ok {
		ctx = &Context{
			Key:           key,
			Symbol:        evt.Symbol,
			OrderID:       evt.OrderID,
			ClientOrderID: evt.ClientOrderID,
			Category:      cat,
			Title:         Title(evt.Symbol, cat),
		}
		t.contexts[key] = ctx
	}

	// cumulativeQty is monotonic non-decreasing across the order's events.
	cumQty := parseDec(evt.CumulativeQty)
	if cumQty.GreaterThan(ctx.CumulativeQty) {
		ctx.CumulativeQty = cumQty
	}

	// Recompute the quote notional from the freshest usable price. When the
	// exchange reports a zero average on an event that still carries filled
	// quantity, the last known average backfills it.
	avg := parseDec(evt.AveragePrice)
	if avg.IsZero() && ctx.CumulativeQty.IsPositive() {
		avg = ctx.LastAveragePrice
	}
	if avg.IsZero() {
		avg = parseDec(evt.LastPrice)
	}
	if avg.IsZero() {
		avg = parseDec(evt.OrderPrice)
	}
	if avg.IsPositive() {
		ctx.LastAveragePrice = avg
		ctx.CumulativeQuote = avg.Mul(ctx.CumulativeQty)
	}

	if evt.RealizedPnL != "" {
		pnl, err := decimal.NewFromString(evt.RealizedPnL)
		if err != nil {
			t.logger.Debug("unparseable realized pnl, treating as 0",
				"value", evt.RealizedPnL, "order", key)
		} else {
			ctx.RealizedPnL = ctx.RealizedPnL.Add(pnl)
		}
	}

	if evt.Status == types.StatusPartiallyFilled {
		ctx.HadPartial = true
	}
	ctx.LastStatus = evt.Status
	ctx.LastEventTime = evt.EventTime
	ctx.History = append(ctx.History, *evt)

	return ctx
}

// Get returns the context for an order identity, or nil.
func (t *Tracker) Get(symbol string, orderID int64, clientOrderID string) *Context {
	return t.GetByKey(types.ContextKey(symbol, orderID, clientOrderID))
}

// GetByKey returns the context for a canonical key, or nil.
func (t *Tracker) GetByKey(key string) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.contexts[key]
}

// SetPending records the context's single pending deadline: the scenario to
// emit on timeout plus the cancel handle. Any previous deadline is cancelled.
func (t *Tracker) SetPending(key string, scenario types.Scenario, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.contexts[key]
	if !ok {
		cancel()
		return
	}
	if ctx.pendingCancel != nil {
		ctx.pendingCancel()
	}
	ctx.pendingScenario = scenario
	ctx.pendingCancel = cancel
}

// ClearPending cancels the context's pending deadline, if any.
func (t *Tracker) ClearPending(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.contexts[key]; ok && ctx.pendingCancel != nil {
		ctx.pendingCancel()
		ctx.pendingCancel = nil
		ctx.pendingScenario = ""
	}
}

// Delete destroys a context, cancelling its pending deadline.
func (t *Tracker) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx, ok := t.contexts[key]; ok {
		if ctx.pendingCancel != nil {
			ctx.pendingCancel()
		}
		delete(t.contexts, key)
	}
}

// Len reports how many contexts are live.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// parseDec converts a decimal string, treating empty and malformed input
// as zero.
func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
