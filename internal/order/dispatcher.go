// dispatcher.go splits notifications between the two order sinks and
// announces order expiry. Fill-state notifications (成交 / 部分成交) go to
// the fill sink; creation and cancellation go to the life-cycle sink.
//
// The dispatcher keeps its own event-identity dedup, independent of the
// aggregator's: the expiry path delivers events the aggregator never emits
// for, and both paths must survive stream replay on their own.
package order

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"futures-monitor/internal/notify"
	"futures-monitor/pkg/types"
)

// Dispatcher routes cards to the life-cycle and fill sinks.
type Dispatcher struct {
	lifecycle notify.Sink
	fill      notify.Sink
	logger    *slog.Logger

	dedupTTL time.Duration
	mu       sync.Mutex
	seen     map[string]time.Time
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over the two sinks. dedupTTL falls
// back to the default horizon when zero.
func NewDispatcher(lifecycle, fill notify.Sink, dedupTTL time.Duration, logger *slog.Logger) *Dispatcher {
	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}
	return &Dispatcher{
		lifecycle: lifecycle,
		fill:      fill,
		logger:    logger.With("component", "dispatcher"),
		dedupTTL:  dedupTTL,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// DispatchNotification sends an aggregator notification to the proper sink.
func (d *Dispatcher) DispatchNotification(ctx context.Context, n types.Notification) {
	if d.duplicate("n|" + dedupKey(&n.Event)) {
		d.logger.Debug("duplicate notification dropped", "title", n.Title, "scenario", n.Scenario)
		return
	}

	card := notify.BuildOrderCard(n)
	sink := d.lifecycle
	if strings.Contains(n.StateLabel, "成交") {
		sink = d.fill
	}
	if err := sink.Send(ctx, card); err != nil {
		d.logger.Error("notification send failed, dropping",
			"title", n.Title, "scenario", n.Scenario, "error", err)
	}
}

// DispatchExpiry announces an expired order on the life-cycle sink.
// This path sees raw events directly: the aggregator destroys expired
// contexts without emitting.
func (d *Dispatcher) DispatchExpiry(ctx context.Context, evt *types.OrderEvent) {
	if d.duplicate("e|" + dedupKey(evt)) {
		d.logger.Debug("duplicate expiry dropped", "symbol", evt.Symbol, "order_id", evt.OrderID)
		return
	}

	cat := Classify(evt.ClientOrderID)
	card := notify.BuildExpiryCard(*evt, ExpiryReason(evt.ExecType), cat, d.now())
	if err := d.lifecycle.Send(ctx, card); err != nil {
		d.logger.Error("expiry send failed, dropping",
			"symbol", evt.Symbol, "order_id", evt.OrderID, "error", err)
	}
}

// ExpiryReason explains why an order expired, from the raw execution type.
func ExpiryReason(execType string) string {
	switch execType {
	case "EXPIRED_IN_MATCH":
		return "撮合过程中超时 (EXPIRED_IN_MATCH)"
	case "EXPIRED":
		return "超过有效期自动过期"
	case "":
		return "订单超时未成交"
	default:
		return "执行状态: " + execType
	}
}

func (d *Dispatcher) duplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seen, ok := d.seen[key]; ok && now.Sub(seen) < d.dedupTTL {
		return true
	}
	d.seen[key] = now

	// Opportunistic pruning keeps the map bounded without a sweeper.
	if len(d.seen) > 4096 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.dedupTTL {
				delete(d.seen, k)
			}
		}
	}
	return false
}
