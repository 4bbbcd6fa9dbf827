// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the monitor: order events from
// the user-data stream, account and position snapshots, symbol market
// metrics, and the validation issues the rule engine produces. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the hedge-mode position bucket an order applies to.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionBoth  PositionSide = "BOTH"
)

// OrderStatus mirrors the exchange order-status vocabulary.
// ExpiredInMatch is normalized to Expired at the wire boundary; downstream
// code only ever sees the normalized value (the raw execution type is kept
// on the event for expiry-reason rendering).
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusExpiredInMatch  OrderStatus = "EXPIRED_IN_MATCH"
	StatusPendingCancel   OrderStatus = "PENDING_CANCEL"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the status ends the order's life on the exchange.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusExpired, StatusRejected:
		return true
	}
	return false
}

// OrderEvent is the immutable projection of one ORDER_TRADE_UPDATE message.
// Numeric fields are carried as decimal strings exactly as the exchange sent
// them, so no precision is lost before display or arithmetic.
type OrderEvent struct {
	Symbol                string
	OrderID               int64
	ClientOrderID         string
	OriginalClientOrderID string // set on child executions spawned by a stop/take-profit parent
	Side                  Side
	PositionSide          PositionSide
	OrderType             string // LIMIT, MARKET, STOP_MARKET, TAKE_PROFIT_MARKET, ...
	ExecType              string // raw execution type (NEW, TRADE, CANCELED, EXPIRED, EXPIRED_IN_MATCH, ...)
	Status                OrderStatus

	OriginalQty     string
	CumulativeQty   string
	LastQty         string
	AveragePrice    string
	LastPrice       string
	OrderPrice      string
	StopPrice       string
	ActivationPrice string
	CallbackRate    string
	RealizedPnL     string

	IsMaker   bool
	EventTime time.Time
	TradeTime time.Time
}

// Key is the canonical aggregation-context key for the event's order.
func (e *OrderEvent) Key() string {
	return ContextKey(e.Symbol, e.OrderID, e.ClientOrderID)
}

// ContextKey builds the canonical composite key for an order identity.
func ContextKey(symbol string, orderID int64, clientOrderID string) string {
	return symbol + ":" + strconv.FormatInt(orderID, 10) + ":" + clientOrderID
}

// CategoryKind distinguishes the stop-like order families encoded in the
// client-order-id prefix.
type CategoryKind string

const (
	KindTakeProfit CategoryKind = "TP"
	KindStopLoss   CategoryKind = "SL"
	KindFollowTrig CategoryKind = "FT"
	KindTimeWindow CategoryKind = "TW"
	KindOther      CategoryKind = "OTHER"
)

// Source labels shown on cards; the aggregator branches on these.
const (
	SourceTakeProfit   = "止盈"
	SourceStopLoss     = "止损"
	SourceTrailingStop = "追踪止损"
	SourceOther        = "其他"
)

// OrderCategory is the result of classifying a client order id.
type OrderCategory struct {
	Kind        CategoryKind
	Level       *int   // TP2 → 2; nil when the prefix carries no digits
	TimeFrame   string // TW_4h → "4h"
	Source      string // one of the Source* labels
	TitleSuffix string // free text appended to "<symbol>-" in the card header
}

// StopLike reports whether the order belongs to the stop/take-profit family.
func (c OrderCategory) StopLike() bool {
	return c.Kind != KindOther
}

// Scenario identifies the single logical outcome a notification announces.
type Scenario string

const (
	ScenarioSLTPNew              Scenario = "SLTP_NEW"
	ScenarioSLTPFilled           Scenario = "SLTP_FILLED"
	ScenarioSLTPPartialCompleted Scenario = "SLTP_PARTIAL_COMPLETED"
	ScenarioSLTPPartialTimeout   Scenario = "SLTP_PARTIAL_TIMEOUT"
	ScenarioSLTPCanceled         Scenario = "SLTP_CANCELED"
	ScenarioSLTPPartialCanceled  Scenario = "SLTP_PARTIAL_CANCELED"
	ScenarioGeneralSingle        Scenario = "GENERAL_SINGLE"
	ScenarioGeneralAggregated    Scenario = "GENERAL_AGGREGATED"
	ScenarioGeneralTimeout       Scenario = "GENERAL_TIMEOUT"
	ScenarioGeneralPartialCancel Scenario = "GENERAL_PARTIAL_CANCELED"
)

// Notification is the structurally complete payload handed to the dispatcher.
// Optional display fields stay empty when the scenario does not produce them.
type Notification struct {
	Scenario   Scenario
	StateLabel string // 创建 / 成交 / 部分成交 / 取消
	Title      string // "<symbol>-<titleSuffix>"
	Source     string
	Event      OrderEvent
	Category   OrderCategory

	DisplayPrice string // selected per scenario price source, 8 decimals

	CumulativeQty               string
	CumulativeQuoteDisplay      string // "45000.00 USDT"
	CumulativeQuoteRatioDisplay string // "45.00%"
	TradePnlDisplay             string // "+12.34 USDT" / "-3.00 USDT" / "0.00 USDT"
	LongShortRatioDisplay       string // "1.25:1.00", "∞:1.00", or empty
	LongShortRatioRaw           string // "1.25:1", "Infinity:1", or empty

	EmittedAt time.Time
}

// PositionSnapshot is one open position row, normalized from the account and
// position-risk endpoints.
type PositionSnapshot struct {
	BaseAsset            string // uppercase, quote asset stripped
	Symbol               string
	PositionAmt          decimal.Decimal // signed
	Notional             decimal.Decimal // absolute
	Leverage             decimal.Decimal
	InitialMargin        decimal.Decimal
	IsolatedMargin       decimal.Decimal
	MarginType           string // cross | isolated
	Direction            string // long | short
	MarkPrice            decimal.Decimal
	PredictedFundingRate *decimal.Decimal // nil when the premium index gave nothing
	UpdatedAt            time.Time
}

// AccountContext is one fetch of the account's aggregate state.
type AccountContext struct {
	TotalInitialMargin decimal.Decimal
	TotalMarginBalance decimal.Decimal
	AvailableBalance   decimal.Decimal
	Snapshots          []PositionSnapshot
	FetchedAt          time.Time
}

// SymbolMetrics carries per-symbol market observations; every field is
// nullable because each comes from a best-effort fetch.
type SymbolMetrics struct {
	OpenInterest         *decimal.Decimal // base units
	ReferencePrice       *decimal.Decimal
	OpenInterestNotional *decimal.Decimal
	MarketCap            *decimal.Decimal
	Volume24h            *decimal.Decimal
	HHI                  *decimal.Decimal
	FetchedAt            time.Time
}

// AccountSummary is the short-TTL cached account snapshot the order
// aggregator reads for total funds and long/short notional ratios.
type AccountSummary struct {
	TotalFunds decimal.Decimal
	Positions  map[string]PositionSnapshot // keyed "<symbol>:<direction>"
	FetchedAt  time.Time
}

// Rule names the checks the position rule engine runs.
type Rule string

const (
	RuleWhitelistViolation Rule = "whitelist_violation"
	RuleBlacklistViolation Rule = "blacklist_violation"
	RuleConfigError        Rule = "config_error"
	RuleLeverageLimit      Rule = "leverage_limit"
	RuleMarginShareLimit   Rule = "margin_share_limit"
	RuleTotalMarginUsage   Rule = "total_margin_usage"
	RuleFundingRateLimit   Rule = "funding_rate_limit"
	RuleDataMissing        Rule = "data_missing"
	RuleOIShareLimit       Rule = "oi_share_limit"
	RuleOIMinimum          Rule = "oi_minimum"
	RuleMarketCapMinimum   Rule = "market_cap_minimum"
	RuleVolume24hMinimum   Rule = "volume_24h_minimum"
	RuleConcentrationHHI   Rule = "concentration_hhi_limit"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Direction values used on validation issues.
const (
	DirectionLong   = "long"
	DirectionShort  = "short"
	DirectionGlobal = "global"
)

// AccountAsset is the pseudo-asset used for account-wide issues.
const AccountAsset = "__account__"

// ValidationIssue is one rule breach found during a validation tick.
// Identity for deduplication is (Rule, BaseAsset, Direction).
type ValidationIssue struct {
	Rule            Rule
	BaseAsset       string
	Direction       string
	Severity        Severity
	Message         string
	CooldownMinutes int
	NotifyRecovery  bool
	Value           *decimal.Decimal
	Threshold       *decimal.Decimal
	Details         map[string]string
}

// Identity returns the deduplication key for the issue.
func (i ValidationIssue) Identity() string {
	return string(i.Rule) + "|" + i.BaseAsset + "|" + i.Direction
}

// AlertEventType marks a limiter output as a fresh/repeat alert or a recovery.
type AlertEventType string

const (
	AlertEventAlert    AlertEventType = "alert"
	AlertEventRecovery AlertEventType = "recovery"
)

// AlertEvent is one entry of the per-tick alert digest.
type AlertEvent struct {
	Type            AlertEventType
	Issue           ValidationIssue
	Repeat          bool
	FirstDetectedAt time.Time
	TriggeredAt     time.Time
}

// Known quote assets, longest first so USDT is not mistaken inside BUSDT-style
// symbols. Matching is suffix based.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "USD", "BTC", "ETH", "BNB"}

// BaseAsset strips the quote asset from a trading-pair symbol:
// "ETHUSDT" → "ETH". Unknown quote suffixes return the symbol unchanged.
func BaseAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return s[:len(s)-len(q)]
		}
	}
	return s
}

// QuoteAsset returns the quote component of a trading-pair symbol,
// defaulting to USDT when the suffix is not recognized.
func QuoteAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return q
		}
	}
	return "USDT"
}
