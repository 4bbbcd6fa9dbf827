// Package position audits the account's aggregate position state: a rule
// engine evaluates each validation tick, an alert limiter applies cooldowns
// and emits recoveries, and the service loop stitches fetch → evaluate →
// limit → digest together.
package position

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"futures-monitor/internal/config"
	"futures-monitor/pkg/types"
)

// Fixed per-symbol market thresholds for this release.
var (
	oiShareThreshold        = decimal.NewFromFloat(0.02)
	minOpenInterestNotional = decimal.NewFromInt(2_000_000)
	minMarketCap            = decimal.NewFromInt(50_000_000)
	minVolume24h            = decimal.NewFromInt(1_000_000)
	maxHHI                  = decimal.NewFromFloat(0.2)
)

// Chinese labels for metric observations reported missing.
var metricLabels = map[string]string{
	"openInterestNotional": "持仓量",
	"marketCap":            "市值",
	"volume24h":            "24小时成交量",
	"hhi":                  "集中度",
}

// Engine evaluates the account context against the configured rule-set.
// Evaluation is deterministic and idempotent: same inputs, same issues, in
// the same order.
type Engine struct {
	rules  *config.RuleSet
	logger *slog.Logger
}

// NewEngine creates a rule engine over a loaded rule-set.
func NewEngine(rules *config.RuleSet, logger *slog.Logger) *Engine {
	return &Engine{
		rules:  rules,
		logger: logger.With("component", "rules"),
	}
}

// Evaluate runs the full rule battery: per-asset checks in asset order,
// then account-wide checks, then per-symbol market checks in symbol order.
func (e *Engine) Evaluate(acct *types.AccountContext, metrics map[string]types.SymbolMetrics) []types.ValidationIssue {
	var issues []types.ValidationIssue

	byAsset := make(map[string][]types.PositionSnapshot)
	bySymbol := make(map[string][]types.PositionSnapshot)
	for _, snap := range acct.Snapshots {
		byAsset[snap.BaseAsset] = append(byAsset[snap.BaseAsset], snap)
		bySymbol[snap.Symbol] = append(bySymbol[snap.Symbol], snap)
	}

	// Asset set: configured assets plus assets holding positions.
	assetSet := make(map[string]bool)
	for _, a := range e.rules.ConfiguredAssets() {
		assetSet[a] = true
	}
	for a := range byAsset {
		assetSet[a] = true
	}
	assets := make([]string, 0, len(assetSet))
	for a := range assetSet {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		issues = append(issues, e.evaluateAsset(asset, byAsset[asset], acct)...)
	}

	issues = append(issues, e.evaluateAccount(acct)...)

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	for _, symbol := range symbols {
		issues = append(issues, e.evaluateSymbol(symbol, bySymbol[symbol], metrics)...)
	}

	return issues
}

func (e *Engine) evaluateAsset(asset string, snaps []types.PositionSnapshot, acct *types.AccountContext) []types.ValidationIssue {
	rules := e.rules.Resolve(asset)
	var issues []types.ValidationIssue

	issue := func(rule types.Rule, direction string, severity types.Severity, msg string) types.ValidationIssue {
		return types.ValidationIssue{
			Rule:            rule,
			BaseAsset:       asset,
			Direction:       direction,
			Severity:        severity,
			Message:         msg,
			CooldownMinutes: rules.CooldownMinutes,
			NotifyRecovery:  rules.NotifyRecovery,
		}
	}

	hasLong := hasDirection(snaps, types.DirectionLong)
	hasShort := hasDirection(snaps, types.DirectionShort)

	// 1. config_error: the asset sits in both its own direction's whitelist
	// and blacklist. Peers in those lists are not consulted.
	if contains(rules.WhitelistLong, asset) && contains(rules.BlacklistLong, asset) {
		issues = append(issues, issue(types.RuleConfigError, types.DirectionLong, types.SeverityCritical,
			asset+" 同时出现在多头白名单与黑名单"))
	}
	if contains(rules.WhitelistShort, asset) && contains(rules.BlacklistShort, asset) {
		issues = append(issues, issue(types.RuleConfigError, types.DirectionShort, types.SeverityCritical,
			asset+" 同时出现在空头白名单与黑名单"))
	}

	// 2. whitelist_violation
	if rules.WhitelistLong != nil && !contains(rules.WhitelistLong, asset) && hasLong {
		issues = append(issues, issue(types.RuleWhitelistViolation, types.DirectionLong, types.SeverityCritical,
			asset+" 多头持仓不在白名单"))
	}
	if rules.WhitelistShort != nil && !contains(rules.WhitelistShort, asset) && hasShort {
		issues = append(issues, issue(types.RuleWhitelistViolation, types.DirectionShort, types.SeverityCritical,
			asset+" 空头持仓不在白名单"))
	}

	// 3. blacklist_violation
	if contains(rules.BlacklistLong, asset) && hasLong {
		issues = append(issues, issue(types.RuleBlacklistViolation, types.DirectionLong, types.SeverityCritical,
			asset+" 多头持仓命中黑名单"))
	}
	if contains(rules.BlacklistShort, asset) && hasShort {
		issues = append(issues, issue(types.RuleBlacklistViolation, types.DirectionShort, types.SeverityCritical,
			asset+" 空头持仓命中黑名单"))
	}

	// 4. leverage_limit, one issue per breached direction
	if rules.MaxLeverage != nil {
		for _, direction := range []string{types.DirectionLong, types.DirectionShort} {
			for _, snap := range snaps {
				if snap.Direction != direction || !snap.Leverage.GreaterThan(*rules.MaxLeverage) {
					continue
				}
				iss := issue(types.RuleLeverageLimit, direction, types.SeverityWarning,
					asset+" 杠杆超过上限")
				v := snap.Leverage
				iss.Value = &v
				iss.Threshold = rules.MaxLeverage
				issues = append(issues, iss)
				break
			}
		}
	}

	// 5. margin_share_limit, per direction
	if rules.MaxMarginShare != nil && acct.TotalMarginBalance.IsPositive() {
		for _, direction := range []string{types.DirectionLong, types.DirectionShort} {
			sum := decimal.Zero
			found := false
			for _, snap := range snaps {
				if snap.Direction == direction {
					sum = sum.Add(snap.InitialMargin.Abs())
					found = true
				}
			}
			if !found {
				continue
			}
			share := sum.Div(acct.TotalMarginBalance)
			if share.GreaterThan(*rules.MaxMarginShare) {
				iss := issue(types.RuleMarginShareLimit, direction, types.SeverityWarning,
					asset+" 保证金占比超过上限")
				iss.Value = &share
				iss.Threshold = rules.MaxMarginShare
				issues = append(issues, iss)
			}
		}
	}

	// 6. funding_rate_limit
	issues = append(issues, e.fundingIssues(asset, snaps, rules, issue)...)

	return issues
}

func (e *Engine) fundingIssues(asset string, snaps []types.PositionSnapshot, rules config.AssetRules,
	issue func(types.Rule, string, types.Severity, string) types.ValidationIssue) []types.ValidationIssue {

	var issues []types.ValidationIssue
	flagged := map[string]bool{}
	missing := map[string]bool{}

	for _, snap := range snaps {
		var threshold *decimal.Decimal
		breach := false
		switch snap.Direction {
		case types.DirectionShort:
			threshold = rules.FundingThresholdShort
			if threshold == nil {
				continue
			}
			if snap.PredictedFundingRate == nil {
				missing[snap.Direction] = true
				continue
			}
			breach = snap.PredictedFundingRate.LessThan(*threshold)
		case types.DirectionLong:
			threshold = rules.FundingThresholdLong
			if threshold == nil {
				continue
			}
			if snap.PredictedFundingRate == nil {
				missing[snap.Direction] = true
				continue
			}
			breach = snap.PredictedFundingRate.GreaterThan(*threshold)
		}

		if breach && !flagged[snap.Direction] {
			flagged[snap.Direction] = true
			iss := issue(types.RuleFundingRateLimit, snap.Direction, types.SeverityWarning,
				asset+" 资金费率越过阈值")
			v := *snap.PredictedFundingRate
			iss.Value = &v
			iss.Threshold = threshold
			issues = append(issues, iss)
		}
	}

	for _, direction := range []string{types.DirectionLong, types.DirectionShort} {
		if missing[direction] {
			issues = append(issues, issue(types.RuleDataMissing, direction, types.SeverityWarning,
				asset+" 缺少预测资金费率"))
		}
	}
	return issues
}

func (e *Engine) evaluateAccount(acct *types.AccountContext) []types.ValidationIssue {
	defaults := e.rules.Defaults

	if !acct.TotalMarginBalance.IsPositive() {
		return []types.ValidationIssue{{
			Rule:            types.RuleDataMissing,
			BaseAsset:       types.AccountAsset,
			Direction:       types.DirectionGlobal,
			Severity:        types.SeverityCritical,
			Message:         "总保证金余额缺失或为零",
			CooldownMinutes: defaults.CooldownMinutes,
			NotifyRecovery:  defaults.NotifyRecovery,
		}}
	}

	if e.rules.TotalMarginUsageLimit == nil {
		return nil
	}

	sum := decimal.Zero
	for _, snap := range acct.Snapshots {
		sum = sum.Add(snap.InitialMargin.Abs())
	}
	usage := sum.Div(acct.TotalMarginBalance)
	if !usage.GreaterThan(*e.rules.TotalMarginUsageLimit) {
		return nil
	}

	return []types.ValidationIssue{{
		Rule:            types.RuleTotalMarginUsage,
		BaseAsset:       types.AccountAsset,
		Direction:       types.DirectionGlobal,
		Severity:        types.SeverityCritical,
		Message:         "总保证金使用率超过上限",
		CooldownMinutes: defaults.CooldownMinutes,
		NotifyRecovery:  defaults.NotifyRecovery,
		Value:           &usage,
		Threshold:       e.rules.TotalMarginUsageLimit,
	}}
}

func (e *Engine) evaluateSymbol(symbol string, snaps []types.PositionSnapshot, metrics map[string]types.SymbolMetrics) []types.ValidationIssue {
	base := types.BaseAsset(symbol)
	rules := e.rules.Resolve(base)
	var issues []types.ValidationIssue

	issue := func(rule types.Rule, severity types.Severity, msg string, value, threshold *decimal.Decimal) types.ValidationIssue {
		return types.ValidationIssue{
			Rule:            rule,
			BaseAsset:       base,
			Direction:       types.DirectionGlobal,
			Severity:        severity,
			Message:         msg,
			CooldownMinutes: rules.CooldownMinutes,
			NotifyRecovery:  rules.NotifyRecovery,
			Value:           value,
			Threshold:       threshold,
		}
	}

	m, ok := metrics[symbol]
	if !ok {
		m = types.SymbolMetrics{}
	}
	var missingFields []string

	// 9. oi_share_limit
	if m.OpenInterestNotional != nil && m.OpenInterestNotional.IsPositive() {
		sum := decimal.Zero
		for _, snap := range snaps {
			sum = sum.Add(snap.Notional.Abs())
		}
		share := sum.Div(*m.OpenInterestNotional)
		if share.GreaterThan(oiShareThreshold) {
			issues = append(issues, issue(types.RuleOIShareLimit, types.SeverityCritical,
				symbol+" 持仓占未平仓量比例过高", &share, &oiShareThreshold))
		}
		// 10. oi_minimum
		if m.OpenInterestNotional.LessThan(minOpenInterestNotional) {
			issues = append(issues, issue(types.RuleOIMinimum, types.SeverityWarning,
				symbol+" 未平仓量过低", m.OpenInterestNotional, &minOpenInterestNotional))
		}
	} else {
		missingFields = append(missingFields, metricLabels["openInterestNotional"])
	}

	// 11. market_cap_minimum
	if m.MarketCap != nil {
		if m.MarketCap.LessThan(minMarketCap) {
			issues = append(issues, issue(types.RuleMarketCapMinimum, types.SeverityWarning,
				base+" 市值过低", m.MarketCap, &minMarketCap))
		}
	} else {
		missingFields = append(missingFields, metricLabels["marketCap"])
	}

	// 12. volume_24h_minimum
	if m.Volume24h != nil {
		if m.Volume24h.LessThan(minVolume24h) {
			issues = append(issues, issue(types.RuleVolume24hMinimum, types.SeverityWarning,
				base+" 24小时成交量过低", m.Volume24h, &minVolume24h))
		}
	} else {
		missingFields = append(missingFields, metricLabels["volume24h"])
	}

	// 13. concentration_hhi_limit
	if m.HHI != nil {
		if m.HHI.GreaterThan(maxHHI) {
			issues = append(issues, issue(types.RuleConcentrationHHI, types.SeverityWarning,
				base+" 市场集中度过高", m.HHI, &maxHHI))
		}
	} else {
		missingFields = append(missingFields, metricLabels["hhi"])
	}

	// 14. one data_missing naming every absent observation
	if len(missingFields) > 0 {
		iss := issue(types.RuleDataMissing, types.SeverityWarning,
			symbol+" 缺少市场指标: "+strings.Join(missingFields, "、"), nil, nil)
		iss.Details = map[string]string{"缺失字段": strings.Join(missingFields, "、")}
		issues = append(issues, iss)
	}

	return issues
}

func hasDirection(snaps []types.PositionSnapshot, direction string) bool {
	for _, s := range snaps {
		if s.Direction == direction {
			return true
		}
	}
	return false
}

func contains(list []string, asset string) bool {
	for _, a := range list {
		if a == asset {
			return true
		}
	}
	return false
}
