package notify

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-monitor/pkg/types"
)

func fieldValue(card Card, label string) (string, bool) {
	for _, f := range card.Fields {
		if f.Label == label {
			return f.Value, true
		}
	}
	return "", false
}

func TestBuildOrderCardFull(t *testing.T) {
	t.Parallel()

	n := types.Notification{
		Scenario:   types.ScenarioGeneralSingle,
		StateLabel: "成交",
		Title:      "BTCUSDT-其他",
		Event: types.OrderEvent{
			Side:         types.SideBuy,
			PositionSide: types.PositionLong,
		},
		DisplayPrice:                "45000.00000000",
		CumulativeQty:               "1",
		CumulativeQuoteDisplay:      "45000.00 USDT",
		CumulativeQuoteRatioDisplay: "45.00%",
		TradePnlDisplay:             "0.00 USDT",
		LongShortRatioDisplay:       "∞:1.00",
		EmittedAt:                   time.Now(),
	}

	card := BuildOrderCard(n)
	if card.Title != "BTCUSDT-其他" {
		t.Errorf("Title = %q", card.Title)
	}
	if card.Color != ColorGreen {
		t.Errorf("Color = %q, want green for 成交", card.Color)
	}

	want := map[string]string{
		"状态":     "成交",
		"方向":     "买入 (多)",
		"价格":     "45000.00000000",
		"数量":     "1",
		"累计成交额":  "45000.00 USDT",
		"占总资金比例": "45.00%",
		"已实现盈亏":  "0.00 USDT",
		"多空比":    "∞:1.00",
	}
	for label, value := range want {
		got, ok := fieldValue(card, label)
		if !ok {
			t.Errorf("missing field %q", label)
			continue
		}
		if got != value {
			t.Errorf("field %q = %q, want %q", label, got, value)
		}
	}
}

func TestBuildOrderCardOmitsAbsentFields(t *testing.T) {
	t.Parallel()

	n := types.Notification{
		Scenario:   types.ScenarioSLTPNew,
		StateLabel: "创建",
		Title:      "ETHUSDT-硬止损单",
		Event: types.OrderEvent{
			Side:         types.SideSell,
			PositionSide: types.PositionShort,
			OriginalQty:  "2.5",
		},
		DisplayPrice: "1800.00000000",
		EmittedAt:    time.Now(),
	}

	card := BuildOrderCard(n)
	if card.Color != ColorBlue {
		t.Errorf("Color = %q, want blue for 创建", card.Color)
	}
	if got, _ := fieldValue(card, "方向"); got != "卖出 (空)" {
		t.Errorf("方向 = %q", got)
	}
	// CumulativeQty empty: the original quantity stands in.
	if got, _ := fieldValue(card, "数量"); got != "2.5" {
		t.Errorf("数量 = %q, want original quantity", got)
	}
	for _, label := range []string{"累计成交额", "占总资金比例", "已实现盈亏", "多空比"} {
		if _, ok := fieldValue(card, label); ok {
			t.Errorf("creation card carries %q", label)
		}
	}
}

func TestStateColors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		label string
		color string
	}{
		{"成交", ColorGreen},
		{"部分成交", ColorOrange},
		{"创建", ColorBlue},
		{"取消", ColorGrey},
	}
	for _, tt := range tests {
		if got := stateColor(tt.label); got != tt.color {
			t.Errorf("stateColor(%q) = %q, want %q", tt.label, got, tt.color)
		}
	}
}

func TestBuildExpiryCard(t *testing.T) {
	t.Parallel()

	evt := types.OrderEvent{
		Symbol:       "BTCUSDT",
		Side:         types.SideBuy,
		PositionSide: types.PositionLong,
		OriginalQty:  "0.5",
	}
	cat := types.OrderCategory{TitleSuffix: "止盈"}
	card := BuildExpiryCard(evt, "超过有效期自动过期", cat, time.Now())

	if card.Title != "BTCUSDT-止盈" {
		t.Errorf("Title = %q", card.Title)
	}
	if card.Color != ColorGrey {
		t.Errorf("Color = %q", card.Color)
	}
	if got, _ := fieldValue(card, "状态"); got != "过期" {
		t.Errorf("状态 = %q", got)
	}
	if got, _ := fieldValue(card, "原因"); got != "超过有效期自动过期" {
		t.Errorf("原因 = %q", got)
	}
}

func alertEvent(typ types.AlertEventType, severity types.Severity) types.AlertEvent {
	return types.AlertEvent{
		Type: typ,
		Issue: types.ValidationIssue{
			Rule:      types.RuleLeverageLimit,
			BaseAsset: "BTC",
			Direction: types.DirectionLong,
			Severity:  severity,
			Message:   "BTC 杠杆超过上限",
		},
		FirstDetectedAt: time.Now(),
		TriggeredAt:     time.Now(),
	}
}

func TestDigestColor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		events []types.AlertEvent
		want   string
	}{
		{"empty", nil, ColorBlue},
		{"all recoveries", []types.AlertEvent{
			alertEvent(types.AlertEventRecovery, types.SeverityCritical),
			alertEvent(types.AlertEventRecovery, types.SeverityWarning),
		}, ColorGreen},
		{"critical alert wins", []types.AlertEvent{
			alertEvent(types.AlertEventAlert, types.SeverityWarning),
			alertEvent(types.AlertEventAlert, types.SeverityCritical),
			alertEvent(types.AlertEventRecovery, types.SeverityWarning),
		}, ColorRed},
		{"warning only", []types.AlertEvent{
			alertEvent(types.AlertEventAlert, types.SeverityWarning),
			alertEvent(types.AlertEventRecovery, types.SeverityCritical),
		}, ColorOrange},
	}
	for _, tt := range tests {
		if got := DigestColor(tt.events); got != tt.want {
			t.Errorf("%s: DigestColor = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBuildDigestCard(t *testing.T) {
	t.Parallel()

	value := decimal.NewFromInt(10)
	threshold := decimal.NewFromInt(5)
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	events := []types.AlertEvent{
		{
			Type: types.AlertEventAlert,
			Issue: types.ValidationIssue{
				Rule:      types.RuleLeverageLimit,
				BaseAsset: "BTC",
				Direction: types.DirectionLong,
				Severity:  types.SeverityWarning,
				Message:   "BTC 杠杆超过上限",
				Value:     &value,
				Threshold: &threshold,
			},
			FirstDetectedAt: now.Add(-time.Hour),
			TriggeredAt:     now,
		},
		{
			Type: types.AlertEventRecovery,
			Issue: types.ValidationIssue{
				Rule:      types.RuleTotalMarginUsage,
				BaseAsset: types.AccountAsset,
				Direction: types.DirectionGlobal,
				Severity:  types.SeverityCritical,
			},
			FirstDetectedAt: now.Add(-2 * time.Hour),
			TriggeredAt:     now,
		},
	}

	card := BuildDigestCard(events, now)
	if card.Title != "持仓风险巡检" {
		t.Errorf("Title = %q", card.Title)
	}
	if card.Color != ColorOrange {
		t.Errorf("Color = %q, want orange (warning alert present)", card.Color)
	}
	if got, ok := fieldValue(card, "[告警] 杠杆超限"); !ok || got != "BTC long" {
		t.Errorf("alert header = %q, %v", got, ok)
	}
	if got, ok := fieldValue(card, "[恢复] 总保证金使用率超限"); !ok || got != "账户" {
		t.Errorf("recovery header = %q, %v", got, ok)
	}
	if got, _ := fieldValue(card, "当前值"); got != "10" {
		t.Errorf("当前值 = %q", got)
	}
	if got, _ := fieldValue(card, "阈值"); got != "5" {
		t.Errorf("阈值 = %q", got)
	}
}

func TestRuleLabelFallback(t *testing.T) {
	t.Parallel()

	if got := RuleLabel(types.Rule("mystery_rule")); got != "mystery_rule" {
		t.Errorf("RuleLabel = %q", got)
	}
}
