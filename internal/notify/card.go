// Package notify renders notification payloads into chat-webhook cards and
// posts them. Card structure is what the downstream chat service renders;
// the core treats it as opaque.
package notify

import (
	"time"

	"futures-monitor/pkg/types"
)

// Header colors understood by the chat service.
const (
	ColorGreen  = "green"
	ColorRed    = "red"
	ColorOrange = "orange"
	ColorBlue   = "blue"
	ColorGrey   = "grey"
)

// Field is one labelled row of a card body.
type Field struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Card is the webhook payload.
type Card struct {
	Title     string    `json:"title"`
	Color     string    `json:"color"`
	Fields    []Field   `json:"fields"`
	Timestamp time.Time `json:"timestamp"`
}

// BuildOrderCard renders a life-cycle or fill notification.
// Absent optional fields stay absent.
func BuildOrderCard(n types.Notification) Card {
	card := Card{
		Title:     n.Title,
		Color:     stateColor(n.StateLabel),
		Timestamp: n.EmittedAt,
	}

	card.add("状态", n.StateLabel)
	card.add("方向", directionLabel(n.Event.Side, n.Event.PositionSide))
	card.add("价格", n.DisplayPrice)
	if n.CumulativeQty != "" && n.CumulativeQty != "0" {
		card.add("数量", n.CumulativeQty)
	} else if n.Event.OriginalQty != "" {
		card.add("数量", n.Event.OriginalQty)
	}
	card.add("累计成交额", n.CumulativeQuoteDisplay)
	card.add("占总资金比例", n.CumulativeQuoteRatioDisplay)
	card.add("已实现盈亏", n.TradePnlDisplay)
	card.add("多空比", n.LongShortRatioDisplay)

	return card
}

// BuildExpiryCard renders the life-cycle card for an expired order.
func BuildExpiryCard(evt types.OrderEvent, reason string, cat types.OrderCategory, now time.Time) Card {
	card := Card{
		Title:     evt.Symbol + "-" + cat.TitleSuffix,
		Color:     ColorGrey,
		Timestamp: now,
	}
	card.add("状态", "过期")
	card.add("方向", directionLabel(evt.Side, evt.PositionSide))
	card.add("原因", reason)
	card.add("数量", evt.OriginalQty)
	return card
}

// ruleLabels translates rule identifiers for the digest card.
var ruleLabels = map[types.Rule]string{
	types.RuleWhitelistViolation: "白名单外持仓",
	types.RuleBlacklistViolation: "黑名单持仓",
	types.RuleConfigError:        "规则配置错误",
	types.RuleLeverageLimit:      "杠杆超限",
	types.RuleMarginShareLimit:   "保证金占比超限",
	types.RuleTotalMarginUsage:   "总保证金使用率超限",
	types.RuleFundingRateLimit:   "资金费率超限",
	types.RuleDataMissing:        "数据缺失",
	types.RuleOIShareLimit:       "持仓占OI比例超限",
	types.RuleOIMinimum:          "持仓量过低",
	types.RuleMarketCapMinimum:   "市值过低",
	types.RuleVolume24hMinimum:   "24小时成交量过低",
	types.RuleConcentrationHHI:   "市场集中度过高",
}

// RuleLabel returns the translated rule name.
func RuleLabel(rule types.Rule) string {
	if label, ok := ruleLabels[rule]; ok {
		return label
	}
	return string(rule)
}

// BuildDigestCard aggregates one validation tick's alert and recovery
// events into a single card.
//
// Header color: green when every event is a recovery, red when any critical
// alert remains, orange when any warning alert remains, blue otherwise.
func BuildDigestCard(events []types.AlertEvent, now time.Time) Card {
	card := Card{
		Title:     "持仓风险巡检",
		Color:     DigestColor(events),
		Timestamp: now,
	}

	for _, ev := range events {
		status := "告警"
		if ev.Type == types.AlertEventRecovery {
			status = "恢复"
		}

		subject := ev.Issue.BaseAsset
		if subject == types.AccountAsset {
			subject = "账户"
		}
		if ev.Issue.Direction != types.DirectionGlobal {
			subject += " " + ev.Issue.Direction
		}

		card.add("["+status+"] "+RuleLabel(ev.Issue.Rule), subject)
		if ev.Issue.Message != "" {
			card.add("说明", ev.Issue.Message)
		}
		if ev.Issue.Value != nil {
			card.add("当前值", ev.Issue.Value.String())
		}
		if ev.Issue.Threshold != nil {
			card.add("阈值", ev.Issue.Threshold.String())
		}
		for k, v := range ev.Issue.Details {
			card.add(k, v)
		}
		card.add("首次发现", ev.FirstDetectedAt.Format(time.RFC3339))
		card.add("触发时间", ev.TriggeredAt.Format(time.RFC3339))
	}

	return card
}

// DigestColor implements the digest header color rules.
func DigestColor(events []types.AlertEvent) string {
	if len(events) == 0 {
		return ColorBlue
	}
	allRecovery := true
	anyCritical := false
	anyWarning := false
	for _, ev := range events {
		if ev.Type == types.AlertEventRecovery {
			continue
		}
		allRecovery = false
		switch ev.Issue.Severity {
		case types.SeverityCritical:
			anyCritical = true
		case types.SeverityWarning:
			anyWarning = true
		}
	}
	switch {
	case allRecovery:
		return ColorGreen
	case anyCritical:
		return ColorRed
	case anyWarning:
		return ColorOrange
	default:
		return ColorBlue
	}
}

func (c *Card) add(label, value string) {
	if value == "" {
		return
	}
	c.Fields = append(c.Fields, Field{Label: label, Value: value})
}

func stateColor(stateLabel string) string {
	switch stateLabel {
	case "成交":
		return ColorGreen
	case "部分成交":
		return ColorOrange
	case "创建":
		return ColorBlue
	default:
		return ColorGrey
	}
}

func directionLabel(side types.Side, ps types.PositionSide) string {
	label := string(side)
	switch side {
	case types.SideBuy:
		label = "买入"
	case types.SideSell:
		label = "卖出"
	}
	switch ps {
	case types.PositionLong:
		label += " (多)"
	case types.PositionShort:
		label += " (空)"
	}
	return label
}
