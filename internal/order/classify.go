// Package order implements the order-event pipeline: wire-message
// normalization, client-order-id classification, per-order aggregation
// contexts, the aggregation state machine, and notification dispatch.
package order

import (
	"strconv"
	"strings"

	"futures-monitor/pkg/types"
)

// Classify derives the order category from the client order id prefix.
// Input is trimmed and matched case-insensitively; prefixes are tested in
// priority order and the first match wins:
//
//	TW_<frame>  time-window stop for one chart time frame
//	TP<digits>  moving-stop ladder tier; bare TP is the take-profit umbrella
//	SL<digits>  hard stop tier; bare SL is a plain hard stop
//	FT          follow-trade trailing stop
//
// Anything else is OTHER.
func Classify(clientOrderID string) types.OrderCategory {
	trimmed := strings.TrimSpace(clientOrderID)
	id := strings.ToUpper(trimmed)

	// The chart time frame keeps its original casing ("4h", not "4H").
	if strings.HasPrefix(id, "TW_") {
		frame := cutAtSeparator(trimmed[len("TW_"):])
		return types.OrderCategory{
			Kind:        types.KindTimeWindow,
			TimeFrame:   frame,
			Source:      types.SourceStopLoss,
			TitleSuffix: frame + " 时间周期止损单",
		}
	}

	if rest, ok := strings.CutPrefix(id, "TP"); ok {
		level := leadingDigits(rest)
		cat := types.OrderCategory{Kind: types.KindTakeProfit, Level: level, Source: types.SourceTakeProfit}
		if level != nil {
			cat.TitleSuffix = "移动止损第" + strconv.Itoa(*level) + "档"
		} else {
			cat.TitleSuffix = "止盈"
		}
		return cat
	}

	if rest, ok := strings.CutPrefix(id, "SL"); ok {
		level := leadingDigits(rest)
		cat := types.OrderCategory{Kind: types.KindStopLoss, Level: level, Source: types.SourceStopLoss}
		if level != nil {
			cat.TitleSuffix = "硬止损第" + strconv.Itoa(*level) + "档"
		} else {
			cat.TitleSuffix = "硬止损单"
		}
		return cat
	}

	if strings.HasPrefix(id, "FT") {
		return types.OrderCategory{
			Kind:        types.KindFollowTrig,
			Source:      types.SourceTrailingStop,
			TitleSuffix: "跟踪交易止损",
		}
	}

	return types.OrderCategory{
		Kind:        types.KindOther,
		Source:      types.SourceOther,
		TitleSuffix: "其他",
	}
}

// Title builds the card header: "<symbol>-<titleSuffix>".
func Title(symbol string, cat types.OrderCategory) string {
	return symbol + "-" + cat.TitleSuffix
}

func cutAtSeparator(s string) string {
	if i := strings.IndexAny(s, "_-"); i >= 0 {
		return s[:i]
	}
	return s
}

func leadingDigits(s string) *int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return nil
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil
	}
	return &n
}
