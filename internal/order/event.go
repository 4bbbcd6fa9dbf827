// event.go validates raw user-data-stream messages and projects them into
// typed OrderEvents. Anything that is not a well-formed ORDER_TRADE_UPDATE
// is dropped silently (nil return); the stream also carries ACCOUNT_UPDATE
// and margin-call events this monitor does not consume.
package order

import (
	"encoding/json"
	"time"

	"futures-monitor/pkg/types"
)

// wireOrderUpdate is the ORDER_TRADE_UPDATE envelope with its single-letter
// field names.
type wireOrderUpdate struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	TxTime    int64     `json:"T"`
	Order     wireOrder `json:"o"`
}

type wireOrder struct {
	Symbol            string `json:"s"`
	ClientOrderID     string `json:"c"`
	OrigClientOrderID string `json:"C"`
	Side              string `json:"S"`
	PositionSide      string `json:"ps"`
	OrderType         string `json:"o"`
	ExecType          string `json:"x"`
	Status            string `json:"X"`
	OrderID           int64  `json:"i"`
	OrigQty           string `json:"q"`
	CumQty            string `json:"z"`
	LastQty           string `json:"l"`
	AvgPrice          string `json:"ap"`
	LastPrice         string `json:"L"`
	Price             string `json:"p"`
	StopPrice         string `json:"sp"`
	ActivationPrice   string `json:"AP"`
	CallbackRate      string `json:"cr"`
	RealizedPnL       string `json:"rp"`
	IsMaker           bool   `json:"m"`
	TradeTime         int64  `json:"T"`
}

// Normalize parses a raw stream message into an OrderEvent.
// Returns nil for messages that are not valid order updates.
func Normalize(raw []byte) *types.OrderEvent {
	var msg wireOrderUpdate
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	if msg.EventType != "ORDER_TRADE_UPDATE" {
		return nil
	}
	o := msg.Order
	if o.Symbol == "" || o.OrderID == 0 || o.Status == "" {
		return nil
	}

	status := types.OrderStatus(o.Status)
	if status == types.StatusExpiredInMatch {
		status = types.StatusExpired
	}

	tradeTime := o.TradeTime
	if tradeTime == 0 {
		tradeTime = msg.TxTime
	}

	return &types.OrderEvent{
		Symbol:                o.Symbol,
		OrderID:               o.OrderID,
		ClientOrderID:         o.ClientOrderID,
		OriginalClientOrderID: o.OrigClientOrderID,
		Side:                  types.Side(o.Side),
		PositionSide:          types.PositionSide(o.PositionSide),
		OrderType:             o.OrderType,
		ExecType:              o.ExecType,
		Status:                status,
		OriginalQty:           o.OrigQty,
		CumulativeQty:         o.CumQty,
		LastQty:               o.LastQty,
		AveragePrice:          o.AvgPrice,
		LastPrice:             o.LastPrice,
		OrderPrice:            o.Price,
		StopPrice:             o.StopPrice,
		ActivationPrice:       o.ActivationPrice,
		CallbackRate:          o.CallbackRate,
		RealizedPnL:           o.RealizedPnL,
		IsMaker:               o.IsMaker,
		EventTime:             time.UnixMilli(msg.EventTime),
		TradeTime:             time.UnixMilli(tradeTime),
	}
}
