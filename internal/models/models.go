package models

import "time"

// Side is the direction of a trade or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// EntryOrderSide maps the trade direction to the exchange order side
// used to open the position.
func (s Side) EntryOrderSide() string {
	if s == SideShort {
		return "SELL"
	}
	return "BUY"
}

// ExitOrderSide maps the trade direction to the exchange order side
// used to close or protect the position.
func (s Side) ExitOrderSide() string {
	if s == SideShort {
		return "BUY"
	}
	return "SELL"
}

// Candle is one OHLCV bar for a timeframe. Immutable once received.
type Candle struct {
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Tick is a single trade print from the live price stream.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// CompositeSignal is the per-cycle aggregation result across all
// configured timeframes. Total is recomputed from scratch every cycle.
type CompositeSignal struct {
	Timestamp       time.Time
	PerTimeframeSum map[string]int
	Total           int
}

// TradeIntent is created when the composite total crosses a threshold
// while no position and no safe-entry session are active.
type TradeIntent struct {
	Symbol       string
	Side         Side
	TriggeredAt  time.Time
	TriggerScore int
}

// Position mirrors the exchange's view of the open position. The engine
// treats it as a cache refreshed by query; the exchange is the source
// of truth.
type Position struct {
	Symbol       string
	Side         Side
	Quantity     float64
	EntryPrice   float64
	MarkPrice    float64
	UnrealizedPL float64
	Leverage     int
	OpenedAt     time.Time
}

// StopOrder is a conditional reduce-only order resting on the exchange.
type StopOrder struct {
	OrderID       int64
	Symbol        string
	Side          string // exchange order side, "BUY" or "SELL"
	StopPrice     float64
	ClosePosition bool
}

// SymbolFilters are the exchange-imposed quantization constraints for
// one symbol.
type SymbolFilters struct {
	StepSize    float64
	MinQty      float64
	MinNotional float64
	TickSize    float64
}
