// Package models provides domain models for the trading engine.
package models

import (
	"strings"
	"time"
)

// Action is a trade recommendation or management instruction.
type Action string

const (
	ActionLong     Action = "LONG"
	ActionShort    Action = "SHORT"
	ActionHold     Action = "HOLD"
	ActionClose    Action = "CLOSE"
	ActionNoTrade  Action = "NO_TRADE"
	ActionScaleIn  Action = "SCALE_IN"
	ActionScaleOut Action = "SCALE_OUT"
)

// IsDirectional reports whether the action opens exposure.
func (a Action) IsDirectional() bool {
	return a == ActionLong || a == ActionShort
}

// IsAbstain reports whether the action declines to trade.
func (a Action) IsAbstain() bool {
	return a == ActionNoTrade || a == ActionHold
}

// ParseAction normalizes provider output to an Action.
func ParseAction(s string) (Action, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "BUY":
		return ActionLong, true
	case "SHORT", "SELL":
		return ActionShort, true
	case "HOLD":
		return ActionHold, true
	case "CLOSE", "EXIT":
		return ActionClose, true
	case "NO_TRADE", "NO-TRADE", "NONE", "NOTRADE":
		return ActionNoTrade, true
	case "SCALE_IN":
		return ActionScaleIn, true
	case "SCALE_OUT":
		return ActionScaleOut, true
	}
	return "", false
}

// Side is the exchange order side.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// SideFor maps a directional action to its entry side.
func SideFor(a Action) Side {
	if a == ActionShort {
		return SideSell
	}
	return SideBuy
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Direction maps an order side back to the position direction.
func (s Side) Direction() Action {
	if s == SideSell {
		return ActionShort
	}
	return ActionLong
}

// ParseSide accepts exchange sides and position directions.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY", "LONG":
		return SideBuy, true
	case "SELL", "SHORT":
		return SideSell, true
	}
	return "", false
}

// Bar is one kline.
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Ticker holds the market state of a symbol at one instant.
type Ticker struct {
	Symbol          string    `json:"symbol"`
	LastPrice       float64   `json:"last_price"`
	BidPrice        float64   `json:"bid_price"`
	AskPrice        float64   `json:"ask_price"`
	BidSize         float64   `json:"bid_size"`
	AskSize         float64   `json:"ask_size"`
	MarkPrice       float64   `json:"mark_price"`
	FundingRate     float64   `json:"funding_rate"`
	NextFundingTime time.Time `json:"next_funding_time"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BestFor returns the best quoted price a taker on side would hit.
func (t *Ticker) BestFor(side Side) float64 {
	if side == SideBuy && t.AskPrice > 0 {
		return t.AskPrice
	}
	if side == SideSell && t.BidPrice > 0 {
		return t.BidPrice
	}
	return t.LastPrice
}

// MakerFor returns the best quoted price a maker on side would join: the bid
// for buys and the ask for sells. It is 0 when that side is not quoted.
func (t *Ticker) MakerFor(side Side) float64 {
	if side == SideBuy {
		return t.BidPrice
	}
	return t.AskPrice
}

// Instrument holds the trading filters of a symbol.
type Instrument struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	QtyStep     float64 `json:"qty_step"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	MaxLeverage float64 `json:"max_leverage"`
}

// AccountState is the margin view of the account.
type AccountState struct {
	Equity float64 `json:"equity"`
	// MarginUtilization is used initial margin over equity, in [0, 1].
	MarginUtilization float64 `json:"margin_utilization"`
	FreeCollateral    float64 `json:"free_collateral"`
}

// Position represents an open exchange position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	EntryPrice    float64 `json:"entry_price"`
	Leverage      float64 `json:"leverage"`
	MarkPrice     float64 `json:"mark_price"`
	UnrealisedPnL float64 `json:"unrealised_pnl"`
}

// IsOpen reports whether the position carries size.
func (p *Position) IsOpen() bool {
	return p != nil && p.Size > 0
}
