package models

import "time"

// TradeStatus represents the lifecycle of a trade.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Trade is a position opened by the engine.
type Trade struct {
	ID            string        `json:"id"`
	Symbol        string        `json:"symbol"`
	Side          Action        `json:"side"`
	Status        TradeStatus   `json:"status"`
	Qty           float64       `json:"qty"`
	EntryPrice    float64       `json:"entry_price"`
	Leverage      float64       `json:"leverage"`
	StopLoss      float64       `json:"stop_loss"`
	TakeProfit    float64       `json:"take_profit"`
	DecisionID    string        `json:"decision_id"`
	ExecutionMode ExecutionMode `json:"execution_mode"`
	ExitPrice     float64       `json:"exit_price,omitempty"`
	PnL           float64       `json:"pnl,omitempty"`
	OpenedAt      time.Time     `json:"opened_at"`
	ClosedAt      *time.Time    `json:"closed_at,omitempty"`
}

// TPLevel is one rung of a take-profit ladder.
type TPLevel struct {
	Price      float64 `json:"price"`
	Percentage float64 `json:"percentage"`
}

// TPOrderOutcome is the result of placing one ladder level.
type TPOrderOutcome struct {
	Level      int     `json:"level"`
	Price      float64 `json:"price"`
	Percentage float64 `json:"percentage"`
	Qty        float64 `json:"qty"`
	OrderID    string  `json:"order_id,omitempty"`
	OK         bool    `json:"ok"`
	Attempts   int     `json:"attempts"`
	Error      string  `json:"error,omitempty"`
}

// LadderResult is the result of placing a take-profit ladder.
type LadderResult struct {
	OK        bool             `json:"ok"`
	Total     int              `json:"total_levels"`
	Succeeded int              `json:"successful_levels"`
	TotalQty  float64          `json:"total_qty"`
	Orders    []TPOrderOutcome `json:"orders"`
}

// OCOResult is the result of placing an OCO pair with retries.
type OCOResult struct {
	OK        bool   `json:"ok"`
	OcoID     string `json:"oco_id,omitempty"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
}

// ProtectionResult summarizes exit protection for a position.
type ProtectionResult struct {
	OK             bool          `json:"ok"`
	SucceededCount int           `json:"succeeded_count"`
	OCO            *OCOResult    `json:"oco,omitempty"`
	Ladder         *LadderResult `json:"ladder,omitempty"`
}
