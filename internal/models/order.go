package models

import "time"

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

// TimeInForce represents the order time-in-force.
type TimeInForce string

const (
	TIFPostOnly TimeInForce = "PostOnly"
	TIFIOC      TimeInForce = "IOC"
	TIFGTC      TimeInForce = "GTC"
)

// OrderStatus is the exchange-reported state of an order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
	StatusUntriggered     OrderStatus = "Untriggered"
	StatusUnknown         OrderStatus = "Unknown"
)

// OrderRequest is what the core asks the gateway to place.
type OrderRequest struct {
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Type        OrderType   `json:"type"`
	Qty         float64     `json:"qty"`
	Price       float64     `json:"price,omitempty"`
	TimeInForce TimeInForce `json:"time_in_force"`
	ReduceOnly  bool        `json:"reduce_only"`
	OrderLinkID string      `json:"order_link_id,omitempty"`
	TakeProfit  float64     `json:"take_profit,omitempty"`
	StopLoss    float64     `json:"stop_loss,omitempty"`
}

// OrderResult is the gateway's answer to an order request.
type OrderResult struct {
	Accepted     bool        `json:"accepted"`
	OrderID      string      `json:"order_id,omitempty"`
	OrderLinkID  string      `json:"order_link_id,omitempty"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgPrice     float64     `json:"avg_price"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// OcoRequest describes a reduce-only take-profit and stop-loss pair.
type OcoRequest struct {
	Symbol string `json:"symbol"`
	// Side is the side of the position being protected.
	Side         Side    `json:"side"`
	Qty          float64 `json:"qty"`
	TakeProfit   float64 `json:"take_profit"`
	StopLoss     float64 `json:"stop_loss"`
	TPLimitPrice float64 `json:"tp_limit_price,omitempty"`
	OrderLinkID  string  `json:"order_link_id,omitempty"`
}

// OcoResult is the gateway's answer to an OCO request.
type OcoResult struct {
	Accepted     bool        `json:"accepted"`
	OcoID        string      `json:"oco_id,omitempty"`
	Status       OrderStatus `json:"status"`
	RejectReason string      `json:"reject_reason,omitempty"`
}

// ExecutionMode is one rung of the entry ladder.
type ExecutionMode string

const (
	ModePostOnly  ExecutionMode = "POST_ONLY"
	ModeLimitIOC  ExecutionMode = "LIMIT_IOC"
	ModeMarketIOC ExecutionMode = "MARKET_IOC"
	ModeTWAPChunk ExecutionMode = "TWAP_CHUNK"
)

// Abort reasons recorded on order attempts and execution results.
const (
	AbortSlippageCap   = "SLIPPAGE_CAP_ENFORCED"
	AbortRejected      = "REJECTED"
	AbortMarketBlocked = "MARKET_BLOCKED"
	AbortOneWay        = "ONE_WAY_VIOLATION"
	AbortCancelled     = "CANCELLED"
	AbortUnfilled      = "UNFILLED_CANCELLED"
	AbortGatewayError  = "GATEWAY_ERROR"
	AbortInvalidInput  = "INVALID_INPUT"

	// AbortOrderStateUnknown ends a ladder whose last order could not be read
	// back; its fill is taken from the position instead.
	AbortOrderStateUnknown = "ORDER_STATE_UNKNOWN"
)

// OrderAttempt is the record of one execution ladder step.
type OrderAttempt struct {
	Mode         ExecutionMode `json:"mode"`
	OrderID      string        `json:"order_id,omitempty"`
	Price        float64       `json:"price"`
	RequestedQty float64       `json:"requested_qty"`
	FilledQty    float64       `json:"filled_qty"`
	AvgPrice     float64       `json:"avg_price"`
	AbortReason  string        `json:"abort_reason,omitempty"`
	Guard        string        `json:"guard,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ExecutionResult is the outcome of an entry attempt across the ladder.
type ExecutionResult struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
	// Mode is the last ladder step that filled anything, empty if none did.
	Mode         ExecutionMode  `json:"mode"`
	OrderID      string         `json:"order_id,omitempty"`
	RequestedQty float64        `json:"requested_qty"`
	FilledQty    float64        `json:"filled_qty"`
	Remainder    float64        `json:"remainder"`
	AvgPrice     float64        `json:"avg_price"`
	TakeProfit   float64        `json:"take_profit,omitempty"`
	StopLoss     float64        `json:"stop_loss,omitempty"`
	AbortReason  string         `json:"abort_reason,omitempty"`
	Attempts     []OrderAttempt `json:"attempts"`
}

// Filled reports whether any quantity was executed.
func (r *ExecutionResult) Filled() bool {
	return r.FilledQty > 0
}
