package models

// Risk gate reason codes.
const (
	ReasonInvalidEntryPrice = "INVALID_ENTRY_PRICE"
	ReasonInvalidLeverage   = "INVALID_LEVERAGE"
	ReasonLiqBuffer         = "LIQ_BUFFER_INSUFFICIENT"
	ReasonFundingWindow     = "FUNDING_WINDOW_BLOCK"
	ReasonHighCorrelation   = "HIGH_CORRELATION_BLOCK"
)

// KnownGateReasons lists every code the gate may emit.
var KnownGateReasons = map[string]bool{
	ReasonInvalidEntryPrice: true,
	ReasonInvalidLeverage:   true,
	ReasonLiqBuffer:         true,
	ReasonFundingWindow:     true,
	ReasonHighCorrelation:   true,
}

// RiskGateResult is the composite allow/deny outcome of one open attempt.
type RiskGateResult struct {
	OK      bool                   `json:"ok"`
	Reasons []string               `json:"reasons"`
	Details map[string]interface{} `json:"details"`
}

// RiskBand is a margin-utilization tier.
type RiskBand string

const (
	BandLow     RiskBand = "LOW"
	BandMedium  RiskBand = "MEDIUM"
	BandHigh    RiskBand = "HIGH"
	BandExtreme RiskBand = "EXTREME"
)

// SizingResult is the output of margin-capacity sizing.
type SizingResult struct {
	Qty        float64  `json:"qty"`
	Leverage   float64  `json:"leverage"`
	IMRequired float64  `json:"im_required"`
	Notional   float64  `json:"notional"`
	RiskBand   RiskBand `json:"risk_band"`
	IMCap      float64  `json:"im_cap"`
	Beta       float64  `json:"beta,omitempty"`
}
