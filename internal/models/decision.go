package models

import "time"

// SnapshotMode selects the decision being asked of providers.
type SnapshotMode string

const (
	ModeEntry  SnapshotMode = "ENTRY"
	ModeManage SnapshotMode = "MANAGE"
)

// Snapshot is the market and account context handed to providers.
type Snapshot struct {
	Symbol    string         `json:"symbol"`
	Mode      SnapshotMode   `json:"mode"`
	Price     float64        `json:"price"`
	ATR       float64        `json:"atr"`
	AtrK      float64        `json:"atr_k"`
	Ticker    *Ticker        `json:"ticker,omitempty"`
	Klines    []Bar          `json:"klines,omitempty"`
	Position  *Position      `json:"position,omitempty"`
	Account   *AccountState  `json:"account,omitempty"`
	Stage1    []ProviderVote `json:"stage1,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ProviderVote is one provider's opinion. It is not modified after creation.
type ProviderVote struct {
	ProviderID     string                 `json:"provider_id"`
	Action         Action                 `json:"action"`
	Confidence     float64                `json:"confidence"`
	Leverage       float64                `json:"leverage"`
	StopLoss       float64                `json:"stop_loss"`
	TakeProfit     float64                `json:"take_profit"`
	QtyDeltaFactor float64                `json:"qty_delta_factor"`
	Reason         string                 `json:"reason"`
	Raw            map[string]interface{} `json:"raw,omitempty"`
	Stage          int                    `json:"stage"`
	LatencyMs      int64                  `json:"latency_ms"`
	Timestamp      time.Time              `json:"timestamp"`
}

// Veto tags attached to a consensus reason.
const (
	VetoDeviation    = "DEV_VETO"
	VetoNone         = "NONE_VETO"
	VetoSchema       = "SCHEMA_FAIL"
	VetoOutOfRange   = "OUT_OF_RANGE"
	VetoRateLimit    = "RATE_LIMIT"
	VetoLowConf      = "LOW_CONFIDENCE"
	VetoInsufficient = "INSUFFICIENT_PROVIDERS"
)

// ConsensusResult is the vetted outcome of one decision round.
type ConsensusResult struct {
	ID              string             `json:"id"`
	Symbol          string             `json:"symbol"`
	Mode            SnapshotMode       `json:"mode"`
	Action          Action             `json:"action"`
	Confidence      float64            `json:"confidence"`
	Leverage        float64            `json:"leverage"`
	StopLoss        float64            `json:"stop_loss"`
	TakeProfit      float64            `json:"take_profit"`
	QtyDeltaFactor  float64            `json:"qty_delta_factor"`
	Reason          string             `json:"reason"`
	Vetoes          []string           `json:"vetoes,omitempty"`
	VetoDetails     []string           `json:"veto_details,omitempty"`
	Votes           []ProviderVote     `json:"votes"`
	Stage1Votes     []ProviderVote     `json:"stage1_votes,omitempty"`
	FailedProviders []string           `json:"failed_providers,omitempty"`
	MajorityCount   int                `json:"majority_count"`
	TieBreak        bool               `json:"tie_break"`
	WeightScores    map[Action]float64 `json:"weight_scores,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Vetoed reports whether any veto fired.
func (r *ConsensusResult) Vetoed() bool {
	return len(r.Vetoes) > 0
}

// HasVeto reports whether the given tag fired.
func (r *ConsensusResult) HasVeto(tag string) bool {
	for _, v := range r.Vetoes {
		if v == tag {
			return true
		}
	}
	return false
}

// Tradeable reports whether the result asks for a new position.
func (r *ConsensusResult) Tradeable() bool {
	return !r.Vetoed() && r.Action.IsDirectional()
}
