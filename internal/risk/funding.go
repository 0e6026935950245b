package risk

import (
	"context"
	"math"
	"time"

	"sentinentx/internal/exchange"
	"sentinentx/internal/models"
	"sentinentx/pkg/utils"
)

// Entry timing relative to the funding settlement.
const (
	TimingOptimal = "optimal"
	TimingWait    = "wait"
	TimingSettled = "settled"
)

// FundingGuard blocks entries shortly before a settlement with an extreme funding rate.
type FundingGuard struct {
	gw            exchange.Gateway
	windowMinutes float64
	limitBps      float64
	// limitFor returns a per-symbol limit, 0 when there is none
	limitFor func(symbol string) float64
}

// NewFundingGuard creates a funding guard. A window or limit <= 0 disables it.
func NewFundingGuard(gw exchange.Gateway, windowMinutes, limitBps float64, limitFor func(string) float64) *FundingGuard {
	return &FundingGuard{gw: gw, windowMinutes: windowMinutes, limitBps: limitBps, limitFor: limitFor}
}

func (g *FundingGuard) limit(symbol string) float64 {
	if g.limitFor != nil {
		if l := g.limitFor(symbol); l > 0 {
			return l
		}
	}
	return g.limitBps
}

// Check blocks iff minutes to funding <= window and |rate| in bps > limit.
func (g *FundingGuard) Check(ctx context.Context, symbol string, now time.Time) (GuardOutcome, error) {
	limit := g.limit(symbol)
	if g.windowMinutes <= 0 || limit <= 0 {
		return pass(map[string]interface{}{"message": "funding guard disabled"}), nil
	}

	ticker, err := g.gw.GetTicker(ctx, symbol)
	if err != nil {
		return GuardOutcome{}, err
	}
	return fundingOutcome(ticker, now, g.windowMinutes, limit), nil
}

func fundingOutcome(t *models.Ticker, now time.Time, window, limit float64) GuardOutcome {
	if t.NextFundingTime.IsZero() {
		return pass(map[string]interface{}{"message": "no funding data"})
	}

	minutes := utils.MinutesBetween(now, t.NextFundingTime)
	bps := math.Abs(t.FundingRate) * 10000
	details := map[string]interface{}{
		"funding_bps":        utils.RoundTo(bps, 2),
		"minutes_to_funding": utils.RoundTo(minutes, 2),
		"window_minutes":     window,
		"limit_bps":          limit,
		"funding_rate":       t.FundingRate,
	}
	if minutes <= window && bps > limit {
		return block(models.ReasonFundingWindow, details)
	}
	return pass(details)
}

// FundingTiming describes where now sits relative to the next settlement.
type FundingTiming struct {
	Optimal          bool    `json:"optimal"`
	Status           string  `json:"status"`
	MinutesToFunding float64 `json:"minutes_to_funding"`
	FundingRate      float64 `json:"funding_rate"`
}

// OptimalEntryTiming reports whether now is a good time to enter: more than 30
// minutes before the settlement or more than 15 minutes after it.
func (g *FundingGuard) OptimalEntryTiming(ctx context.Context, symbol string, now time.Time) (*FundingTiming, error) {
	ticker, err := g.gw.GetTicker(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return entryTiming(ticker, now), nil
}

func entryTiming(t *models.Ticker, now time.Time) *FundingTiming {
	if t.NextFundingTime.IsZero() {
		return &FundingTiming{Optimal: true, Status: TimingOptimal, FundingRate: t.FundingRate}
	}
	minutes := t.NextFundingTime.Sub(now).Minutes()
	timing := &FundingTiming{MinutesToFunding: utils.RoundTo(minutes, 2), FundingRate: t.FundingRate}
	switch {
	case minutes > 30:
		timing.Optimal, timing.Status = true, TimingOptimal
	case minutes > 0:
		timing.Status = TimingWait
	case minutes > -15:
		timing.Status = TimingSettled
	default:
		timing.Optimal, timing.Status = true, TimingOptimal
	}
	return timing
}

// FundingAdjustedQty shrinks qty by 30% within 30 minutes of funding and by a
// further 20% when |rate| exceeds 0.1%.
func (g *FundingGuard) FundingAdjustedQty(ctx context.Context, symbol string, qty float64, now time.Time) (float64, float64, error) {
	ticker, err := g.gw.GetTicker(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	factor := fundingFactor(ticker, now)
	return qty * factor, factor, nil
}

func fundingFactor(t *models.Ticker, now time.Time) float64 {
	factor := 1.0
	if !t.NextFundingTime.IsZero() {
		minutes := t.NextFundingTime.Sub(now).Minutes()
		if minutes > 0 && minutes <= 30 {
			factor = 0.7
		}
	}
	if math.Abs(t.FundingRate) > 0.001 {
		factor *= 0.8
	}
	return factor
}
