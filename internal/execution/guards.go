package execution

import (
	"math"

	"sentinentx/internal/indicators"
	"sentinentx/internal/models"
	"sentinentx/pkg/utils"
)

// Guard names recorded on market attempts.
const (
	GuardEmergencyExit     = "emergency_exit"
	GuardExtremeVolatility = "extreme_volatility"
	GuardLiquidityCrisis   = "liquidity_crisis"
)

// volatilityPeriod is the number of returns behind the volatility guard.
const volatilityPeriod = 20

// Guards carries the market conditions that may unlock a market order.
type Guards struct {
	// Volatility is the realized volatility of recent log returns.
	Volatility float64
	// Liquidity is the share of the order the touch can absorb, in [0, 1].
	// Zero means unknown and never trips the guard.
	Liquidity float64
	Emergency bool
}

// AssessGuards derives guard inputs from recent bars and the current quote.
func AssessGuards(bars []models.Bar, ticker *models.Ticker, side models.Side, qty float64) Guards {
	g := Guards{Volatility: indicators.RealizedVolatility(bars, volatilityPeriod)}
	if ticker == nil || qty <= 0 {
		return g
	}
	touch := ticker.AskSize
	if side == models.SideSell {
		touch = ticker.BidSize
	}
	if touch > 0 {
		g.Liquidity = math.Min(1, touch/qty)
	}
	return g
}

// active returns the name of the first tripped guard, empty when none is.
func (g Guards) active(volatilityLimit, liquidityLimit float64) string {
	switch {
	case g.Emergency:
		return GuardEmergencyExit
	case volatilityLimit > 0 && g.Volatility > volatilityLimit:
		return GuardExtremeVolatility
	case liquidityLimit > 0 && g.Liquidity > 0 && g.Liquidity < liquidityLimit:
		return GuardLiquidityCrisis
	}
	return ""
}

// FallbackStops returns stop-loss and take-profit levels 1% and 2% of price
// away per unit of k, with k floored at 0.1.
func FallbackStops(action models.Action, price, k float64) (sl, tp float64) {
	k = math.Max(0.1, k)
	if action == models.ActionShort {
		sl = price * (1 + 0.01*k)
		tp = price * (1 - 0.02*k)
	} else {
		sl = price * (1 - 0.01*k)
		tp = price * (1 + 0.02*k)
	}
	return utils.RoundTo(sl, 2), utils.RoundTo(tp, 2)
}
