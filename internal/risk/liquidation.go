package risk

import (
	"math"

	"sentinentx/internal/models"
	"sentinentx/pkg/utils"
)

// DefaultLiqBufferK is the multiple of the 1/leverage liquidation band a stop must clear.
const DefaultLiqBufferK = 1.2

// GuardOutcome is the result of a single guard.
type GuardOutcome struct {
	OK      bool
	Reason  string
	Details map[string]interface{}
}

func pass(details map[string]interface{}) GuardOutcome {
	return GuardOutcome{OK: true, Details: details}
}

func block(reason string, details map[string]interface{}) GuardOutcome {
	return GuardOutcome{OK: false, Reason: reason, Details: details}
}

// LiquidationGuard rejects stops that sit too close to the liquidation price.
type LiquidationGuard struct {
	K float64
}

// NewLiquidationGuard creates a guard with buffer factor k.
func NewLiquidationGuard(k float64) *LiquidationGuard {
	if k <= 0 {
		k = DefaultLiqBufferK
	}
	return &LiquidationGuard{K: k}
}

// Check compares the stop distance with k * 100 / leverage, both in percent.
func (g *LiquidationGuard) Check(entry, stop, leverage float64) GuardOutcome {
	if entry <= 0 || !utils.IsFinite(entry) {
		return block(models.ReasonInvalidEntryPrice, map[string]interface{}{"entry": entry})
	}
	if leverage <= 0 || !utils.IsFinite(leverage) {
		return block(models.ReasonInvalidLeverage, map[string]interface{}{"leverage": leverage})
	}

	distance := math.Abs(entry-stop) / entry * 100
	minRequired := g.K * (100 / leverage)
	details := map[string]interface{}{
		"distance_pct":     utils.RoundTo(distance, 4),
		"min_required_pct": utils.RoundTo(minRequired, 4),
		"k_factor":         g.K,
		"leverage":         leverage,
	}
	if distance < minRequired {
		return block(models.ReasonLiqBuffer, details)
	}
	return pass(details)
}
