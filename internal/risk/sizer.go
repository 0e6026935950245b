package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"sentinentx/internal/config"
	"sentinentx/internal/models"
	"sentinentx/pkg/utils"
)

var (
	defaultBandThresholds = []float64{0.3, 0.6, 0.8}
	defaultBandIMCaps     = []float64{0.15, 0.10, 0.05, 0.02}
	defaultBandLeverage   = []float64{25, 15, 10, 5}
	bandOrder             = []models.RiskBand{models.BandLow, models.BandMedium, models.BandHigh, models.BandExtreme}
)

// SizeRequest is the input of margin-capacity sizing.
type SizeRequest struct {
	Equity            float64
	MarginUtilization float64
	FreeCollateral    float64
	Leverage          float64
	Price             float64
	Instrument        models.Instrument
	Side              models.Side
	// Beta scales qty down when beta scaling is enabled; 0 means unknown.
	Beta float64
}

// Sizer turns account state into an order quantity.
type Sizer struct {
	cfg config.RiskConfig
}

// NewSizer creates a sizer. Malformed band tables fall back to the defaults.
func NewSizer(cfg config.RiskConfig) *Sizer {
	if len(cfg.BandThresholds) != 3 || len(cfg.BandIMCaps) != 4 || len(cfg.BandMaxLeverage) != 4 {
		cfg.BandThresholds = defaultBandThresholds
		cfg.BandIMCaps = defaultBandIMCaps
		cfg.BandMaxLeverage = defaultBandLeverage
	}
	if cfg.FreeCollateralCap <= 0 {
		cfg.FreeCollateralCap = 0.8
	}
	if cfg.MaxQtyMultiplier <= 0 {
		cfg.MaxQtyMultiplier = 10
	}
	if cfg.MaxQtyAbsolute <= 0 {
		cfg.MaxQtyAbsolute = 1e6
	}
	if cfg.ShortQtyFactor <= 0 {
		cfg.ShortQtyFactor = 0.8
	}
	if cfg.QtyPrecision <= 0 {
		cfg.QtyPrecision = 8
	}
	if cfg.MinUnitRisk <= 0 {
		cfg.MinUnitRisk = 0.0001
	}
	return &Sizer{cfg: cfg}
}

// Band maps margin utilization to a band with its IM cap fraction and max leverage.
func (s *Sizer) Band(utilization float64) (models.RiskBand, float64, float64) {
	i := len(s.cfg.BandThresholds)
	for k, t := range s.cfg.BandThresholds {
		if utilization < t {
			i = k
			break
		}
	}
	return bandOrder[i], s.cfg.BandIMCaps[i], s.cfg.BandMaxLeverage[i]
}

// SizeByIMCap sizes a position so its initial margin stays within the band's
// share of available collateral.
func (s *Sizer) SizeByIMCap(req SizeRequest) models.SizingResult {
	if req.Price <= 0 || !utils.IsFinite(req.Price) {
		return models.SizingResult{Leverage: req.Leverage, RiskBand: models.BandExtreme}
	}

	band, capFraction, maxLev := s.Band(req.MarginUtilization)
	available := math.Max(0, math.Min(req.FreeCollateral, req.Equity*s.cfg.FreeCollateralCap))
	imCap := available * capFraction

	lev := math.Min(req.Leverage, maxLev)
	if req.Instrument.MaxLeverage > 0 {
		lev = math.Min(lev, req.Instrument.MaxLeverage)
	}
	res := models.SizingResult{Leverage: lev, RiskBand: band, IMCap: imCap, Beta: req.Beta}
	if lev <= 0 || imCap <= 0 {
		return res
	}

	qty := imCap * lev / req.Price
	if s.cfg.BetaScaling && req.Beta > 1 {
		qty /= req.Beta
	}

	res.Qty = s.finalize(qty, req.Equity, req.Instrument, req.Side)
	res.Notional = res.Qty * req.Price
	res.IMRequired = res.Notional / lev
	return res
}

// SizeByRisk sizes a position so a stop-out loses riskPct percent of equity.
func (s *Sizer) SizeByRisk(equity, riskPct, entry, stop float64, inst models.Instrument, side models.Side) float64 {
	unitRisk := math.Max(s.cfg.MinUnitRisk, math.Abs(entry-stop))
	riskAmount := math.Max(0, equity*riskPct/100)
	return s.finalize(riskAmount/unitRisk, equity, inst, side)
}

// RoundQty floors qty to the instrument step. It is 0 below the minimum qty.
func (s *Sizer) RoundQty(qty float64, inst models.Instrument) float64 {
	if qty <= 0 || !utils.IsFinite(qty) {
		return 0
	}
	d := floorToStep(decimal.NewFromFloat(qty), inst.QtyStep)
	if inst.MinQty > 0 && d.LessThan(decimal.NewFromFloat(inst.MinQty)) {
		return 0
	}
	out, _ := d.Round(s.cfg.QtyPrecision).Float64()
	return out
}

// finalize floors qty to the step, raises it to the minimum and applies the ceilings.
func (s *Sizer) finalize(qty, equity float64, inst models.Instrument, side models.Side) float64 {
	if qty <= 0 || !utils.IsFinite(qty) {
		return 0
	}

	d := floorToStep(decimal.NewFromFloat(qty), inst.QtyStep)
	if d.IsZero() {
		return 0
	}
	if minQty := decimal.NewFromFloat(inst.MinQty); inst.MinQty > 0 && d.LessThan(minQty) {
		d = minQty
	}

	ceiling := decimal.NewFromFloat(s.maxQty(equity, inst, side))
	if d.GreaterThan(ceiling) {
		d = floorToStep(ceiling, inst.QtyStep)
		if inst.MinQty > 0 && d.LessThan(decimal.NewFromFloat(inst.MinQty)) {
			return 0
		}
	}

	out, _ := d.Round(s.cfg.QtyPrecision).Float64()
	return math.Max(0, out)
}

func (s *Sizer) maxQty(equity float64, inst models.Instrument, side models.Side) float64 {
	mult := s.cfg.MaxQtyMultiplier
	if o := s.cfg.ForSymbol(inst.Symbol); o.MaxQtyMultiplier > 0 {
		mult = o.MaxQtyMultiplier
	}
	if side == models.SideSell {
		mult *= s.cfg.ShortQtyFactor
	}
	ceiling := math.Min(equity*mult, s.cfg.MaxQtyAbsolute)
	if inst.MaxQty > 0 {
		ceiling = math.Min(ceiling, inst.MaxQty)
	}
	return math.Max(0, ceiling)
}

// floorToStep rounds d down to a multiple of step; step <= 0 leaves it unchanged.
func floorToStep(d decimal.Decimal, step float64) decimal.Decimal {
	if step <= 0 {
		return d
	}
	st := decimal.NewFromFloat(step)
	return d.Div(st).Floor().Mul(st)
}

// FloorToStep is floorToStep over floats.
func FloorToStep(v, step float64) float64 {
	if v <= 0 || !utils.IsFinite(v) {
		return 0
	}
	out, _ := floorToStep(decimal.NewFromFloat(v), step).Float64()
	return out
}

// RoundToTick rounds a price to the nearest tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 || !utils.IsFinite(price) {
		return price
	}
	t := decimal.NewFromFloat(tick)
	out, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return out
}
