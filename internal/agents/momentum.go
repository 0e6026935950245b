package agents

import (
	"context"
	"fmt"
	"math"

	"sentinentx/internal/indicators"
	"sentinentx/internal/models"
)

// MomentumProvider votes from the close relative to its moving average.
type MomentumProvider struct {
	BaseProvider
	atrK       float64
	smaPeriod  int
	atrPeriod  int
	rsiPeriod  int
	band       float64
	minStopPct float64
	liqK       float64
}

// NewMomentumProvider creates a rule-based provider.
func NewMomentumProvider(name string, enabled bool, atrK float64) *MomentumProvider {
	if atrK <= 0 {
		atrK = 1.5
	}
	return &MomentumProvider{
		BaseProvider: NewBaseProvider(name, enabled),
		atrK:         atrK,
		smaPeriod:    20,
		atrPeriod:    14,
		rsiPeriod:    14,
		band:         0.002,
		minStopPct:   0.02,
		liqK:         1.2,
	}
}

type momentumState struct {
	price    float64
	sma      float64
	atr      float64
	rsi      float64
	strength float64
}

func (p *MomentumProvider) state(snap models.Snapshot) (*momentumState, error) {
	bars := snap.Klines
	sma, err := indicators.NewSMA(p.smaPeriod).Calculate(bars)
	if err != nil {
		return nil, err
	}
	rsi, err := indicators.NewRSI(p.rsiPeriod).Calculate(bars)
	if err != nil {
		return nil, err
	}

	s := &momentumState{
		price: snap.Price,
		sma:   sma[len(sma)-1],
		rsi:   rsi[len(rsi)-1],
		atr:   snap.ATR,
	}
	if s.price <= 0 {
		s.price = bars[len(bars)-1].Close
	}
	if s.atr <= 0 {
		s.atr = indicators.LastATR(bars, p.atrPeriod)
	}
	if s.atr > 0 {
		s.strength = (s.price - s.sma) / s.atr
	}
	return s, nil
}

// Decide returns a vote for entry or management mode.
func (p *MomentumProvider) Decide(ctx context.Context, snap models.Snapshot) (*models.ProviderVote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := p.state(snap)
	if err != nil {
		return p.NewVote(snap, models.ActionNoTrade, 40, fmt.Sprintf("not enough bars: %v", err)), nil
	}

	if snap.Mode == models.ModeManage && snap.Position.IsOpen() {
		return p.manage(snap, s), nil
	}
	return p.entry(snap, s), nil
}

func (p *MomentumProvider) entry(snap models.Snapshot, s *momentumState) *models.ProviderVote {
	confidence := 55 + 15*math.Abs(s.strength)
	if confidence > 90 {
		confidence = 90
	}

	var action models.Action
	switch {
	case s.price > s.sma*(1+p.band) && s.rsi < 75:
		action = models.ActionLong
	case s.price < s.sma*(1-p.band) && s.rsi > 25:
		action = models.ActionShort
	default:
		return p.NewVote(snap, models.ActionNoTrade, 50,
			fmt.Sprintf("no trend: price %.4f vs SMA%d %.4f, RSI %.1f", s.price, p.smaPeriod, s.sma, s.rsi))
	}

	vote := p.NewVote(snap, action, confidence,
		fmt.Sprintf("price %.2f ATR from SMA%d, RSI %.1f", s.strength, p.smaPeriod, s.rsi))

	stopDist := math.Max(p.atrK*s.atr, s.price*p.minStopPct)
	if action == models.ActionLong {
		vote.StopLoss = s.price - stopDist
		vote.TakeProfit = s.price + 2*stopDist
	} else {
		vote.StopLoss = s.price + stopDist
		vote.TakeProfit = s.price - 2*stopDist
	}
	vote.Leverage = p.leverage(s.price, stopDist)
	return vote
}

// leverage is the lowest leverage whose liquidation buffer the stop distance satisfies.
func (p *MomentumProvider) leverage(price, stopDist float64) float64 {
	if price <= 0 || stopDist <= 0 {
		return 3
	}
	distPct := stopDist / price * 100
	lev := math.Ceil(p.liqK*100/distPct) + 1
	return math.Max(3, math.Min(75, lev))
}

func (p *MomentumProvider) manage(snap models.Snapshot, s *momentumState) *models.ProviderVote {
	dir := 1.0
	if snap.Position.Side == models.SideSell {
		dir = -1.0
	}
	aligned := s.strength * dir

	switch {
	case aligned < -0.5:
		vote := p.NewVote(snap, models.ActionClose, math.Min(90, 60+20*math.Abs(aligned)),
			fmt.Sprintf("trend reversed against position (%.2f ATR)", aligned))
		vote.QtyDeltaFactor = -1
		return vote
	case aligned > 2.5:
		vote := p.NewVote(snap, models.ActionScaleOut, 65,
			fmt.Sprintf("extended %.2f ATR in favour, taking some off", aligned))
		vote.QtyDeltaFactor = -0.25
		return vote
	case aligned > 1.5 && s.rsi > 40 && s.rsi < 60:
		vote := p.NewVote(snap, models.ActionScaleIn, 62,
			fmt.Sprintf("trend intact at %.2f ATR with neutral RSI", aligned))
		vote.QtyDeltaFactor = 0.25
		return vote
	}
	return p.NewVote(snap, models.ActionHold, 60, "position within trend")
}
