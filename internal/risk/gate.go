// Package risk implements the pre-trade guards and margin-capacity sizing.
package risk

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
)

// AllowRequest describes a candidate entry.
type AllowRequest struct {
	Symbol   string
	Entry    float64
	Side     models.Side
	Leverage float64
	StopLoss float64
}

// Gate runs every pre-trade guard against one market and account view.
type Gate struct {
	gw          exchange.Gateway
	cfg         config.RiskConfig
	liquidation *LiquidationGuard
	funding     *FundingGuard
	correlation *CorrelationEngine
	sizer       *Sizer
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger.
func WithGateLogger(l zerolog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics sets the metrics sink.
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// WithGateClock overrides time.Now.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a gate over gw.
func NewGate(gw exchange.Gateway, cfg config.RiskConfig, opts ...GateOption) *Gate {
	g := &Gate{
		gw:          gw,
		cfg:         cfg,
		liquidation: NewLiquidationGuard(cfg.LiqBufferK),
		funding: NewFundingGuard(gw, cfg.FundingWindowMinutes, cfg.FundingLimitBps, func(symbol string) float64 {
			return cfg.ForSymbol(symbol).FundingLimitBps
		}),
		correlation: NewCorrelationEngine(gw, cfg.CorrBars, cfg.CorrInterval, cfg.BetaBenchmark),
		sizer:       NewSizer(cfg),
		logger:      zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Correlation returns the gate's correlation engine.
func (g *Gate) Correlation() *CorrelationEngine { return g.correlation }

// Funding returns the gate's funding guard.
func (g *Gate) Funding() *FundingGuard { return g.funding }

// Sizer returns the gate's sizer.
func (g *Gate) Sizer() *Sizer { return g.sizer }

func (g *Gate) corrThreshold(symbol string) float64 {
	if o := g.cfg.ForSymbol(symbol); o.CorrThreshold > 0 {
		return o.CorrThreshold
	}
	if g.cfg.CorrThreshold > 0 {
		return g.cfg.CorrThreshold
	}
	return 0.85
}

// Allow runs the liquidation, funding and correlation guards concurrently and
// aggregates every failing reason. An error means a guard could not be evaluated.
func (g *Gate) Allow(ctx context.Context, req AllowRequest) (*models.RiskGateResult, error) {
	logger := logging.WithSymbol(g.logger, req.Symbol)
	now := g.now()

	var (
		liq, fund, corr  GuardOutcome
		fundErr, corrErr error
		wg               conc.WaitGroup
	)
	wg.Go(func() {
		liq = g.liquidation.Check(req.Entry, req.StopLoss, req.Leverage)
	})
	wg.Go(func() {
		fund, fundErr = g.funding.Check(ctx, req.Symbol, now)
	})
	wg.Go(func() {
		corr, corrErr = g.checkCorrelation(ctx, req.Symbol)
	})
	wg.Wait()

	if fundErr != nil {
		return nil, errors.Wrapf(fundErr, "funding guard %s", req.Symbol)
	}
	if corrErr != nil {
		return nil, errors.Wrapf(corrErr, "correlation guard %s", req.Symbol)
	}

	res := &models.RiskGateResult{OK: true, Reasons: []string{}, Details: map[string]interface{}{}}
	for _, o := range []GuardOutcome{liq, fund, corr} {
		for k, v := range o.Details {
			res.Details[k] = v
		}
		if !o.OK {
			res.OK = false
			res.Reasons = append(res.Reasons, o.Reason)
			g.metrics.GateRejection(o.Reason)
		}
	}
	delete(res.Details, "message")

	logging.LogGate(logger, req.Symbol, res.OK, res.Reasons)
	return res, nil
}

func (g *Gate) checkCorrelation(ctx context.Context, symbol string) (GuardOutcome, error) {
	open, err := exchange.OpenSymbols(ctx, g.gw, symbol)
	if err != nil {
		return GuardOutcome{}, err
	}
	threshold := g.corrThreshold(symbol)
	details := map[string]interface{}{
		"open_symbols": open,
		"rho_max":      threshold,
	}
	if len(open) == 0 {
		return pass(details), nil
	}

	rho, with, err := g.correlation.MaxAbsCorrelation(ctx, symbol, open)
	if err != nil {
		return GuardOutcome{}, err
	}
	details["rho"] = rho
	details["rho_symbol"] = with
	if rho > threshold {
		return block(models.ReasonHighCorrelation, details), nil
	}
	return pass(details), nil
}

// Size reads account state and instrument filters and sizes the position.
func (g *Gate) Size(ctx context.Context, symbol string, side models.Side, leverage, price float64) (*models.SizingResult, error) {
	account, err := g.gw.GetAccount(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "reading account")
	}
	inst, err := g.gw.GetInstrument(ctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "reading instrument %s", symbol)
	}

	var beta float64
	if g.cfg.BetaScaling {
		if beta, err = g.correlation.Beta(ctx, symbol); err != nil {
			g.logger.Warn().Err(err).Str("symbol", symbol).Msg("Beta unavailable, sizing without it")
			beta = 0
		}
	}

	res := g.sizer.SizeByIMCap(SizeRequest{
		Equity:            account.Equity,
		MarginUtilization: account.MarginUtilization,
		FreeCollateral:    account.FreeCollateral,
		Leverage:          leverage,
		Price:             price,
		Instrument:        *inst,
		Side:              side,
		Beta:              beta,
	})
	g.logger.Debug().
		Str("symbol", symbol).
		Float64("qty", res.Qty).
		Float64("leverage", res.Leverage).
		Str("band", string(res.RiskBand)).
		Float64("im_required", res.IMRequired).
		Msg("Position sized")
	return &res, nil
}
