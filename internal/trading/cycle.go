// Package trading runs the decision, gate and execution cycle for a symbol.
package trading

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/execution"
	"sentinentx/internal/indicators"
	"sentinentx/internal/lock"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/notify"
	"sentinentx/internal/protection"
	"sentinentx/internal/risk"
	"sentinentx/internal/store"
)

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeSkippedLocked Outcome = "SKIPPED_LOCKED"
	OutcomeNoTrade       Outcome = "NO_TRADE"
	OutcomeGateBlocked   Outcome = "GATE_BLOCKED"
	OutcomeSizeZero      Outcome = "SIZE_ZERO"
	OutcomeUnfilled      Outcome = "UNFILLED"
	OutcomeOpened        Outcome = "OPENED"
	OutcomeUnprotected   Outcome = "UNPROTECTED"
	OutcomeHold          Outcome = "HOLD"
	OutcomeClosed        Outcome = "CLOSED"
	OutcomeScaledIn      Outcome = "SCALED_IN"
	OutcomeScaledOut     Outcome = "SCALED_OUT"
	OutcomeError         Outcome = "ERROR"
)

// ReasonSizeZero is reported when sizing leaves nothing to trade.
const ReasonSizeZero = "SIZE_ZERO"

const atrPeriod = 14

// Decider produces consensus decisions.
type Decider interface {
	Decide(ctx context.Context, snap models.Snapshot) (*models.ConsensusResult, error)
	DecideManagement(ctx context.Context, snap models.Snapshot) (*models.ConsensusResult, error)
}

// CycleResult is the record of one run.
type CycleResult struct {
	CycleID    string                   `json:"cycle_id"`
	Symbol     string                   `json:"symbol"`
	Outcome    Outcome                  `json:"outcome"`
	Decision   *models.ConsensusResult  `json:"decision,omitempty"`
	Gate       *models.RiskGateResult   `json:"gate,omitempty"`
	Sizing     *models.SizingResult     `json:"sizing,omitempty"`
	Execution  *models.ExecutionResult  `json:"execution,omitempty"`
	Protection *models.ProtectionResult `json:"protection,omitempty"`
	Trade      *models.Trade            `json:"trade,omitempty"`
	Error      string                   `json:"error,omitempty"`
	StartedAt  time.Time                `json:"started_at"`
	Duration   time.Duration            `json:"duration"`
}

// Cycle wires every stage of a trading run.
type Cycle struct {
	gw        exchange.Gateway
	decider   Decider
	gate      *risk.Gate
	executor  *execution.Executor
	protector *protection.Manager
	locker    lock.Locker
	store     store.DataStore
	alerter   notify.Alerter
	cfg       *config.Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// Deps are the collaborators of a Cycle. Store and Alerter are optional.
type Deps struct {
	Gateway   exchange.Gateway
	Decider   Decider
	Gate      *risk.Gate
	Executor  *execution.Executor
	Protector *protection.Manager
	Locker    lock.Locker
	Store     store.DataStore
	Alerter   notify.Alerter
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// NewCycle creates a cycle runner.
func NewCycle(cfg *config.Config, deps Deps) *Cycle {
	c := &Cycle{
		gw:        deps.Gateway,
		decider:   deps.Decider,
		gate:      deps.Gate,
		executor:  deps.Executor,
		protector: deps.Protector,
		locker:    deps.Locker,
		store:     deps.Store,
		alerter:   deps.Alerter,
		cfg:       cfg,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if c.locker == nil {
		c.locker = lock.NewMemoryLocker(cfg.Lock.Wait)
	}
	if c.alerter == nil {
		c.alerter = notify.NopAlerter{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Run executes one cycle for symbol while holding its lock. A held lock ends
// the run with OutcomeSkippedLocked.
func (c *Cycle) Run(ctx context.Context, symbol string) (*CycleResult, error) {
	res := &CycleResult{
		CycleID:   uuid.NewString(),
		Symbol:    symbol,
		StartedAt: c.now(),
	}
	logger := logging.WithCycle(logging.WithSymbol(c.logger, symbol), res.CycleID)

	acquired, err := lock.WithLock(ctx, c.locker, lock.CycleKey(symbol), c.cfg.Lock.TTL, func(ctx context.Context) error {
		return c.run(logging.WithLogger(ctx, logger), logger, res)
	})
	if !acquired && err == nil {
		res.Outcome = OutcomeSkippedLocked
		logger.Info().Msg("Cycle skipped, symbol locked")
	}
	if err != nil {
		res.Error = err.Error()
		if res.Outcome == "" {
			res.Outcome = OutcomeError
		}
	}
	res.Duration = c.now().Sub(res.StartedAt)
	c.metrics.Cycle(string(res.Outcome))

	event := logger.Info()
	if err != nil {
		event = logger.Error().Err(err)
	}
	event.
		Str("event", "cycle").
		Str("outcome", string(res.Outcome)).
		Dur("duration", res.Duration).
		Msg("Cycle finished")

	if err != nil && res.Outcome == OutcomeError {
		c.notify(ctx, notify.SeverityWarning, symbol, "Cycle failed: "+err.Error(), map[string]interface{}{"cycle_id": res.CycleID})
	}
	return res, err
}

func (c *Cycle) run(ctx context.Context, logger zerolog.Logger, res *CycleResult) error {
	snap, err := c.snapshot(ctx, res.Symbol)
	if err != nil {
		return errors.Wrap(err, "building snapshot")
	}
	if snap.Position.IsOpen() {
		return c.manage(ctx, logger, res, snap)
	}
	return c.enter(ctx, logger, res, snap)
}

// Snapshot assembles the market and account view handed to providers.
func (c *Cycle) Snapshot(ctx context.Context, symbol string) (models.Snapshot, error) {
	return c.snapshot(ctx, symbol)
}

func (c *Cycle) snapshot(ctx context.Context, symbol string) (models.Snapshot, error) {
	ticker, err := c.gw.GetTicker(ctx, symbol)
	if err != nil {
		return models.Snapshot{}, errors.Wrapf(err, "ticker %s", symbol)
	}
	bars, err := c.gw.GetKlines(ctx, symbol, c.cfg.Trading.KlineInterval, c.cfg.Trading.KlineLimit)
	if err != nil {
		return models.Snapshot{}, errors.Wrapf(err, "klines %s", symbol)
	}
	pos, err := exchange.OpenPosition(ctx, c.gw, symbol)
	if err != nil {
		return models.Snapshot{}, errors.Wrapf(err, "position %s", symbol)
	}
	account, err := c.gw.GetAccount(ctx)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "account")
	}

	return models.Snapshot{
		Symbol:    symbol,
		Price:     ticker.LastPrice,
		ATR:       indicators.LastATR(bars, atrPeriod),
		AtrK:      c.cfg.Trading.AtrK,
		Ticker:    ticker,
		Klines:    bars,
		Position:  pos,
		Account:   account,
		Timestamp: c.now(),
	}, nil
}

// enter runs the entry path: consensus, gate, sizing, execution, protection.
func (c *Cycle) enter(ctx context.Context, logger zerolog.Logger, res *CycleResult, snap models.Snapshot) error {
	decision, err := c.decider.Decide(ctx, snap)
	if err != nil {
		return errors.Wrap(err, "entry consensus")
	}
	res.Decision = decision
	if !decision.Tradeable() {
		res.Outcome = OutcomeNoTrade
		return nil
	}

	action := decision.Action
	side := models.SideFor(action)
	price := snap.Price
	sl, tp := stopsFor(action, price, decision.StopLoss, decision.TakeProfit, snap.AtrK)

	gate, err := c.gate.Allow(ctx, risk.AllowRequest{
		Symbol:   res.Symbol,
		Entry:    price,
		Side:     side,
		Leverage: decision.Leverage,
		StopLoss: sl,
	})
	if err != nil {
		return errors.Wrap(err, "risk gate")
	}
	res.Gate = gate
	c.recordGate(ctx, logger, res.Symbol, gate)
	if !gate.OK {
		res.Outcome = OutcomeGateBlocked
		return nil
	}

	sizing, err := c.gate.Size(ctx, res.Symbol, side, decision.Leverage, price)
	if err != nil {
		return errors.Wrap(err, "sizing")
	}
	res.Sizing = sizing
	if sizing.Qty <= 0 {
		res.Outcome = OutcomeSizeZero
		res.Gate.Reasons = append(res.Gate.Reasons, ReasonSizeZero)
		return nil
	}
	if err := c.gw.SetLeverage(ctx, res.Symbol, sizing.Leverage); err != nil {
		return errors.Wrapf(err, "setting leverage %.0fx", sizing.Leverage)
	}

	exec, err := c.executor.OpenWithFallback(ctx, execution.OpenRequest{
		Symbol: res.Symbol,
		Action: action,
		Price:  price,
		Qty:    sizing.Qty,
		AtrK:   snap.AtrK,
		Guards: execution.AssessGuards(snap.Klines, snap.Ticker, side, sizing.Qty),
	})
	res.Execution = exec
	if exec != nil {
		c.saveAttempts(ctx, logger, res.CycleID, exec.Attempts)
	}
	if err != nil {
		return errors.Wrap(err, "execution")
	}
	if !exec.Filled() {
		res.Outcome = OutcomeUnfilled
		return nil
	}

	// Stops are re-anchored to the actual fill
	sl, tp = stopsFor(action, exec.AvgPrice, sl, tp, snap.AtrK)
	trade := &models.Trade{
		ID:            uuid.NewString(),
		Symbol:        res.Symbol,
		Side:          action,
		Status:        models.TradeOpen,
		Qty:           exec.FilledQty,
		EntryPrice:    exec.AvgPrice,
		Leverage:      sizing.Leverage,
		StopLoss:      sl,
		TakeProfit:    tp,
		DecisionID:    decision.ID,
		ExecutionMode: exec.Mode,
		OpenedAt:      c.now(),
	}
	res.Trade = trade
	if c.store != nil {
		if err := c.store.SaveTrade(ctx, trade); err != nil {
			logger.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to save trade")
		}
	}

	prot, perr := c.protector.AttachProtection(ctx, protection.AttachRequest{
		Symbol:     res.Symbol,
		Side:       side,
		Qty:        exec.FilledQty,
		Entry:      exec.AvgPrice,
		TakeProfit: tp,
		StopLoss:   sl,
		Levels:     LadderLevels(side, exec.AvgPrice, tp, c.cfg.Protection.TPLadderMultiple),
	})
	res.Protection = prot
	c.saveProtection(ctx, logger, trade.ID, prot)
	if perr != nil {
		res.Outcome = OutcomeUnprotected
		return perr
	}

	res.Outcome = OutcomeOpened
	return nil
}

// manage runs the management path for an open position.
func (c *Cycle) manage(ctx context.Context, logger zerolog.Logger, res *CycleResult, snap models.Snapshot) error {
	pos := snap.Position
	decision, err := c.decider.DecideManagement(ctx, snap)
	if err != nil {
		return errors.Wrap(err, "management consensus")
	}
	res.Decision = decision
	if decision.Vetoed() {
		res.Outcome = OutcomeHold
		return nil
	}

	switch decision.Action {
	case models.ActionClose:
		exec, err := c.executor.Close(ctx, res.Symbol)
		res.Execution = exec
		if err != nil {
			return errors.Wrap(err, "closing position")
		}
		if exec != nil {
			c.saveAttempts(ctx, logger, res.CycleID, exec.Attempts)
			if exec.Remainder > 0 {
				res.Outcome = OutcomeUnfilled
				return nil
			}
			c.closeTrades(ctx, logger, res.Symbol, exec.AvgPrice)
		}
		res.Outcome = OutcomeClosed
		return nil

	case models.ActionScaleIn:
		qty, err := c.deltaQty(ctx, res.Symbol, pos.Size, decision.QtyDeltaFactor)
		if err != nil {
			return err
		}
		if qty <= 0 {
			res.Outcome = OutcomeHold
			return nil
		}
		exec, err := c.executor.OpenWithFallback(ctx, execution.OpenRequest{
			Symbol: res.Symbol,
			Action: pos.Side.Direction(),
			Price:  snap.Price,
			Qty:    qty,
			AtrK:   snap.AtrK,
			Guards: execution.AssessGuards(snap.Klines, snap.Ticker, pos.Side, qty),
		})
		res.Execution = exec
		if exec != nil {
			c.saveAttempts(ctx, logger, res.CycleID, exec.Attempts)
		}
		if err != nil {
			return errors.Wrap(err, "scaling in")
		}
		if !exec.Filled() {
			res.Outcome = OutcomeUnfilled
			return nil
		}
		res.Outcome = OutcomeScaledIn
		return c.resize(ctx, logger, res, pos, exec.FilledQty, exec.AvgPrice)

	case models.ActionScaleOut:
		qty, err := c.deltaQty(ctx, res.Symbol, pos.Size, decision.QtyDeltaFactor)
		if err != nil {
			return err
		}
		if qty <= 0 {
			res.Outcome = OutcomeHold
			return nil
		}
		exec, err := c.executor.Reduce(ctx, res.Symbol, qty)
		res.Execution = exec
		if err != nil {
			return errors.Wrap(err, "scaling out")
		}
		if exec == nil || !exec.Filled() {
			res.Outcome = OutcomeUnfilled
			return nil
		}
		c.saveAttempts(ctx, logger, res.CycleID, exec.Attempts)
		res.Outcome = OutcomeScaledOut
		return c.resize(ctx, logger, res, pos, -exec.FilledQty, exec.AvgPrice)
	}

	res.Outcome = OutcomeHold
	return nil
}

// deltaQty converts a qty delta factor into an order quantity for the position.
func (c *Cycle) deltaQty(ctx context.Context, symbol string, size, factor float64) (float64, error) {
	inst, err := c.gw.GetInstrument(ctx, symbol)
	if err != nil {
		return 0, errors.Wrapf(err, "instrument %s", symbol)
	}
	qty := risk.FloorToStep(size*math.Abs(factor), inst.QtyStep)
	if qty < inst.MinQty {
		return 0, nil
	}
	return qty, nil
}

// resize updates the stored trade after a scale and relinks its OCO to the new size.
func (c *Cycle) resize(ctx context.Context, logger zerolog.Logger, res *CycleResult, pos *models.Position, delta, price float64) error {
	newSize := pos.Size + delta
	if c.store == nil {
		return nil
	}
	trades, err := c.store.GetOpenTrades(ctx, res.Symbol)
	if err != nil || len(trades) == 0 {
		logger.Warn().Err(err).Msg("No open trade to resize")
		return nil
	}
	trade := trades[0]
	if delta > 0 {
		trade.EntryPrice = (trade.EntryPrice*trade.Qty + price*delta) / (trade.Qty + delta)
	}
	trade.Qty = newSize
	res.Trade = &trade
	if err := c.store.UpdateTrade(ctx, &trade); err != nil {
		logger.Error().Err(err).Str("trade_id", trade.ID).Msg("Failed to update trade")
	}

	var oldID string
	if prev, err := c.store.GetProtection(ctx, trade.ID); err == nil && prev.OCO != nil {
		oldID = prev.OCO.OcoID
	}
	oco := c.protector.RelinkOCO(ctx, res.Symbol, oldID, pos.Side, newSize, trade.TakeProfit, trade.StopLoss)
	prot := &models.ProtectionResult{OK: oco.OK, OCO: oco}
	if oco.OK {
		prot.SucceededCount = 1
	}
	res.Protection = prot
	c.saveProtection(ctx, logger, trade.ID, prot)
	if !oco.OK {
		c.notify(ctx, notify.SeverityCritical, res.Symbol, "Position resized without protective stop", map[string]interface{}{
			"trade_id":   trade.ID,
			"qty":        newSize,
			"last_error": oco.LastError,
		})
		res.Outcome = OutcomeUnprotected
		return errors.Wrapf(errors.ErrUnprotected, "%s resized to %v", res.Symbol, newSize)
	}
	return nil
}

func (c *Cycle) closeTrades(ctx context.Context, logger zerolog.Logger, symbol string, exit float64) {
	if c.store == nil {
		return
	}
	trades, err := c.store.GetOpenTrades(ctx, symbol)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read open trades")
		return
	}
	for _, t := range trades {
		pnl := (exit - t.EntryPrice) * t.Qty
		if t.Side == models.ActionShort {
			pnl = -pnl
		}
		if err := c.store.CloseTrade(ctx, t.ID, exit, pnl, c.now()); err != nil {
			logger.Error().Err(err).Str("trade_id", t.ID).Msg("Failed to close trade")
		}
	}
}

func (c *Cycle) recordGate(ctx context.Context, logger zerolog.Logger, symbol string, gate *models.RiskGateResult) {
	if c.store == nil {
		return
	}
	if err := c.store.RecordGate(ctx, symbol, gate); err != nil {
		logger.Error().Err(err).Msg("Failed to record gate result")
	}
}

func (c *Cycle) saveAttempts(ctx context.Context, logger zerolog.Logger, cycleID string, attempts []models.OrderAttempt) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveAttempts(ctx, cycleID, attempts); err != nil {
		logger.Error().Err(err).Msg("Failed to save attempts")
	}
}

func (c *Cycle) saveProtection(ctx context.Context, logger zerolog.Logger, tradeID string, prot *models.ProtectionResult) {
	if c.store == nil || prot == nil {
		return
	}
	if err := c.store.SaveProtection(ctx, tradeID, prot); err != nil {
		logger.Error().Err(err).Str("trade_id", tradeID).Msg("Failed to save protection")
	}
}

func (c *Cycle) notify(ctx context.Context, sev notify.Severity, symbol, msg string, data map[string]interface{}) {
	if err := c.alerter.Alert(ctx, notify.Alert{
		Severity:  sev,
		Kind:      notify.KindCycle,
		Symbol:    symbol,
		Message:   msg,
		Data:      data,
		Timestamp: c.now(),
	}); err != nil {
		c.logger.Error().Err(err).Msg("Alert delivery failed")
	}
}

// stopsFor keeps sl and tp when they bracket price for action and otherwise
// falls back to ATR-scaled stops around price.
func stopsFor(action models.Action, price, sl, tp, k float64) (float64, float64) {
	long := action == models.ActionLong
	valid := sl > 0 && tp > 0 &&
		((long && sl < price && tp > price) || (!long && sl > price && tp < price))
	if valid {
		return sl, tp
	}
	return execution.FallbackStops(action, price, k)
}

// LadderLevels places take-profit levels at multiples of the entry-to-target
// distance. No multiples means no ladder.
func LadderLevels(side models.Side, entry, tp float64, multiples []float64) []models.TPLevel {
	if len(multiples) == 0 || entry <= 0 || tp <= 0 {
		return nil
	}
	dist := math.Abs(tp - entry)
	pct := 100 / float64(len(multiples))
	levels := make([]models.TPLevel, 0, len(multiples))
	for _, m := range multiples {
		if m <= 0 {
			continue
		}
		price := entry + dist*m
		if side == models.SideSell {
			price = entry - dist*m
		}
		if price <= 0 {
			continue
		}
		levels = append(levels, models.TPLevel{Price: price, Percentage: pct})
	}
	return levels
}
