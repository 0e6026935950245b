// Package execution places entries through a maker-first ladder that escalates
// to limit IOC, guarded market and TWAP slices, and reports every unfilled
// unit as remainder.
package execution

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/resilience"
	"sentinentx/internal/risk"
	"sentinentx/pkg/utils"
)

// finalReadAttempts bounds the reads of an order's state after its cancel.
const finalReadAttempts = 3

// Ladder variants.
const (
	LadderRich   = "rich"
	LadderSimple = "simple"
)

// OpenRequest describes an entry.
type OpenRequest struct {
	Symbol string
	Action models.Action
	Price  float64
	Qty    float64
	AtrK   float64
	Guards Guards
}

// Executor runs the entry ladder against a gateway.
type Executor struct {
	gw      exchange.Gateway
	cfg     config.ExecutionConfig
	ladder  string
	tracker *resilience.ExecutionQualityTracker
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLadder selects the rich or simple ladder.
func WithLadder(ladder string) Option {
	return func(e *Executor) {
		if ladder == LadderSimple {
			e.ladder = LadderSimple
		}
	}
}

// WithTracker records every attempt in an execution quality tracker.
func WithTracker(t *resilience.ExecutionQualityTracker) Option {
	return func(e *Executor) { e.tracker = t }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides time.Now for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an executor. Unset ladder parameters take their defaults.
func NewExecutor(gw exchange.Gateway, cfg config.ExecutionConfig, opts ...Option) *Executor {
	if cfg.SlippageCapBps <= 0 {
		cfg.SlippageCapBps = 50
	}
	if cfg.TWAPChunkFraction <= 0 || cfg.TWAPChunkFraction > 1 {
		cfg.TWAPChunkFraction = 0.25
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TWAPChunkInterval <= 0 {
		cfg.TWAPChunkInterval = cfg.FillTimeout
	}

	e := &Executor{
		gw:     gw,
		cfg:    cfg,
		ladder: LadderRich,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ladder returns the active ladder variant.
func (e *Executor) Ladder() string { return e.ladder }

// run is the state of one ladder execution.
type run struct {
	req   OpenRequest
	side  models.Side
	inst  models.Instrument
	ref   float64
	maker float64
	// start is the position exposure on side before the first order.
	start    float64
	filled   decimal.Decimal
	notional float64
	// halted stops the ladder after an order whose state could not be read.
	halted bool
	res    *models.ExecutionResult
	logger zerolog.Logger
}

func (e *Executor) newRun(ctx context.Context, req OpenRequest, side models.Side) *run {
	return &run{
		req:  req,
		side: side,
		res: &models.ExecutionResult{
			Symbol:       req.Symbol,
			Action:       req.Action,
			RequestedQty: req.Qty,
			Remainder:    req.Qty,
			Attempts:     []models.OrderAttempt{},
		},
		logger: logging.FromContext(ctx, logging.WithSymbol(e.logger, req.Symbol)),
	}
}

func (r *run) remaining() float64 {
	rem, _ := decimal.NewFromFloat(r.req.Qty).Sub(r.filled).Float64()
	return math.Max(0, rem)
}

func (r *run) done() bool {
	return r.remaining() <= 0
}

// exposure is the signed size of pos on the run's side: positive when pos
// is on side, negative when it is opposite.
func (r *run) exposure(pos *models.Position) float64 {
	if !pos.IsOpen() {
		return 0
	}
	if pos.Side == r.side {
		return pos.Size
	}
	return -pos.Size
}

// OpenWithFallback executes an entry of req.Qty. For valid input the result
// is never nil and FilledQty + Remainder equals the requested quantity; an
// error alongside it means a gateway read failed before the ladder started.
func (e *Executor) OpenWithFallback(ctx context.Context, req OpenRequest) (*models.ExecutionResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	r := e.newRun(ctx, req, models.SideFor(req.Action))

	pos, err := exchange.OpenPosition(ctx, e.gw, req.Symbol)
	if err != nil {
		return e.abort(r, models.AbortGatewayError), errors.Wrapf(err, "checking position %s", req.Symbol)
	}
	if pos.IsOpen() && pos.Side != r.side {
		r.logger.Warn().
			Str("position_side", string(pos.Side)).
			Float64("position_size", pos.Size).
			Msg("Opposite position open, entry aborted")
		return e.abort(r, models.AbortOneWay), nil
	}
	r.start = r.exposure(pos)

	inst, err := e.gw.GetInstrument(ctx, req.Symbol)
	if err != nil {
		return e.abort(r, models.AbortGatewayError), errors.Wrapf(err, "reading instrument %s", req.Symbol)
	}
	r.inst = *inst

	ticker, err := e.gw.GetTicker(ctx, req.Symbol)
	if err != nil {
		return e.abort(r, models.AbortGatewayError), errors.Wrapf(err, "reading ticker %s", req.Symbol)
	}
	r.ref = ticker.BestFor(r.side)
	if r.ref <= 0 {
		r.ref = req.Price
	}
	r.maker = ticker.MakerFor(r.side)
	if r.maker <= 0 {
		r.maker = req.Price
	}

	if e.ladder == LadderSimple {
		e.runSimple(ctx, r)
	} else {
		e.runRich(ctx, r)
	}
	return e.finish(r), nil
}

func validate(req OpenRequest) error {
	switch {
	case strings.TrimSpace(req.Symbol) == "":
		return errors.NewValidationError("symbol", req.Symbol, "is required")
	case !req.Action.IsDirectional():
		return errors.NewValidationError("action", req.Action, "must be LONG or SHORT")
	case req.Qty <= 0 || math.IsNaN(req.Qty) || math.IsInf(req.Qty, 0):
		return errors.NewValidationError("qty", req.Qty, "must be positive")
	case req.Price <= 0 || math.IsNaN(req.Price) || math.IsInf(req.Price, 0):
		return errors.NewValidationError("price", req.Price, "must be positive")
	}
	return nil
}

// runRich walks POST_ONLY, LIMIT_IOC, guarded MARKET_IOC and TWAP chunks.
func (e *Executor) runRich(ctx context.Context, r *run) {
	e.postOnly(ctx, r)
	if e.stopped(ctx, r) {
		return
	}

	capped := e.limitIOC(ctx, r)
	if e.stopped(ctx, r) {
		return
	}

	guard := r.req.Guards.active(e.cfg.VolatilityGuard, e.cfg.LiquidityGuard)
	switch {
	case guard != "":
		e.marketIOC(ctx, r, guard, 0, 0)
		if e.stopped(ctx, r) {
			return
		}
	case capped:
		r.res.AbortReason = models.AbortSlippageCap
		return
	default:
		e.blocked(r)
	}

	e.twap(ctx, r)
}

// runSimple walks POST_ONLY then a guarded MARKET_IOC carrying TP/SL.
func (e *Executor) runSimple(ctx context.Context, r *run) {
	e.postOnly(ctx, r)
	if e.stopped(ctx, r) {
		return
	}

	guard := r.req.Guards.active(e.cfg.VolatilityGuard, e.cfg.LiquidityGuard)
	if guard == "" {
		e.blocked(r)
		r.res.AbortReason = models.AbortMarketBlocked
		return
	}
	sl, tp := FallbackStops(r.req.Action, r.req.Price, r.req.AtrK)
	e.marketIOC(ctx, r, guard, tp, sl)
}

// postOnly joins the maker side of the book: the bid for buys, the ask for sells.
func (e *Executor) postOnly(ctx context.Context, r *run) {
	e.place(ctx, r, models.ModePostOnly, &models.OrderRequest{
		Symbol:      r.req.Symbol,
		Side:        r.side,
		Type:        models.OrderTypeLimit,
		Qty:         r.remaining(),
		Price:       risk.RoundToTick(r.maker, r.inst.TickSize),
		TimeInForce: models.TIFPostOnly,
	}, e.cfg.FillTimeout, "")
}

// limitIOC places an IOC limit capped at ref ± cap bps. It reports true when
// a fresh quote has already moved beyond the cap and nothing was sent.
func (e *Executor) limitIOC(ctx context.Context, r *run) bool {
	capBps := e.cfg.SlippageCapBps
	offset := r.ref * capBps / 10000
	price := r.ref + offset
	if r.side == models.SideSell {
		price = r.ref - offset
	}
	price = risk.RoundToTick(price, r.inst.TickSize)
	qty := r.remaining()

	ticker, err := e.gw.GetTicker(ctx, r.req.Symbol)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Fresh quote unavailable, placing at capped price")
	} else if current := ticker.BestFor(r.side); current > 0 {
		deviation := math.Abs(current-r.ref) / r.ref * 10000
		if deviation > capBps {
			r.logger.Warn().
				Float64("reference", r.ref).
				Float64("current", current).
				Float64("deviation_bps", deviation).
				Float64("cap_bps", capBps).
				Msg("Price moved beyond slippage cap")
			e.record(r, models.OrderAttempt{
				Mode:         models.ModeLimitIOC,
				Price:        price,
				RequestedQty: qty,
				AbortReason:  models.AbortSlippageCap,
				Timestamp:    e.now(),
			}, e.now())
			return true
		}
	}

	e.place(ctx, r, models.ModeLimitIOC, &models.OrderRequest{
		Symbol:      r.req.Symbol,
		Side:        r.side,
		Type:        models.OrderTypeLimit,
		Qty:         qty,
		Price:       price,
		TimeInForce: models.TIFIOC,
	}, e.cfg.FillTimeout, "")
	return false
}

func (e *Executor) marketIOC(ctx context.Context, r *run, guard string, tp, sl float64) {
	r.logger.Info().Str("guard", guard).Msg("Market order unlocked by guard")
	e.place(ctx, r, models.ModeMarketIOC, &models.OrderRequest{
		Symbol:      r.req.Symbol,
		Side:        r.side,
		Type:        models.OrderTypeMarket,
		Qty:         r.remaining(),
		TimeInForce: models.TIFIOC,
		TakeProfit:  tp,
		StopLoss:    sl,
	}, e.cfg.FillTimeout, guard)
}

// blocked records a market step that no guard allowed.
func (e *Executor) blocked(r *run) {
	e.record(r, models.OrderAttempt{
		Mode:         models.ModeMarketIOC,
		RequestedQty: r.remaining(),
		AbortReason:  models.AbortMarketBlocked,
		Timestamp:    e.now(),
	}, e.now())
}

// place sends one order and waits up to wait for a resting order to settle.
// Whatever is still open afterwards is cancelled, and the attempt records the
// final fill. When the final state cannot be read the fill is taken from the
// position and the run is halted.
func (e *Executor) place(ctx context.Context, r *run, mode models.ExecutionMode, order *models.OrderRequest, wait time.Duration, guard string) models.OrderAttempt {
	started := e.now()
	order.OrderLinkID = uuid.NewString()
	attempt := models.OrderAttempt{
		Mode:         mode,
		Price:        order.Price,
		RequestedQty: order.Qty,
		Guard:        guard,
		Timestamp:    started,
	}

	result, err := e.gw.CreateOrder(ctx, order)
	switch {
	case err != nil:
		attempt.AbortReason = models.AbortGatewayError
		if ctx.Err() != nil {
			attempt.AbortReason = models.AbortCancelled
		}
		r.logger.Error().Err(err).Str("mode", string(mode)).Msg("Order placement failed")
		e.record(r, attempt, started)
		return attempt
	case !result.Accepted:
		attempt.OrderID = result.OrderID
		attempt.AbortReason = models.AbortRejected
		r.logger.Info().Str("mode", string(mode)).Str("reason", result.RejectReason).Msg("Order rejected")
		e.record(r, attempt, started)
		return attempt
	}

	attempt.OrderID = result.OrderID
	if isResting(result.Status) {
		final, err := e.awaitFill(ctx, r, result.OrderID, wait)
		if err != nil {
			e.reconcile(ctx, r, &attempt, order, err)
			e.record(r, attempt, started)
			return attempt
		}
		result = final
	}

	attempt.FilledQty = math.Min(result.FilledQty, order.Qty)
	attempt.AvgPrice = result.AvgPrice
	if attempt.FilledQty < order.Qty {
		attempt.AbortReason = models.AbortUnfilled
		if ctx.Err() != nil {
			attempt.AbortReason = models.AbortCancelled
		}
	}
	e.record(r, attempt, started)
	return attempt
}

// awaitFill polls a resting order until it leaves the book, wait elapses or
// ctx ends, then cancels the rest and returns the final state. An error means
// the state is unknown.
func (e *Executor) awaitFill(ctx context.Context, r *run, orderID string, wait time.Duration) (*models.OrderResult, error) {
	logger := logging.WithOrderID(r.logger, orderID)
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return e.cancelRest(context.WithoutCancel(ctx), r, orderID)
		case <-deadline.C:
			return e.cancelRest(ctx, r, orderID)
		case <-poll.C:
			o, err := e.gw.GetOrder(ctx, r.req.Symbol, orderID)
			if err != nil {
				logger.Debug().Err(err).Msg("Order poll failed")
				continue
			}
			if !isResting(o.Status) {
				return o, nil
			}
		}
	}
}

func (e *Executor) cancelRest(ctx context.Context, r *run, orderID string) (*models.OrderResult, error) {
	logger := logging.WithOrderID(r.logger, orderID)
	if err := e.gw.CancelOrder(ctx, r.req.Symbol, orderID); err != nil {
		logger.Warn().Err(err).Msg("Cancel of unfilled order failed")
	}

	backoff := min(e.cfg.PollInterval, 250*time.Millisecond)
	o, attempts, err := utils.RetryWithResult(ctx, utils.LinearRetryConfig(finalReadAttempts, backoff, 0.1), func(int) (*models.OrderResult, error) {
		return e.gw.GetOrder(ctx, r.req.Symbol, orderID)
	})
	if err != nil {
		logger.Error().Err(err).Int("attempts", attempts).Msg("Final order state unavailable")
		return nil, errors.Wrapf(err, "reading order %s", orderID)
	}
	return o, nil
}

// reconcile settles an attempt whose order could not be read back. The fill
// is the position change since the run started less what earlier attempts
// filled, and the ladder stops so nothing is sent on top of an unknown fill.
func (e *Executor) reconcile(ctx context.Context, r *run, attempt *models.OrderAttempt, order *models.OrderRequest, cause error) {
	attempt.AbortReason = models.AbortOrderStateUnknown
	r.res.AbortReason = models.AbortOrderStateUnknown
	r.halted = true

	pos, err := exchange.OpenPosition(context.WithoutCancel(ctx), e.gw, r.req.Symbol)
	if err != nil {
		r.logger.Error().Err(err).AnErr("order_error", cause).Str("order_id", attempt.OrderID).Msg("Position unavailable, fill of unknown order not counted")
		return
	}
	prior, _ := r.filled.Float64()
	moved, _ := decimal.NewFromFloat(r.exposure(pos)).Sub(decimal.NewFromFloat(r.start)).Sub(r.filled).Float64()
	attempt.FilledQty = math.Max(0, math.Min(moved, order.Qty))
	if attempt.FilledQty > 0 {
		attempt.AvgPrice = order.Price
		if attempt.AvgPrice <= 0 {
			attempt.AvgPrice = r.ref
		}
	}
	r.logger.Warn().
		AnErr("order_error", cause).
		Str("order_id", attempt.OrderID).
		Float64("prior_filled", prior).
		Float64("inferred_fill", attempt.FilledQty).
		Msg("Order state unknown, fill taken from position, ladder halted")
}

func isResting(s models.OrderStatus) bool {
	return s == models.StatusNew || s == models.StatusPartiallyFilled || s == models.StatusUntriggered
}

// record appends an attempt and feeds metrics, the quality tracker and the log.
func (e *Executor) record(r *run, a models.OrderAttempt, started time.Time) {
	r.res.Attempts = append(r.res.Attempts, a)
	if a.FilledQty > 0 {
		r.filled = r.filled.Add(decimal.NewFromFloat(a.FilledQty))
		r.notional += a.FilledQty * a.AvgPrice
		r.res.Mode = a.Mode
		r.res.OrderID = a.OrderID
		e.metrics.Slippage(resilience.SlippageBps(r.side, r.ref, a.AvgPrice))
	}
	e.metrics.OrderAttempt(string(a.Mode), outcome(a))
	if e.tracker != nil && a.AbortReason != models.AbortMarketBlocked && a.AbortReason != models.AbortSlippageCap {
		e.tracker.RecordAttempt(r.req.Symbol, r.side, r.ref, a, e.now().Sub(started))
	}
	logging.LogAttempt(r.logger, r.req.Symbol, string(a.Mode), a.FilledQty, a.AvgPrice, a.AbortReason)
}

func outcome(a models.OrderAttempt) string {
	switch {
	case a.FilledQty > 0 && a.FilledQty >= a.RequestedQty:
		return "filled"
	case a.FilledQty > 0:
		return "partial"
	case a.AbortReason != "":
		return strings.ToLower(a.AbortReason)
	}
	return "unfilled"
}

// stopped reports whether the ladder must not take another step.
func (e *Executor) stopped(ctx context.Context, r *run) bool {
	return r.done() || r.halted || e.cancelled(ctx, r)
}

func (e *Executor) cancelled(ctx context.Context, r *run) bool {
	if ctx.Err() == nil {
		return false
	}
	r.res.AbortReason = models.AbortCancelled
	return true
}

func (e *Executor) abort(r *run, reason string) *models.ExecutionResult {
	r.res.AbortReason = reason
	return e.finish(r)
}

// finish settles totals. The remainder is whatever the attempts did not fill.
func (e *Executor) finish(r *run) *models.ExecutionResult {
	res := r.res
	res.FilledQty, _ = r.filled.Float64()
	res.Remainder = r.remaining()
	if res.FilledQty > 0 {
		res.AvgPrice = r.notional / res.FilledQty
		if r.req.Action.IsDirectional() {
			res.StopLoss, res.TakeProfit = FallbackStops(r.req.Action, r.req.Price, r.req.AtrK)
		}
	}
	if res.Remainder > 0 && res.AbortReason == "" {
		res.AbortReason = models.AbortUnfilled
		if n := len(res.Attempts); n > 0 && res.Attempts[n-1].AbortReason != "" {
			res.AbortReason = res.Attempts[n-1].AbortReason
		}
	}
	e.metrics.Unfilled(res.Remainder)

	event := r.logger.Info()
	if res.Remainder > 0 {
		event = r.logger.Warn()
	}
	event.
		Str("event", "execution").
		Str("action", string(res.Action)).
		Str("mode", string(res.Mode)).
		Float64("requested_qty", res.RequestedQty).
		Float64("filled_qty", res.FilledQty).
		Float64("remainder", res.Remainder).
		Str("abort_reason", res.AbortReason).
		Int("attempts", len(res.Attempts)).
		Msg("Execution finished")
	return res
}

// Close flattens the open position on symbol with a reduce-only market order.
func (e *Executor) Close(ctx context.Context, symbol string) (*models.ExecutionResult, error) {
	return e.Reduce(ctx, symbol, 0)
}

// Reduce sends a reduce-only market order for qty of the open position, the
// whole position when qty <= 0. Exits are not gated by the market guard. A flat
// symbol returns a nil result.
func (e *Executor) Reduce(ctx context.Context, symbol string, qty float64) (*models.ExecutionResult, error) {
	pos, err := exchange.OpenPosition(ctx, e.gw, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "reading position %s", symbol)
	}
	if !pos.IsOpen() {
		return nil, nil
	}
	if qty <= 0 || qty > pos.Size {
		qty = pos.Size
	}

	side := pos.Side.Opposite()
	r := e.newRun(ctx, OpenRequest{Symbol: symbol, Action: models.ActionClose, Price: pos.MarkPrice, Qty: qty}, side)
	r.start = r.exposure(pos)
	r.ref = pos.MarkPrice
	if ticker, err := e.gw.GetTicker(ctx, symbol); err == nil && ticker.BestFor(side) > 0 {
		r.ref = ticker.BestFor(side)
	}

	e.place(ctx, r, models.ModeMarketIOC, &models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        models.OrderTypeMarket,
		Qty:         qty,
		TimeInForce: models.TIFIOC,
		ReduceOnly:  true,
	}, e.cfg.FillTimeout, "")
	return e.finish(r), nil
}
