package execution

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/config"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/logging"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/resilience"
)

const sym = "BTCUSDT"

// scriptedGateway lets a test move the market right after an order is placed.
type scriptedGateway struct {
	*exchange.PaperGateway
	afterCreate func(req *models.OrderRequest)
}

func (g *scriptedGateway) CreateOrder(ctx context.Context, req *models.OrderRequest) (*models.OrderResult, error) {
	res, err := g.PaperGateway.CreateOrder(ctx, req)
	if g.afterCreate != nil {
		g.afterCreate(req)
	}
	return res, err
}

func testConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		SlippageCapBps:    50,
		TWAPChunkFraction: 0.25,
		TWAPChunkInterval: 5 * time.Millisecond,
		TWAPChunkDelay:    time.Millisecond,
		TWAPDriftPct:      0.001,
		VolatilityGuard:   0.05,
		LiquidityGuard:    0.3,
		FillTimeout:       5 * time.Millisecond,
		PollInterval:      time.Millisecond,
	}
}

func newMarket() *scriptedGateway {
	p := exchange.NewPaperGateway(exchange.PaperConfig{InitialEquity: 100000})
	p.SetInstrument(models.Instrument{Symbol: sym, TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001, MaxQty: 1000, MaxLeverage: 100})
	p.SetTicker(models.Ticker{Symbol: sym, LastPrice: 100, BidPrice: 99.9, AskPrice: 100.1})
	return &scriptedGateway{PaperGateway: p}
}

func newExecutor(gw exchange.Gateway, cfg config.ExecutionConfig, opts ...Option) *Executor {
	opts = append([]Option{WithMetrics(metrics.New())}, opts...)
	return NewExecutor(gw, cfg, opts...)
}

func modes(res *models.ExecutionResult) []models.ExecutionMode {
	out := make([]models.ExecutionMode, len(res.Attempts))
	for i, a := range res.Attempts {
		out[i] = a.Mode
	}
	return out
}

func attemptFills(res *models.ExecutionResult) float64 {
	var total float64
	for _, a := range res.Attempts {
		total += a.FilledQty
	}
	return total
}

func TestPostOnlyFillsAsMaker(t *testing.T) {
	gw := newMarket()
	gw.afterCreate = func(req *models.OrderRequest) {
		if req.TimeInForce == models.TIFPostOnly {
			gw.SetTicker(models.Ticker{Symbol: sym, LastPrice: 99.85, BidPrice: 99.8, AskPrice: 99.9})
		}
	}
	cfg := testConfig()
	cfg.FillTimeout = time.Second
	tracker := resilience.NewExecutionQualityTracker(resilience.DefaultExecutionTrackerConfig())
	e := newExecutor(gw, cfg, WithTracker(tracker))

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1, AtrK: 1})
	require.NoError(t, err)

	assert.Equal(t, models.ModePostOnly, res.Mode)
	assert.Equal(t, 1.0, res.FilledQty)
	assert.Equal(t, 0.0, res.Remainder)
	assert.Equal(t, 99.9, res.AvgPrice)
	assert.Empty(t, res.AbortReason)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, 99.9, res.Attempts[0].Price, "joins the bid, not the signal price")
	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, 99.0, res.StopLoss)
	assert.Equal(t, 102.0, res.TakeProfit)
	assert.Equal(t, int64(1), tracker.GetStats().TotalExecutions)
}

func TestPostOnlyJoinsMakerSide(t *testing.T) {
	for _, tt := range []struct {
		action models.Action
		want   float64
	}{
		{models.ActionLong, 99.9},
		{models.ActionShort, 100.1},
	} {
		t.Run(string(tt.action), func(t *testing.T) {
			gw := newMarket()
			e := newExecutor(gw, testConfig())

			// A signal price through the touch still rests at the maker quote
			res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: tt.action, Price: 100, Qty: 1})
			require.NoError(t, err)

			assert.Equal(t, tt.want, res.Attempts[0].Price)
			assert.Equal(t, models.AbortUnfilled, res.Attempts[0].AbortReason)
			assert.True(t, gw.Orders(sym)[0].Result.Accepted)
		})
	}
}

func TestRejectedPostOnlyFallsBackToLimitIOC(t *testing.T) {
	gw := newMarket()
	gw.InjectFault(exchange.FaultCreateOrder, exchange.Fault{Reject: "post-only order would take liquidity"})
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{models.ModePostOnly, models.ModeLimitIOC}, modes(res))
	assert.Equal(t, models.AbortRejected, res.Attempts[0].AbortReason)
	assert.Equal(t, 100.6, res.Attempts[1].Price)
	assert.Equal(t, models.ModeLimitIOC, res.Mode)
	assert.Equal(t, 1.0, res.FilledQty)
	assert.Equal(t, 100.1, res.AvgPrice)
}

func TestPartialLimitIOCRoutesRemainderToTWAP(t *testing.T) {
	gw := newMarket()
	gw.SetDepth(sym, 0.3)
	cfg := testConfig()
	cfg.TWAPDriftPct = 0
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{
		models.ModePostOnly, models.ModeLimitIOC, models.ModeMarketIOC,
		models.ModeTWAPChunk, models.ModeTWAPChunk, models.ModeTWAPChunk, models.ModeTWAPChunk,
	}, modes(res))
	assert.Equal(t, 0.3, res.Attempts[1].FilledQty)
	assert.Equal(t, models.AbortMarketBlocked, res.Attempts[2].AbortReason)
	assert.Empty(t, res.Attempts[2].OrderID)
	for _, a := range res.Attempts[3:] {
		assert.InDelta(t, 0.175, a.RequestedQty, 1e-12)
		assert.InDelta(t, 0.175, a.FilledQty, 1e-12)
	}
	assert.Equal(t, models.ModeTWAPChunk, res.Mode)
	assert.InDelta(t, 1.0, res.FilledQty, 1e-9)
	assert.Equal(t, 0.0, res.Remainder)
	assert.Empty(t, res.AbortReason)
}

func TestSlippageCapWithoutGuardAbortsWithRemainder(t *testing.T) {
	gw := newMarket()
	gw.afterCreate = func(req *models.OrderRequest) {
		if req.TimeInForce == models.TIFPostOnly {
			gw.SetTicker(models.Ticker{Symbol: sym, LastPrice: 100.9, BidPrice: 100.8, AskPrice: 101})
		}
	}
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{models.ModePostOnly, models.ModeLimitIOC}, modes(res))
	assert.Equal(t, models.AbortSlippageCap, res.Attempts[1].AbortReason)
	assert.Equal(t, models.AbortSlippageCap, res.AbortReason)
	assert.Equal(t, 0.0, res.FilledQty)
	assert.Equal(t, 1.0, res.Remainder)
	assert.Empty(t, gw.Orders(sym)[1:], "nothing is sent after the cap trips")
}

func TestSlippageCapWithGuardGoesToMarket(t *testing.T) {
	gw := newMarket()
	gw.afterCreate = func(req *models.OrderRequest) {
		if req.TimeInForce == models.TIFPostOnly {
			gw.SetTicker(models.Ticker{Symbol: sym, LastPrice: 100.9, BidPrice: 100.8, AskPrice: 101})
		}
	}
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{
		Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1,
		Guards: Guards{Emergency: true},
	})
	require.NoError(t, err)

	require.Len(t, res.Attempts, 3)
	market := res.Attempts[2]
	assert.Equal(t, models.ModeMarketIOC, market.Mode)
	assert.Equal(t, GuardEmergencyExit, market.Guard)
	assert.Equal(t, 1.0, market.FilledQty)
	assert.Equal(t, models.ModeMarketIOC, res.Mode)
	assert.Equal(t, 100.9, res.AvgPrice)
	assert.Equal(t, 0.0, res.Remainder)
}

func TestVolatilityGuardUnlocksMarketBeforeTWAP(t *testing.T) {
	gw := newMarket()
	gw.SetDepth(sym, 0.3)
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{
		Symbol: sym, Action: models.ActionShort, Price: 99.8, Qty: 1,
		Guards: Guards{Volatility: 0.08},
	})
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(res.Attempts), 4)
	assert.Equal(t, models.ModeMarketIOC, res.Attempts[2].Mode)
	assert.Equal(t, GuardExtremeVolatility, res.Attempts[2].Guard)
	assert.Equal(t, 0.3, res.Attempts[2].FilledQty)
	assert.Equal(t, models.ModeTWAPChunk, res.Attempts[3].Mode)
	assert.InDelta(t, 1.0, res.FilledQty+res.Remainder, 1e-9)

	pos, err := exchange.OpenPosition(context.Background(), gw, sym)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.SideSell, pos.Side)
}

// unreadableFill makes the post-only fill as a maker and then fails the next
// reads of its state. Polls are slower than the fill timeout, so every read
// happens after the cancel.
func unreadableFill(fill bool, failures int) (*scriptedGateway, config.ExecutionConfig) {
	gw := newMarket()
	gw.afterCreate = func(req *models.OrderRequest) {
		if req.TimeInForce != models.TIFPostOnly {
			return
		}
		if fill {
			gw.SetTicker(models.Ticker{Symbol: sym, LastPrice: 99.85, BidPrice: 99.8, AskPrice: 99.9})
		}
		for i := 0; i < failures; i++ {
			gw.InjectFault(exchange.FaultGetOrder, exchange.Fault{Err: errors.ErrConnectionFailed})
		}
	}
	cfg := testConfig()
	cfg.PollInterval = 20 * time.Millisecond
	return gw, cfg
}

func TestUnknownOrderStateStopsLadder(t *testing.T) {
	gw, cfg := unreadableFill(true, finalReadAttempts)
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{models.ModePostOnly}, modes(res))
	assert.Equal(t, models.AbortOrderStateUnknown, res.Attempts[0].AbortReason)
	assert.Equal(t, models.AbortOrderStateUnknown, res.AbortReason)
	assert.Equal(t, 1.0, res.Attempts[0].FilledQty)
	assert.Equal(t, 99.9, res.Attempts[0].AvgPrice)
	assert.Equal(t, 1.0, res.FilledQty)
	assert.Equal(t, 0.0, res.Remainder)
	assert.Len(t, gw.Orders(sym), 1, "nothing is sent after an unreadable order")

	pos, err := exchange.OpenPosition(context.Background(), gw, sym)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, res.FilledQty, pos.Size)
}

func TestUnknownOrderStateWithoutFillKeepsRemainder(t *testing.T) {
	gw, cfg := unreadableFill(false, finalReadAttempts)
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{models.ModePostOnly}, modes(res))
	assert.Equal(t, models.AbortOrderStateUnknown, res.AbortReason)
	assert.Equal(t, 0.0, res.FilledQty)
	assert.Equal(t, 1.0, res.Remainder)
	assert.Len(t, gw.Orders(sym), 1)

	pos, err := exchange.OpenPosition(context.Background(), gw, sym)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestFinalOrderReadIsRetried(t *testing.T) {
	gw, cfg := unreadableFill(true, finalReadAttempts-1)
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)

	assert.Equal(t, []models.ExecutionMode{models.ModePostOnly}, modes(res))
	assert.Empty(t, res.AbortReason)
	assert.Equal(t, 1.0, res.FilledQty)
	assert.Equal(t, 99.9, res.AvgPrice)
}

func TestProperty_PositionMatchesReportedFill(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	// Property: however many state reads fail, the position never exceeds the requested qty
	properties.Property("position equals reported fill", prop.ForAll(
		func(fill bool, failures int, guarded bool) bool {
			gw, cfg := unreadableFill(fill, failures)
			e := newExecutor(gw, cfg)

			res, err := e.OpenWithFallback(context.Background(), OpenRequest{
				Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1,
				Guards: Guards{Emergency: guarded},
			})
			if err != nil || res == nil {
				return false
			}
			pos, err := exchange.OpenPosition(context.Background(), gw, sym)
			if err != nil {
				return false
			}
			var size float64
			if pos != nil {
				size = pos.Size
			}
			return size <= 1+1e-9 &&
				abs(size-res.FilledQty) < 1e-9 &&
				abs(res.FilledQty+res.Remainder-1) < 1e-9
		},
		gen.Bool(),
		gen.IntRange(0, finalReadAttempts+1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestAttemptsLogToContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := logging.WithLogger(context.Background(), logging.WithCycle(zerolog.New(&buf), "c-42"))
	e := newExecutor(newMarket(), testConfig(), WithLogger(zerolog.Nop()))

	_, err := e.OpenWithFallback(ctx, OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"cycle_id":"c-42"`)
	assert.Contains(t, buf.String(), "Execution finished")
}

func TestOneWayViolation(t *testing.T) {
	gw := newMarket()
	gw.SetPosition(models.Position{Symbol: sym, Side: models.SideSell, Size: 0.5, EntryPrice: 100})
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)
	assert.Equal(t, models.AbortOneWay, res.AbortReason)
	assert.Equal(t, 1.0, res.Remainder)
	assert.Empty(t, res.Attempts)
	assert.Empty(t, gw.Orders(sym))

	// Adding to a same-side position is allowed
	res, err = e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionShort, Price: 99.8, Qty: 1})
	require.NoError(t, err)
	assert.NotEqual(t, models.AbortOneWay, res.AbortReason)
}

func TestPositionReadFailureAbortsWithError(t *testing.T) {
	gw := newMarket()
	gw.InjectFault(exchange.FaultPositions, exchange.Fault{Err: errors.ErrConnectionFailed})
	e := newExecutor(gw, testConfig())

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
	require.NotNil(t, res)
	assert.Equal(t, models.AbortGatewayError, res.AbortReason)
	assert.Equal(t, 1.0, res.Remainder)
}

func TestInvalidRequestIsRejected(t *testing.T) {
	e := newExecutor(newMarket(), testConfig())
	for _, req := range []OpenRequest{
		{Symbol: "", Action: models.ActionLong, Price: 100, Qty: 1},
		{Symbol: sym, Action: models.ActionHold, Price: 100, Qty: 1},
		{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 0},
		{Symbol: sym, Action: models.ActionLong, Price: -1, Qty: 1},
	} {
		res, err := e.OpenWithFallback(context.Background(), req)
		assert.Error(t, err)
		assert.Nil(t, res)
	}
}

func TestSimpleLadder(t *testing.T) {
	t.Run("market blocked without guard", func(t *testing.T) {
		gw := newMarket()
		e := newExecutor(gw, testConfig(), WithLadder(LadderSimple))

		res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
		require.NoError(t, err)
		assert.Equal(t, []models.ExecutionMode{models.ModePostOnly, models.ModeMarketIOC}, modes(res))
		assert.Equal(t, models.AbortMarketBlocked, res.AbortReason)
		assert.Equal(t, 1.0, res.Remainder)
	})

	t.Run("guarded market carries stops", func(t *testing.T) {
		gw := newMarket()
		e := newExecutor(gw, testConfig(), WithLadder(LadderSimple))
		assert.Equal(t, LadderSimple, e.Ladder())

		res, err := e.OpenWithFallback(context.Background(), OpenRequest{
			Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1, AtrK: 2,
			Guards: Guards{Liquidity: 0.1},
		})
		require.NoError(t, err)
		assert.Equal(t, models.ModeMarketIOC, res.Mode)
		assert.Equal(t, GuardLiquidityCrisis, res.Attempts[1].Guard)
		assert.Equal(t, 1.0, res.FilledQty)

		ocos := gw.OcoOrders(sym)
		require.Len(t, ocos, 1)
		assert.Equal(t, 98.2, ocos[0].Request.StopLoss)
		assert.Equal(t, 104.21, ocos[0].Request.TakeProfit)
	})
}

func TestTWAPCancelledBetweenChunks(t *testing.T) {
	gw := newMarket()
	gw.SetDepth(sym, 0.3)
	cfg := testConfig()
	cfg.TWAPChunkDelay = time.Hour
	cfg.TWAPDriftPct = 0
	e := newExecutor(gw, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := e.OpenWithFallback(ctx, OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, models.AbortCancelled, res.AbortReason)
	assert.Equal(t, models.ModeTWAPChunk, res.Attempts[len(res.Attempts)-1].Mode)
	assert.InDelta(t, 0.475, res.FilledQty, 1e-9)
	assert.InDelta(t, 0.525, res.Remainder, 1e-9)
}

func TestUnfilledTWAPChunkIsCancelledAndReported(t *testing.T) {
	gw := newMarket()
	// Taker fills stop at 0.1 per order, so each 0.225 chunk rests and is cancelled
	gw.SetDepth(sym, 0.1)
	cfg := testConfig()
	cfg.TWAPDriftPct = 0
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: 1})
	require.NoError(t, err)

	chunks := res.Attempts[3:]
	require.Len(t, chunks, 4)
	for _, a := range chunks {
		assert.Equal(t, models.AbortUnfilled, a.AbortReason)
		assert.InDelta(t, 0.1, a.FilledQty, 1e-12)
	}
	assert.InDelta(t, 0.5, res.FilledQty, 1e-9)
	assert.InDelta(t, 0.5, res.Remainder, 1e-9)
	assert.Equal(t, models.AbortUnfilled, res.AbortReason)

	for _, o := range gw.Orders(sym) {
		assert.NotEqual(t, models.StatusNew, o.Result.Status)
		assert.NotEqual(t, models.StatusPartiallyFilled, o.Result.Status)
	}
}

func TestTWAPChunksStartPassive(t *testing.T) {
	gw := newMarket()
	gw.SetDepth(sym, 0.3)
	cfg := testConfig()
	cfg.TWAPDriftPct = 0.004
	e := newExecutor(gw, cfg)

	res, err := e.OpenWithFallback(context.Background(), OpenRequest{Symbol: sym, Action: models.ActionLong, Price: 100, Qty: 1})
	require.NoError(t, err)

	chunks := res.Attempts[3:]
	require.Len(t, chunks, 4)
	for i, want := range []float64{99.8, 99.9, 100.0} {
		assert.Equal(t, want, chunks[i].Price)
		assert.Zero(t, chunks[i].FilledQty, "below the ask, nothing comes to the bid")
	}
	assert.Equal(t, 100.1, chunks[3].Price)
	assert.InDelta(t, 0.175, chunks[3].FilledQty, 1e-12)
	assert.InDelta(t, 0.475, res.FilledQty, 1e-9)
	assert.InDelta(t, 0.525, res.Remainder, 1e-9)
}

func TestCloseFlattensPosition(t *testing.T) {
	gw := newMarket()
	e := newExecutor(gw, testConfig())
	ctx := context.Background()

	res, err := e.Close(ctx, sym)
	require.NoError(t, err)
	assert.Nil(t, res)

	gw.SetPosition(models.Position{Symbol: sym, Side: models.SideBuy, Size: 0.5, EntryPrice: 95})
	res, err = e.Reduce(ctx, sym, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 0.2, res.FilledQty)

	res, err = e.Close(ctx, sym)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, models.ActionClose, res.Action)
	assert.InDelta(t, 0.3, res.FilledQty, 1e-12)
	assert.Zero(t, res.StopLoss)

	pos, err := exchange.OpenPosition(ctx, gw, sym)
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestFallbackStops(t *testing.T) {
	sl, tp := FallbackStops(models.ActionLong, 100, 1)
	assert.Equal(t, 99.0, sl)
	assert.Equal(t, 102.0, tp)

	// k is floored at 0.1
	sl, tp = FallbackStops(models.ActionShort, 100, 0)
	assert.Equal(t, 100.1, sl)
	assert.Equal(t, 99.8, tp)
}

func TestTWAPPlanAndChunkPrice(t *testing.T) {
	inst := models.Instrument{QtyStep: 0.001, MinQty: 0.001}

	n, chunk := twapPlan(1, 0.25, inst)
	assert.Equal(t, 4, n)
	assert.Equal(t, 0.25, chunk)

	n, chunk = twapPlan(0.002, 0.25, inst)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0.002, chunk)

	assert.InDelta(t, 99.925, chunkPrice(100, models.SideBuy, 0.001, 0, 4), 1e-9)
	assert.InDelta(t, 100.075, chunkPrice(100, models.SideSell, 0.001, 0, 4), 1e-9)
	assert.Equal(t, 100.0, chunkPrice(100, models.SideBuy, 0.001, 3, 4))
	assert.Equal(t, 100.0, chunkPrice(100, models.SideSell, 0.001, 3, 4))
	for i := 0; i < 3; i++ {
		assert.Less(t, chunkPrice(100, models.SideBuy, 0.001, i, 4), chunkPrice(100, models.SideBuy, 0.001, i+1, 4))
		assert.Greater(t, chunkPrice(100, models.SideSell, 0.001, i, 4), chunkPrice(100, models.SideSell, 0.001, i+1, 4))
	}
}

func TestAssessGuards(t *testing.T) {
	ticker := &models.Ticker{Symbol: sym, AskSize: 0.2, BidSize: 5}

	g := AssessGuards(nil, ticker, models.SideBuy, 1)
	assert.InDelta(t, 0.2, g.Liquidity, 1e-12)
	assert.Equal(t, GuardLiquidityCrisis, g.active(0.05, 0.3))

	g = AssessGuards(nil, ticker, models.SideSell, 1)
	assert.Equal(t, 1.0, g.Liquidity)
	assert.Empty(t, g.active(0.05, 0.3))

	assert.Empty(t, Guards{}.active(0.05, 0.3), "unknown liquidity never trips")
	assert.Equal(t, GuardEmergencyExit, Guards{Emergency: true, Volatility: 1}.active(0.05, 0.3))
}

func TestProperty_LadderNeverLosesQuantity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	// Property: filled + remainder equals the requested qty, and the attempts account for every fill
	properties.Property("filled plus remainder equals requested", prop.ForAll(
		func(qty, depth float64, guarded, simple bool) bool {
			gw := newMarket()
			gw.SetDepth(sym, depth)
			opts := []Option{}
			if simple {
				opts = append(opts, WithLadder(LadderSimple))
			}
			e := newExecutor(gw, testConfig(), opts...)

			res, err := e.OpenWithFallback(context.Background(), OpenRequest{
				Symbol: sym, Action: models.ActionLong, Price: 100.2, Qty: qty,
				Guards: Guards{Emergency: guarded},
			})
			if err != nil || res == nil {
				return false
			}
			if res.Remainder < 0 || res.FilledQty > qty+1e-9 {
				return false
			}
			return abs(res.FilledQty+res.Remainder-qty) < 1e-9 &&
				abs(attemptFills(res)-res.FilledQty) < 1e-9
		},
		gen.Float64Range(0.001, 5),
		gen.Float64Range(0, 2),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
