package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/errors"
	"sentinentx/internal/models"
	"sentinentx/internal/security"
)

func newPaper(t *testing.T) *PaperGateway {
	t.Helper()
	p := NewPaperGateway(PaperConfig{InitialEquity: 10000})
	p.SetTicker(models.Ticker{Symbol: "BTCUSDT", LastPrice: 100, BidPrice: 99.9, AskPrice: 100.1})
	return p
}

func TestPaperPostOnlyRejectedWhenCrossing(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()

	res, err := p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Qty: 1, Price: 100.2, TimeInForce: models.TIFPostOnly,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, models.StatusRejected, res.Status)

	res, err = p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Qty: 1, Price: 100, TimeInForce: models.TIFPostOnly,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, models.StatusNew, res.Status)

	// The resting bid fills once the market trades down to it
	p.SetTicker(models.Ticker{Symbol: "BTCUSDT", LastPrice: 99.95, BidPrice: 99.9, AskPrice: 100})
	got, err := p.GetOrder(ctx, "BTCUSDT", res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)
	assert.Equal(t, 100.0, got.AvgPrice)

	pos, err := OpenPosition(ctx, p, "BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.SideBuy, pos.Side)
	assert.Equal(t, 1.0, pos.Size)
}

func TestPaperIOCFillsUpToDepth(t *testing.T) {
	p := newPaper(t)
	p.SetDepth("BTCUSDT", 0.4)
	ctx := context.Background()

	res, err := p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
		Qty: 1, Price: 100.5, TimeInForce: models.TIFIOC,
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.InDelta(t, 0.4, res.FilledQty, 1e-12)
	assert.Equal(t, 100.1, res.AvgPrice)
	assert.Equal(t, models.StatusCancelled, res.Status)

	// Not marketable: nothing fills
	res, err = p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeLimit,
		Qty: 1, Price: 101, TimeInForce: models.TIFIOC,
	})
	require.NoError(t, err)
	assert.Zero(t, res.FilledQty)
}

func TestPaperMarketFillsAtLastPrice(t *testing.T) {
	p := newPaper(t)
	res, err := p.CreateOrder(context.Background(), &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Qty: 2, TimeInForce: models.TIFIOC,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, res.Status)
	assert.Equal(t, 100.0, res.AvgPrice)
}

func TestPaperReduceOnlyAndNetting(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()

	res, err := p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Qty: 1, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Accepted, "reduce-only without a position")

	require.NoError(t, p.SetLeverage(ctx, "BTCUSDT", 10))
	_, err = p.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 2})
	require.NoError(t, err)

	res, err = p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideSell, Type: models.OrderTypeMarket, Qty: 5, ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.FilledQty, "reduce-only is clipped to the position")

	pos, err := OpenPosition(ctx, p, "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestPaperOcoTriggersOnMarkPrice(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()

	res, err := p.CreateOcoOrder(ctx, &models.OcoRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Qty: 1, TakeProfit: 110, StopLoss: 95})
	require.NoError(t, err)
	assert.False(t, res.Accepted, "no position to protect")

	p.SetPosition(models.Position{Symbol: "BTCUSDT", Side: models.SideBuy, Size: 1, EntryPrice: 100, Leverage: 5})

	res, err = p.CreateOcoOrder(ctx, &models.OcoRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Qty: 1, TakeProfit: 90, StopLoss: 95})
	require.NoError(t, err)
	assert.False(t, res.Accepted, "levels on the wrong sides")

	res, err = p.CreateOcoOrder(ctx, &models.OcoRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Qty: 1, TakeProfit: 110, StopLoss: 95})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.Equal(t, models.StatusUntriggered, res.Status)

	p.SetTicker(models.Ticker{Symbol: "BTCUSDT", LastPrice: 94, BidPrice: 93.9, AskPrice: 94.1, MarkPrice: 94.5})
	got, err := p.GetOcoOrder(ctx, "BTCUSDT", res.OcoID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFilled, got.Status)

	positions, err := p.GetPositions(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000-5.5, acct.Equity, 1e-9)
}

func TestPaperFaultInjection(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	p.InjectFault(FaultCreateOrder, Fault{Err: errors.ErrConnectionFailed})
	p.InjectFault(FaultCreateOrder, Fault{Reject: "insufficient margin"})

	_, err := p.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 1})
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)

	res, err := p.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 1})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, "insufficient margin", res.RejectReason)

	res, err = p.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 1})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestPaperCancelRestingOnly(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	res, err := p.CreateOrder(ctx, &models.OrderRequest{
		Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit, Qty: 1, Price: 95, TimeInForce: models.TIFGTC,
	})
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, "BTCUSDT", res.OrderID))
	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", res.OrderID), errors.ErrOrderRejected)
	assert.ErrorIs(t, p.CancelOrder(ctx, "BTCUSDT", "missing"), errors.ErrDataNotFound)
}

func TestPaperAccountMargin(t *testing.T) {
	p := newPaper(t)
	ctx := context.Background()
	require.NoError(t, p.SetLeverage(ctx, "BTCUSDT", 10))
	_, err := p.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 100})
	require.NoError(t, err)

	acct, err := p.GetAccount(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000, acct.Equity, 1e-9)
	assert.InDelta(t, 0.1, acct.MarginUtilization, 1e-9)
	assert.InDelta(t, 9000, acct.FreeCollateral, 1e-9)

	symbols, err := OpenSymbols(ctx, p, "ETHUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
	symbols, err = OpenSymbols(ctx, p, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, symbols)
}

func TestPaperKlinesLimit(t *testing.T) {
	p := newPaper(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var bars []models.Bar
	for i := 0; i < 10; i++ {
		bars = append(bars, models.Bar{OpenTime: start.Add(time.Duration(i) * time.Minute), Close: float64(i)})
	}
	p.SetKlines("BTCUSDT", bars)

	got, err := p.GetKlines(context.Background(), "BTCUSDT", "1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 7.0, got[0].Close)

	_, err = p.GetKlines(context.Background(), "ETHUSDT", "1", 3)
	assert.ErrorIs(t, err, errors.ErrDataNotFound)
}

func TestReadOnlyGatewayBlocksWrites(t *testing.T) {
	p := newPaper(t)
	access := security.NewAccessController(true)
	gw := NewReadOnlyGateway(p, access)
	ctx := context.Background()

	_, err := gw.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 1})
	var roErr *security.ReadOnlyError
	require.ErrorAs(t, err, &roErr)
	assert.Equal(t, security.OpPlaceOrder, roErr.Operation)

	_, err = gw.GetTicker(ctx, "BTCUSDT")
	require.NoError(t, err)

	access.SetReadOnly(false)
	res, err := gw.CreateOrder(ctx, &models.OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.OrderTypeMarket, Qty: 1})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

// Property: an IOC order never fills more than requested, and the resulting
// position equals the filled quantity.
func TestProperty_PaperIOCNeverOverfills(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("filled <= requested and position == filled", prop.ForAll(
		func(qty, depth, offset float64) bool {
			p := NewPaperGateway(PaperConfig{})
			p.SetTicker(models.Ticker{Symbol: "ETHUSDT", LastPrice: 2000, BidPrice: 1999, AskPrice: 2001})
			p.SetDepth("ETHUSDT", depth)
			res, err := p.CreateOrder(context.Background(), &models.OrderRequest{
				Symbol: "ETHUSDT", Side: models.SideBuy, Type: models.OrderTypeLimit,
				Qty: qty, Price: 2001 + offset, TimeInForce: models.TIFIOC,
			})
			if err != nil || res.FilledQty > qty+1e-12 {
				return false
			}
			positions, _ := p.GetPositions(context.Background(), "ETHUSDT")
			var size float64
			for _, pos := range positions {
				size += pos.Size
			}
			return size > res.FilledQty-1e-9 && size < res.FilledQty+1e-9
		},
		gen.Float64Range(0.01, 50),
		gen.Float64Range(0, 20),
		gen.Float64Range(-5, 5),
	))

	properties.TestingRun(t)
}
