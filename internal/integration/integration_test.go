// Package integration runs the decision, gate, execution and protection
// pipeline end to end against the paper gateway.
package integration

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/agents"
	"sentinentx/internal/config"
	"sentinentx/internal/consensus"
	"sentinentx/internal/exchange"
	"sentinentx/internal/execution"
	"sentinentx/internal/lock"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/notify"
	"sentinentx/internal/protection"
	"sentinentx/internal/risk"
	"sentinentx/internal/store"
	"sentinentx/internal/trading"
)

const symbol = "BTCUSDT"

type env struct {
	cfg    *config.Config
	gw     *exchange.PaperGateway
	store  *store.SQLiteStore
	locker lock.Locker
	m      *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cfg := config.Default()
	cfg.Consensus.TwoStage = false
	cfg.Consensus.ProviderTimeout = time.Second
	cfg.Execution.FillTimeout = 5 * time.Millisecond
	cfg.Execution.PollInterval = time.Millisecond
	cfg.Execution.TWAPChunkInterval = 5 * time.Millisecond
	cfg.Execution.TWAPChunkDelay = time.Millisecond
	cfg.Protection.OCOBackoffBase = time.Millisecond
	cfg.Protection.TPBackoffBase = time.Millisecond
	cfg.Protection.TPLadderMultiple = []float64{0.5, 1}
	cfg.Lock.Wait = 0

	gw := exchange.NewPaperGateway(exchange.PaperConfig{InitialEquity: 10000})
	gw.SetInstrument(models.Instrument{Symbol: symbol, TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001, MaxLeverage: 100})
	gw.SetKlines(symbol, bars(60))
	quote(gw, 100)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &env{cfg: cfg, gw: gw, store: st, locker: lock.NewMemoryLocker(0), m: metrics.New()}
}

// quote moves the market to last with a 0.1 wide book around it.
func quote(gw *exchange.PaperGateway, last float64) {
	gw.SetTicker(models.Ticker{Symbol: symbol, LastPrice: last, BidPrice: last - 0.1, AskPrice: last + 0.1, MarkPrice: last})
}

func bars(n int) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.Bar, n)
	for i := range out {
		c := 100 + 0.1*math.Sin(float64(i))
		out[i] = models.Bar{OpenTime: start.Add(time.Duration(i) * 5 * time.Minute), Open: c, High: c + 0.2, Low: c - 0.2, Close: c, Volume: 10}
	}
	return out
}

func (e *env) cycle(providers ...agents.Provider) *trading.Cycle {
	return trading.NewCycle(e.cfg, trading.Deps{
		Gateway:   e.gw,
		Decider:   consensus.NewAggregator(e.cfg.Consensus, providers, consensus.WithRecorder(e.store), consensus.WithMetrics(e.m)),
		Gate:      risk.NewGate(e.gw, e.cfg.Risk, risk.WithGateMetrics(e.m)),
		Executor:  execution.NewExecutor(e.gw, e.cfg.Execution, execution.WithMetrics(e.m)),
		Protector: protection.NewManager(e.gw, e.cfg.Protection, protection.WithRand(func() float64 { return 0.5 })),
		Locker:    e.locker,
		Store:     e.store,
		Alerter:   notify.NopAlerter{},
		Metrics:   e.m,
	})
}

func agree(vote models.ProviderVote) []agents.Provider {
	return []agents.Provider{
		agents.NewStaticProvider("alpha", vote),
		agents.NewStaticProvider("beta", vote),
		agents.NewStaticProvider("gamma", vote),
	}
}

var long = models.ProviderVote{Action: models.ActionLong, Confidence: 75, Leverage: 10, StopLoss: 85, TakeProfit: 130, Reason: "breakout"}

func TestPositionLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	opened, err := e.cycle(agree(long)...).Run(ctx, symbol)
	require.NoError(t, err)
	require.Equal(t, trading.OutcomeOpened, opened.Outcome)
	require.NotNil(t, opened.Trade)
	qty := opened.Trade.Qty
	require.Greater(t, qty, 0.0)

	// The first take-profit rung sits halfway to the target and fills on the way up.
	quote(e.gw, 116)
	pos, err := exchange.OpenPosition(ctx, e.gw, symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, qty/2, pos.Size, 1e-9)

	ocos := e.gw.OcoOrders(symbol)
	require.Len(t, ocos, 1)
	assert.Equal(t, models.StatusUntriggered, ocos[0].Result.Status)

	// Providers now agree to exit.
	closed, err := e.cycle(agree(models.ProviderVote{Action: models.ActionClose, Confidence: 80, Reason: "target zone"})...).Run(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, trading.OutcomeClosed, closed.Outcome)

	pos, err = exchange.OpenPosition(ctx, e.gw, symbol)
	require.NoError(t, err)
	assert.Nil(t, pos)

	for _, o := range e.gw.Orders(symbol) {
		if o.Request.ReduceOnly && o.Request.Type == models.OrderTypeLimit {
			assert.NotEqual(t, models.StatusNew, o.Result.Status, "resting rung %s left behind", o.Result.OrderID)
		}
	}
	ocos = e.gw.OcoOrders(symbol)
	assert.Equal(t, models.StatusCancelled, ocos[0].Result.Status)

	trades, err := e.store.GetTrades(ctx, store.TradeFilter{Symbol: symbol, Status: models.TradeClosed})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 116.0, trades[0].ExitPrice, 1e-9)

	decisions, err := e.store.GetDecisions(ctx, store.DecisionFilter{Symbol: symbol})
	require.NoError(t, err)
	assert.Len(t, decisions, 2)
}

func TestStopLossClosesPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	opened, err := e.cycle(agree(long)...).Run(ctx, symbol)
	require.NoError(t, err)
	require.Equal(t, trading.OutcomeOpened, opened.Outcome)

	quote(e.gw, 84)

	pos, err := exchange.OpenPosition(ctx, e.gw, symbol)
	require.NoError(t, err)
	assert.Nil(t, pos)
	ocos := e.gw.OcoOrders(symbol)
	require.Len(t, ocos, 1)
	assert.Equal(t, models.StatusFilled, ocos[0].Result.Status)
}

func TestConcurrentCyclesOpenOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	providers := []agents.Provider{
		agents.NewStaticProvider("alpha", long).WithDelay(30 * time.Millisecond),
		agents.NewStaticProvider("beta", long).WithDelay(30 * time.Millisecond),
	}
	c := e.cycle(providers...)

	const runs = 4
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*trading.CycleResult
	)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _ := c.Run(ctx, symbol)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var opened []*trading.CycleResult
	for _, r := range results {
		if r.Outcome == trading.OutcomeOpened {
			opened = append(opened, r)
		}
	}
	require.Len(t, opened, 1)

	pos, err := exchange.OpenPosition(ctx, e.gw, symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, opened[0].Trade.Qty, pos.Size, 1e-9)

	trades, err := e.store.GetOpenTrades(ctx, symbol)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestGateBlockLeavesNoOrders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tight := long
	tight.StopLoss = 98
	res, err := e.cycle(agree(tight)...).Run(ctx, symbol)
	require.NoError(t, err)
	assert.Equal(t, trading.OutcomeGateBlocked, res.Outcome)
	assert.Empty(t, e.gw.Orders(symbol))
	assert.Empty(t, e.gw.OcoOrders(symbol))

	gates, err := e.store.GetGateResults(ctx, symbol, 5)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.False(t, gates[0].Result.OK)
}
