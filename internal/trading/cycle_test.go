package trading

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/agents"
	"sentinentx/internal/config"
	"sentinentx/internal/consensus"
	"sentinentx/internal/errors"
	"sentinentx/internal/exchange"
	"sentinentx/internal/execution"
	"sentinentx/internal/lock"
	"sentinentx/internal/metrics"
	"sentinentx/internal/models"
	"sentinentx/internal/notify"
	"sentinentx/internal/protection"
	"sentinentx/internal/risk"
	"sentinentx/internal/store"
)

const sym = "BTCUSDT"

type alertRecorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *alertRecorder) Alert(ctx context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) critical() []notify.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Alert
	for _, a := range r.alerts {
		if a.Severity == notify.SeverityCritical {
			out = append(out, a)
		}
	}
	return out
}

type harness struct {
	cfg    *config.Config
	gw     *exchange.PaperGateway
	store  *store.SQLiteStore
	locker *lock.MemoryLocker
	alerts *alertRecorder
}

func newHarness(t *testing.T) *harness {
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
	gw.SetInstrument(models.Instrument{Symbol: sym, TickSize: 0.1, QtyStep: 0.001, MinQty: 0.001, MaxLeverage: 100})
	gw.SetTicker(models.Ticker{Symbol: sym, LastPrice: 100, BidPrice: 99.9, AskPrice: 100.1, MarkPrice: 100})
	gw.SetKlines(sym, calmBars(60))

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "cycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &harness{
		cfg:    cfg,
		gw:     gw,
		store:  st,
		locker: lock.NewMemoryLocker(0),
		alerts: &alertRecorder{},
	}
}

// cycle builds a runner whose providers all answer vote.
func (h *harness) cycle(vote models.ProviderVote) *Cycle {
	return h.cycleWith(
		agents.NewStaticProvider("alpha", vote),
		agents.NewStaticProvider("beta", vote),
	)
}

func (h *harness) cycleWith(providers ...agents.Provider) *Cycle {
	m := metrics.New()
	return NewCycle(h.cfg, Deps{
		Gateway:   h.gw,
		Decider:   consensus.NewAggregator(h.cfg.Consensus, providers, consensus.WithRecorder(h.store), consensus.WithMetrics(m)),
		Gate:      risk.NewGate(h.gw, h.cfg.Risk, risk.WithGateMetrics(m)),
		Executor:  execution.NewExecutor(h.gw, h.cfg.Execution, execution.WithMetrics(m)),
		Protector: protection.NewManager(h.gw, h.cfg.Protection, protection.WithAlerter(h.alerts), protection.WithRand(func() float64 { return 0.5 })),
		Locker:    h.locker,
		Store:     h.store,
		Alerter:   h.alerts,
		Metrics:   m,
	})
}

func calmBars(n int) []models.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.Bar, n)
	for i := range bars {
		c := 100 + 0.1*math.Sin(float64(i))
		bars[i] = models.Bar{
			OpenTime: start.Add(time.Duration(i) * 5 * time.Minute),
			Open:     c,
			High:     c + 0.2,
			Low:      c - 0.2,
			Close:    c,
			Volume:   10,
		}
	}
	return bars
}

func longVote() models.ProviderVote {
	return models.ProviderVote{Action: models.ActionLong, Confidence: 75, Leverage: 10, StopLoss: 85, TakeProfit: 130, Reason: "trend"}
}

func manageVote(action models.Action, factor float64) models.ProviderVote {
	return models.ProviderVote{Action: action, Confidence: 80, QtyDeltaFactor: factor, Reason: "manage"}
}

// open runs an entry cycle and returns its result.
func (h *harness) open(t *testing.T) *CycleResult {
	t.Helper()
	res, err := h.cycle(longVote()).Run(context.Background(), sym)
	require.NoError(t, err)
	require.Equal(t, OutcomeOpened, res.Outcome)
	return res
}

func TestRunOpensProtectedPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.open(t)

	require.NotNil(t, res.Decision)
	assert.Equal(t, models.ActionLong, res.Decision.Action)
	require.NotNil(t, res.Gate)
	assert.True(t, res.Gate.OK)
	require.NotNil(t, res.Sizing)
	assert.InDelta(t, 120, res.Sizing.Qty, 1e-9)
	assert.Equal(t, 10.0, res.Sizing.Leverage)

	require.NotNil(t, res.Execution)
	assert.Equal(t, models.ModeLimitIOC, res.Execution.Mode, "post-only rests and times out first")
	assert.InDelta(t, 120, res.Execution.FilledQty, 1e-9)
	assert.InDelta(t, 100.1, res.Execution.AvgPrice, 1e-9)
	assert.Equal(t, models.ModePostOnly, res.Execution.Attempts[0].Mode)

	require.NotNil(t, res.Trade)
	assert.Equal(t, res.Decision.ID, res.Trade.DecisionID)
	assert.Equal(t, 85.0, res.Trade.StopLoss)
	assert.Equal(t, 130.0, res.Trade.TakeProfit)

	require.NotNil(t, res.Protection)
	assert.True(t, res.Protection.OK)
	require.NotNil(t, res.Protection.Ladder)
	assert.Equal(t, 2, res.Protection.Ladder.Total)
	assert.Equal(t, 2, res.Protection.Ladder.Succeeded)
	assert.InDelta(t, 130, res.Protection.Ladder.Orders[1].Price, 1e-9)

	pos, err := exchange.OpenPosition(ctx, h.gw, sym)
	require.NoError(t, err)
	require.True(t, pos.IsOpen())
	assert.InDelta(t, 120, pos.Size, 1e-9)

	oco, err := h.gw.GetOcoOrder(ctx, sym, res.Protection.OCO.OcoID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUntriggered, oco.Status)

	// Everything is persisted
	decisions, err := h.store.GetDecisions(ctx, store.DecisionFilter{Symbol: sym})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, res.Decision.ID, decisions[0].ID)

	gates, err := h.store.GetGateResults(ctx, sym, 10)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.True(t, gates[0].Result.OK)

	attempts, err := h.store.GetAttempts(ctx, res.CycleID)
	require.NoError(t, err)
	assert.Len(t, attempts, len(res.Execution.Attempts))

	trades, err := h.store.GetOpenTrades(ctx, sym)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, res.Trade.ID, trades[0].ID)

	prot, err := h.store.GetProtection(ctx, res.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Protection.OCO.OcoID, prot.OCO.OcoID)
}

func TestRunNoTrade(t *testing.T) {
	h := newHarness(t)

	res, err := h.cycle(models.ProviderVote{Action: models.ActionNoTrade, Confidence: 70}).Run(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTrade, res.Outcome)
	assert.Nil(t, res.Gate)
	assert.Empty(t, h.gw.Orders(sym))
}

func TestRunVetoedDecisionDoesNotTrade(t *testing.T) {
	h := newHarness(t)
	vote := longVote()
	vote.Confidence = 40

	res, err := h.cycle(vote).Run(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoTrade, res.Outcome)
	assert.True(t, res.Decision.HasVeto(models.VetoLowConf))
	assert.Empty(t, h.gw.Orders(sym))
}

func TestRunGateBlocksTightStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	vote := longVote()
	vote.StopLoss = 98
	vote.TakeProfit = 104

	res, err := h.cycle(vote).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGateBlocked, res.Outcome)
	require.NotNil(t, res.Gate)
	assert.False(t, res.Gate.OK)
	assert.Contains(t, res.Gate.Reasons, models.ReasonLiqBuffer)
	assert.Nil(t, res.Sizing)
	assert.Empty(t, h.gw.Orders(sym))

	gates, err := h.store.GetGateResults(ctx, sym, 10)
	require.NoError(t, err)
	require.Len(t, gates, 1)
	assert.False(t, gates[0].Result.OK)
}

func TestRunSizeZero(t *testing.T) {
	h := newHarness(t)
	h.gw.SetAccount(models.AccountState{Equity: 10000, FreeCollateral: 0})

	res, err := h.cycle(longVote()).Run(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSizeZero, res.Outcome)
	assert.Contains(t, res.Gate.Reasons, ReasonSizeZero)
	assert.Empty(t, h.gw.Orders(sym))
}

func TestRunSkipsLockedSymbol(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lease, err := h.locker.Acquire(ctx, lock.CycleKey(sym), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res, err := h.cycle(longVote()).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLocked, res.Outcome)
	assert.Nil(t, res.Decision)
	assert.Empty(t, h.gw.Orders(sym))
}

func TestRunHoldsLockPastTTL(t *testing.T) {
	h := newHarness(t)
	h.cfg.Lock.TTL = 30 * time.Millisecond
	ctx := context.Background()

	slow := h.cycleWith(
		agents.NewStaticProvider("alpha", longVote()).WithDelay(150*time.Millisecond),
		agents.NewStaticProvider("beta", longVote()).WithDelay(150*time.Millisecond),
	)

	var first *CycleResult
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = slow.Run(ctx, sym)
	}()

	// Well past the ttl while the first cycle still waits on its providers
	time.Sleep(90 * time.Millisecond)
	second, err := h.cycle(longVote()).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkippedLocked, second.Outcome)

	<-done
	require.NoError(t, firstErr)
	assert.Equal(t, OutcomeOpened, first.Outcome)

	pos, err := h.gw.GetPositions(ctx, sym)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, first.Execution.FilledQty, pos[0].Size, 1e-9)
}

func TestRunReportsUnprotectedPosition(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < h.cfg.Protection.OCOMaxRetries; i++ {
		h.gw.InjectFault(exchange.FaultCreateOco, exchange.Fault{Reject: "system busy"})
	}

	res, err := h.cycle(longVote()).Run(context.Background(), sym)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnprotected))
	assert.Equal(t, OutcomeUnprotected, res.Outcome)
	assert.NotEmpty(t, res.Error)
	require.NotNil(t, res.Protection)
	assert.False(t, res.Protection.OK)
	assert.Equal(t, h.cfg.Protection.OCOMaxRetries, res.Protection.OCO.Attempts)

	critical := h.alerts.critical()
	require.Len(t, critical, 1)
	assert.Equal(t, notify.KindUnprotected, critical[0].Kind)
	assert.Equal(t, sym, critical[0].Symbol)
}

func TestRunClosesPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened := h.open(t)

	res, err := h.cycle(manageVote(models.ActionClose, 0)).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcome)
	assert.Equal(t, models.ModeManage, res.Decision.Mode)
	require.NotNil(t, res.Execution)
	assert.InDelta(t, 120, res.Execution.FilledQty, 1e-9)

	pos, err := exchange.OpenPosition(ctx, h.gw, sym)
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())

	oco, err := h.gw.GetOcoOrder(ctx, sym, opened.Protection.OCO.OcoID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, oco.Status, "flat symbol drops its protection")

	open, err := h.store.GetOpenTrades(ctx, sym)
	require.NoError(t, err)
	assert.Empty(t, open)

	closed, err := h.store.GetTrades(ctx, store.TradeFilter{Symbol: sym, Status: models.TradeClosed})
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.InDelta(t, 100, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, -12, closed[0].PnL, 1e-6)
}

func TestRunScaleOutRelinksOCO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened := h.open(t)
	oldID := opened.Protection.OCO.OcoID

	res, err := h.cycle(manageVote(models.ActionScaleOut, -0.5)).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaledOut, res.Outcome)
	assert.InDelta(t, 60, res.Execution.FilledQty, 1e-9)

	pos, err := exchange.OpenPosition(ctx, h.gw, sym)
	require.NoError(t, err)
	assert.InDelta(t, 60, pos.Size, 1e-9)

	require.NotNil(t, res.Protection)
	assert.True(t, res.Protection.OK)
	newID := res.Protection.OCO.OcoID
	assert.NotEqual(t, oldID, newID)

	old, err := h.gw.GetOcoOrder(ctx, sym, oldID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, old.Status)

	for _, o := range h.gw.OcoOrders(sym) {
		if o.Result.OcoID == newID {
			assert.InDelta(t, 60, o.Request.Qty, 1e-9)
			assert.Equal(t, 85.0, o.Request.StopLoss)
		}
	}

	trades, err := h.store.GetOpenTrades(ctx, sym)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 60, trades[0].Qty, 1e-9)

	prot, err := h.store.GetProtection(ctx, trades[0].ID)
	require.NoError(t, err)
	assert.Equal(t, newID, prot.OCO.OcoID)
}

func TestRunScaleInAveragesEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.open(t)

	res, err := h.cycle(manageVote(models.ActionScaleIn, 0.5)).Run(ctx, sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeScaledIn, res.Outcome)
	assert.InDelta(t, 60, res.Execution.FilledQty, 1e-9)

	pos, err := exchange.OpenPosition(ctx, h.gw, sym)
	require.NoError(t, err)
	assert.InDelta(t, 180, pos.Size, 1e-9)

	require.NotNil(t, res.Trade)
	assert.InDelta(t, 180, res.Trade.Qty, 1e-9)
	assert.InDelta(t, 100.1, res.Trade.EntryPrice, 1e-9)
	assert.True(t, res.Protection.OK)
}

func TestRunScaleFailureToRelinkIsUnprotected(t *testing.T) {
	h := newHarness(t)
	h.open(t)
	for i := 0; i < h.cfg.Protection.OCOMaxRetries; i++ {
		h.gw.InjectFault(exchange.FaultCreateOco, exchange.Fault{Reject: "system busy"})
	}

	res, err := h.cycle(manageVote(models.ActionScaleOut, -0.5)).Run(context.Background(), sym)
	assert.True(t, errors.Is(err, errors.ErrUnprotected))
	assert.Equal(t, OutcomeUnprotected, res.Outcome)
	assert.Len(t, h.alerts.critical(), 1)
}

func TestRunHoldsOnTinyDelta(t *testing.T) {
	h := newHarness(t)
	h.gw.SetPosition(models.Position{Symbol: sym, Side: models.SideBuy, Size: 1, EntryPrice: 100})

	res, err := h.cycle(manageVote(models.ActionScaleOut, -0.0001)).Run(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, res.Outcome)
	assert.Empty(t, h.gw.Orders(sym))

	res, err = h.cycle(manageVote(models.ActionHold, 0)).Run(context.Background(), sym)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHold, res.Outcome)
}

func TestRunSnapshotFailureIsError(t *testing.T) {
	h := newHarness(t)
	h.gw.InjectFault(exchange.FaultTicker, exchange.Fault{Err: errors.ErrConnectionFailed})

	res, err := h.cycle(longVote()).Run(context.Background(), sym)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionFailed))
	assert.Equal(t, OutcomeError, res.Outcome)

	h.alerts.mu.Lock()
	defer h.alerts.mu.Unlock()
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, notify.SeverityWarning, h.alerts.alerts[0].Severity)
}

func TestStopsFor(t *testing.T) {
	sl, tp := stopsFor(models.ActionLong, 100, 95, 110, 1.5)
	assert.Equal(t, 95.0, sl)
	assert.Equal(t, 110.0, tp)

	// Stop on the wrong side falls back to ATR-scaled stops
	sl, tp = stopsFor(models.ActionLong, 100, 101, 110, 1.5)
	assert.Equal(t, 98.5, sl)
	assert.Equal(t, 103.0, tp)

	sl, tp = stopsFor(models.ActionShort, 100, 105, 90, 1.5)
	assert.Equal(t, 105.0, sl)
	assert.Equal(t, 90.0, tp)

	sl, tp = stopsFor(models.ActionShort, 100, 0, 0, 1.5)
	assert.Equal(t, 101.5, sl)
	assert.Equal(t, 97.0, tp)
}

func TestLadderLevels(t *testing.T) {
	levels := LadderLevels(models.SideBuy, 100, 110, []float64{0.5, 1, 1.5})
	require.Len(t, levels, 3)
	assert.InDelta(t, 105, levels[0].Price, 1e-9)
	assert.InDelta(t, 110, levels[1].Price, 1e-9)
	assert.InDelta(t, 115, levels[2].Price, 1e-9)
	assert.InDelta(t, 100.0/3, levels[0].Percentage, 1e-9)

	levels = LadderLevels(models.SideSell, 100, 90, []float64{1, 2})
	require.Len(t, levels, 2)
	assert.InDelta(t, 90, levels[0].Price, 1e-9)
	assert.InDelta(t, 80, levels[1].Price, 1e-9)

	assert.Nil(t, LadderLevels(models.SideBuy, 100, 110, nil))
	assert.Nil(t, LadderLevels(models.SideBuy, 0, 110, []float64{1}))
	assert.Empty(t, LadderLevels(models.SideSell, 100, 40, []float64{2}), "negative price dropped")
	assert.Empty(t, LadderLevels(models.SideBuy, 100, 110, []float64{0, -1}))
}

func TestProperty_LadderLevelsBeyondEntry(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	// Property: every level sits on the profit side of entry, in order of the multiples
	properties.Property("levels move away from entry", prop.ForAll(
		func(entry, frac float64, n int, long bool) bool {
			side := models.SideBuy
			tp := entry * (1 + frac)
			if !long {
				side = models.SideSell
				tp = entry * (1 - frac)
			}
			multiples := make([]float64, n)
			for i := range multiples {
				multiples[i] = float64(i+1) * 0.5
			}
			levels := LadderLevels(side, entry, tp, multiples)

			prev := entry
			var pct float64
			for _, l := range levels {
				if (long && l.Price <= prev) || (!long && l.Price >= prev) {
					return false
				}
				prev = l.Price
				pct += l.Percentage
			}
			if len(levels) == n && math.Abs(pct-100) > 1e-6 {
				return false
			}
			return len(levels) > 0
		},
		gen.Float64Range(1, 100000),
		gen.Float64Range(0.001, 0.4),
		gen.IntRange(1, 5),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
