package store

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinentx/internal/errors"
	"sentinentx/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sentinentx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// Property: For any ladder of attempts, saving them for a cycle and reading
// them back yields the same attempts in the same order.
func TestProperty_AttemptRoundTripConsistency(t *testing.T) {
	store := newTestStore(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	modeGen := gen.OneConstOf(models.ModePostOnly, models.ModeLimitIOC, models.ModeMarketIOC, models.ModeTWAPChunk)
	abortGen := gen.OneConstOf("", models.AbortRejected, models.AbortSlippageCap, models.AbortUnfilled)

	cycle := 0
	properties.Property("Attempt round-trip: save then retrieve produces equivalent data", prop.ForAll(
		func(count int, mode models.ExecutionMode, abort string, basePrice, baseQty float64) bool {
			ctx := context.Background()
			cycle++
			cycleID := fmt.Sprintf("cycle-%d", cycle)

			attempts := generateTestAttempts(count, mode, abort, basePrice, baseQty)
			if err := store.SaveAttempts(ctx, cycleID, attempts); err != nil {
				t.Logf("Failed to save attempts: %v", err)
				return false
			}

			retrieved, err := store.GetAttempts(ctx, cycleID)
			if err != nil {
				t.Logf("Failed to get attempts: %v", err)
				return false
			}
			if len(retrieved) != len(attempts) {
				t.Logf("Count mismatch: expected %d, got %d", len(attempts), len(retrieved))
				return false
			}
			for i, orig := range attempts {
				if !attemptsEqual(orig, retrieved[i]) {
					t.Logf("Attempt mismatch at index %d: original=%+v, retrieved=%+v", i, orig, retrieved[i])
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8),
		modeGen,
		abortGen,
		gen.Float64Range(1, 100000),
		gen.Float64Range(0.001, 50),
	))

	// Empty ladders are a no-op
	properties.Property("Empty attempts: saving empty slice should succeed", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			id := fmt.Sprintf("empty-%d", n)
			if err := store.SaveAttempts(ctx, id, nil); err != nil {
				return false
			}
			got, err := store.GetAttempts(ctx, id)
			return err == nil && len(got) == 0
		},
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

func generateTestAttempts(count int, mode models.ExecutionMode, abort string, basePrice, baseQty float64) []models.OrderAttempt {
	attempts := make([]models.OrderAttempt, count)
	baseTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		filled := baseQty / float64(i+1)
		attempts[i] = models.OrderAttempt{
			Mode:         mode,
			OrderID:      fmt.Sprintf("ORD-%d", i),
			Price:        basePrice + float64(i),
			RequestedQty: baseQty,
			FilledQty:    filled,
			AvgPrice:     basePrice,
			AbortReason:  abort,
			Timestamp:    baseTime.Add(time.Duration(i) * time.Second),
		}
	}
	return attempts
}

func attemptsEqual(a, b models.OrderAttempt) bool {
	const tolerance = 1e-9
	return a.Mode == b.Mode &&
		a.OrderID == b.OrderID &&
		a.AbortReason == b.AbortReason &&
		a.Guard == b.Guard &&
		a.Timestamp.Equal(b.Timestamp) &&
		math.Abs(a.Price-b.Price) <= tolerance &&
		math.Abs(a.RequestedQty-b.RequestedQty) <= tolerance &&
		math.Abs(a.FilledQty-b.FilledQty) <= tolerance &&
		math.Abs(a.AvgPrice-b.AvgPrice) <= tolerance
}

func TestTradeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	trade := &models.Trade{
		ID:            "T1",
		Symbol:        "BTCUSDT",
		Side:          models.ActionLong,
		Qty:           0.5,
		EntryPrice:    100,
		Leverage:      5,
		StopLoss:      98,
		TakeProfit:    104,
		DecisionID:    "D1",
		ExecutionMode: models.ModePostOnly,
		OpenedAt:      opened,
	}
	require.NoError(t, store.SaveTrade(ctx, trade))
	assert.Equal(t, models.TradeOpen, trade.Status)
	require.NoError(t, store.SaveTrade(ctx, &models.Trade{ID: "T2", Symbol: "ETHUSDT", Side: models.ActionShort, Qty: 1, EntryPrice: 50, OpenedAt: opened.Add(time.Minute)}))

	open, err := store.GetOpenTrades(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "T1", open[0].ID)
	assert.Equal(t, models.ActionLong, open[0].Side)
	assert.Equal(t, models.ModePostOnly, open[0].ExecutionMode)
	assert.Equal(t, 104.0, open[0].TakeProfit)
	assert.Equal(t, "D1", open[0].DecisionID)
	assert.True(t, open[0].OpenedAt.Equal(opened))
	assert.Nil(t, open[0].ClosedAt)

	all, err := store.GetOpenTrades(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	trade.Qty = 0.75
	trade.StopLoss = 99
	require.NoError(t, store.UpdateTrade(ctx, trade))

	closed := opened.Add(time.Hour)
	require.NoError(t, store.CloseTrade(ctx, "T1", 103, 2.25, closed))
	assert.True(t, errors.Is(store.CloseTrade(ctx, "T1", 103, 2.25, closed), errors.ErrDataNotFound), "already closed")

	open, err = store.GetOpenTrades(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)

	history, err := store.GetTrades(ctx, TradeFilter{Symbol: "BTCUSDT", Status: models.TradeClosed})
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.Equal(t, 0.75, got.Qty)
	assert.Equal(t, 99.0, got.StopLoss)
	assert.Equal(t, 103.0, got.ExitPrice)
	assert.Equal(t, 2.25, got.PnL)
	require.NotNil(t, got.ClosedAt)
	assert.True(t, got.ClosedAt.Equal(closed))

	assert.True(t, errors.Is(store.UpdateTrade(ctx, &models.Trade{ID: "missing"}), errors.ErrDataNotFound))
	assert.Error(t, store.SaveTrade(ctx, &models.Trade{}))
}

func TestRecordConsensus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	result := &models.ConsensusResult{
		ID:         "D1",
		Symbol:     "BTCUSDT",
		Mode:       models.ModeEntry,
		Action:     models.ActionLong,
		Confidence: 72.5,
		Leverage:   5,
		Reason:     "majority LONG",
		Votes: []models.ProviderVote{
			{ProviderID: "a", Action: models.ActionLong, Confidence: 80},
			{ProviderID: "b", Action: models.ActionLong, Confidence: 65},
		},
		Timestamp: ts,
	}
	require.NoError(t, store.RecordConsensus(ctx, result))
	require.NoError(t, store.RecordConsensus(ctx, &models.ConsensusResult{
		ID: "D2", Symbol: "BTCUSDT", Mode: models.ModeEntry, Action: models.ActionNoTrade,
		Vetoes: []string{models.VetoDeviation}, Timestamp: ts.Add(time.Minute),
	}))

	got, err := store.GetDecisions(ctx, DecisionFilter{Symbol: "BTCUSDT"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "D2", got[0].ID, "newest first")
	assert.True(t, got[0].HasVeto(models.VetoDeviation))
	assert.Len(t, got[1].Votes, 2)
	assert.Equal(t, 72.5, got[1].Confidence)

	longs, err := store.GetDecisions(ctx, DecisionFilter{Action: models.ActionLong, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, longs, 1)

	assert.Error(t, store.RecordConsensus(ctx, &models.ConsensusResult{}))
}

func TestRecordGate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordGate(ctx, "BTCUSDT", &models.RiskGateResult{OK: true, Reasons: []string{}}))
	require.NoError(t, store.RecordGate(ctx, "BTCUSDT", &models.RiskGateResult{
		OK:      false,
		Reasons: []string{models.ReasonFundingWindow},
		Details: map[string]interface{}{"minutes_to_funding": 3.0},
	}))

	recs, err := store.GetGateResults(ctx, "BTCUSDT", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Result.OK)
	assert.Equal(t, []string{models.ReasonFundingWindow}, recs[0].Result.Reasons)
	assert.Equal(t, 3.0, recs[0].Result.Details["minutes_to_funding"])
	assert.True(t, recs[1].Result.OK)
}

func TestSaveProtection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetProtection(ctx, "T1")
	assert.True(t, errors.Is(err, errors.ErrDataNotFound))

	res := &models.ProtectionResult{
		OK:             true,
		SucceededCount: 2,
		OCO:            &models.OCOResult{OK: true, OcoID: "OCO1", Attempts: 1},
		Ladder: &models.LadderResult{OK: true, Total: 2, Succeeded: 2, TotalQty: 1, Orders: []models.TPOrderOutcome{
			{Level: 1, Price: 101, Qty: 0.5, OK: true, OrderID: "L1", Attempts: 1},
			{Level: 2, Price: 102, Qty: 0.5, OK: true, OrderID: "L2", Attempts: 2},
		}},
	}
	require.NoError(t, store.SaveProtection(ctx, "T1", res))

	got, err := store.GetProtection(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, res, got)

	// Relinked protection replaces the previous row
	res.OCO.OcoID = "OCO2"
	require.NoError(t, store.SaveProtection(ctx, "T1", res))
	got, err = store.GetProtection(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, "OCO2", got.OCO.OcoID)
}
